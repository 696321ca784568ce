package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isdmx/codechain/sandbox"
)

// Definition is the YAML form of a workflow
type Definition struct {
	BuildDir string             `yaml:"build_dir"`
	ImageTag string             `yaml:"image_tag"`
	Input    *string            `yaml:"input,omitempty"`
	Steps    []StepDefinition   `yaml:"steps"`
	Exports  []ExportDefinition `yaml:"exports,omitempty"`
}

// StepDefinition is the YAML form of a Step
type StepDefinition struct {
	Language    sandbox.Language `yaml:"language"`
	File        string           `yaml:"file"`
	Timeout     time.Duration    `yaml:"timeout"`
	Description string           `yaml:"description,omitempty"`
}

// ExportDefinition is the YAML form of an Export
type ExportDefinition struct {
	Type        ExportKind `yaml:"type"`
	Description string     `yaml:"description,omitempty"`
	Path        string     `yaml:"path,omitempty"`
	To          string     `yaml:"to,omitempty"`
	Subject     string     `yaml:"subject,omitempty"`
}

// LoadDefinition reads a workflow definition from a YAML file. Relative
// build_dir and step file paths are resolved against the file's directory.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow definition path: %w", err)
	}
	return ParseDefinition(data, filepath.Dir(abs))
}

// ParseDefinition decodes a YAML workflow definition, rejecting unknown
// fields, and resolves relative paths against baseDir.
func ParseDefinition(data []byte, baseDir string) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workflow definition is empty")
		}
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	def.BuildDir = resolve(baseDir, def.BuildDir)
	for i := range def.Steps {
		def.Steps[i].File = resolve(baseDir, def.Steps[i].File)
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.BuildDir == "" {
		return errors.New("build_dir must be set")
	}
	if d.ImageTag == "" {
		return errors.New("image_tag must be set")
	}
	if len(d.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i, s := range d.Steps {
		if err := s.step().validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, e := range d.Exports {
		if err := e.export().Validate(); err != nil {
			return fmt.Errorf("export %d: %w", i, err)
		}
	}
	return nil
}

// Builder returns a Builder populated from the definition. Runtime, logger
// and exporter are left for the caller to set.
func (d *Definition) Builder() *Builder {
	b := NewBuilder(d.BuildDir, d.ImageTag)
	if d.Input != nil {
		b.Input(*d.Input)
	}
	for _, s := range d.Steps {
		b.AddStep(s.step())
	}
	for _, e := range d.Exports {
		b.AddExport(e.export())
	}
	return b
}

func (s StepDefinition) step() Step {
	return NewStep(s.Language, s.File, s.Timeout, s.Description)
}

func (e ExportDefinition) export() Export {
	return Export{
		Kind:        e.Type,
		Description: e.Description,
		Path:        e.Path,
		To:          e.To,
		Subject:     e.Subject,
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
