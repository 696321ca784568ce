package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/codechain/sandbox"
)

// Step is one code execution of a workflow
type Step struct {
	Language    sandbox.Language
	CodeFile    string
	Timeout     time.Duration
	Description string
}

// NewStep creates a Step
func NewStep(lang sandbox.Language, codeFile string, timeout time.Duration, description string) Step {
	return Step{
		Language:    lang,
		CodeFile:    codeFile,
		Timeout:     timeout,
		Description: description,
	}
}

func (s Step) validate() error {
	if !s.Language.Valid() {
		return fmt.Errorf("unsupported language %s", s.Language)
	}
	if s.CodeFile == "" {
		return errors.New("code file must be set")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

// name identifies the step in messages and logs.
func (s Step) name() string {
	if s.Description != "" {
		return s.Description
	}
	return s.CodeFile
}

// ExportKind selects what an Export does with the final output
type ExportKind string

// Supported export kinds
const (
	ExportSaveFile  ExportKind = "save_file"
	ExportSendEmail ExportKind = "send_email"
)

// Export is an action applied to the output of the last step once every step
// has succeeded. Path is used by save_file exports, To and Subject by
// send_email exports.
type Export struct {
	Kind        ExportKind
	Description string
	Path        string
	To          string
	Subject     string
}

// SaveFile creates an export that writes the final output to path
func SaveFile(description, path string) Export {
	return Export{Kind: ExportSaveFile, Description: description, Path: path}
}

// SendEmail creates an export that mails the final output to a recipient
func SendEmail(description, to, subject string) Export {
	return Export{Kind: ExportSendEmail, Description: description, To: to, Subject: subject}
}

// Validate checks that the fields required by the export's kind are set.
func (e Export) Validate() error {
	switch e.Kind {
	case ExportSaveFile:
		if e.Path == "" {
			return errors.New("save_file export requires a path")
		}
	case ExportSendEmail:
		if e.To == "" {
			return errors.New("send_email export requires a recipient")
		}
	default:
		return fmt.Errorf("unknown export type %q", e.Kind)
	}
	return nil
}

func (e Export) name() string {
	if e.Description != "" {
		return e.Description
	}
	return string(e.Kind)
}
