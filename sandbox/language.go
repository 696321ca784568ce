package sandbox

import (
	"fmt"
	"strings"
)

// Language identifies a supported source language.
type Language int

// Supported languages
const (
	Python Language = iota + 1
	Java
	JavaScript
)

// profile describes how a language is compiled and run inside the runtime image
type profile struct {
	name        string
	aliases     []string
	sourceExt   string
	compiledExt string
	compiler    string
	runner      string
	defaultStem string
}

// One row per language. The compiled extension equals the source extension
// for interpreted languages; an empty compiler means there is no build step.
var profiles = map[Language]profile{
	Python: {
		name:        "python",
		aliases:     []string{"py"},
		sourceExt:   "py",
		compiledExt: "py",
		runner:      "python",
		defaultStem: "main",
	},
	Java: {
		name:        "java",
		sourceExt:   "java",
		compiledExt: "",
		compiler:    "javac",
		runner:      "java",
		defaultStem: "Main",
	},
	JavaScript: {
		name:        "javascript",
		aliases:     []string{"js", "node", "nodejs"},
		sourceExt:   "js",
		compiledExt: "js",
		runner:      "node",
		defaultStem: "main",
	},
}

// Languages returns every supported language in declaration order.
func Languages() []Language {
	return []Language{Python, Java, JavaScript}
}

// ParseLanguage resolves a language name or alias, case-insensitively.
func ParseLanguage(s string) (Language, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, lang := range Languages() {
		p := profiles[lang]
		if p.name == name {
			return lang, nil
		}
		for _, alias := range p.aliases {
			if alias == name {
				return lang, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	_, ok := profiles[l]
	return ok
}

func (l Language) String() string {
	if p, ok := profiles[l]; ok {
		return p.name
	}
	return fmt.Sprintf("Language(%d)", int(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Language) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLanguage, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Language) UnmarshalText(text []byte) error {
	parsed, err := ParseLanguage(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// SourceExtension returns the extension source files are staged with.
func (l Language) SourceExtension() string {
	return profiles[l].sourceExt
}

// CompiledExtension returns the extension of the runnable artifact. It is
// empty for languages whose runner takes a bare name, such as a Java class.
func (l Language) CompiledExtension() string {
	return profiles[l].compiledExt
}

// Compiler returns the compiler invocation, if the language has a build step.
func (l Language) Compiler() (string, bool) {
	c := profiles[l].compiler
	return c, c != ""
}

// Runner returns the command that runs the compiled artifact.
func (l Language) Runner() string {
	return profiles[l].runner
}

// DefaultFileName returns a file name suitable for staging inline code.
func (l Language) DefaultFileName() string {
	p := profiles[l]
	return withExtension(p.defaultStem, p.sourceExt)
}

// SourceFile returns the staged source file name for stem.
func (l Language) SourceFile(stem string) string {
	return withExtension(stem, l.SourceExtension())
}

// ArtifactFile returns the runnable artifact name for stem.
func (l Language) ArtifactFile(stem string) string {
	return withExtension(stem, l.CompiledExtension())
}

// BuildCommand returns the command compiling stem, or nil when the language
// needs no build step.
func (l Language) BuildCommand(stem string) []string {
	compiler, ok := l.Compiler()
	if !ok {
		return nil
	}
	return []string{compiler, l.SourceFile(stem)}
}

// RunCommand returns the command running the artifact built from stem.
func (l Language) RunCommand(stem string) []string {
	return []string{l.Runner(), l.ArtifactFile(stem)}
}

func withExtension(stem, ext string) string {
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}
