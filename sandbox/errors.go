package sandbox

import (
	"errors"
	"fmt"
)

// Configuration and validation errors
var (
	ErrInvalidDirectory    = errors.New("invalid build directory")
	ErrMissingDockerfile   = errors.New("directory does not contain a file named 'Dockerfile'")
	ErrAbsolutePath        = errors.New("failed to retrieve the absolute path of directory")
	ErrInvalidCodeFile     = errors.New("path does not point to an existing code file")
	ErrInvalidTimeout      = errors.New("timeout must be positive")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Image build errors
var (
	ErrBuildImage = errors.New("failed to build image")
	ErrCompile    = errors.New("build command failed")
)

// Container lifecycle errors
var (
	ErrCreateContainer = errors.New("failed to create container")
	ErrAttachContainer = errors.New("failed to attach to container")
	ErrStartContainer  = errors.New("failed to start container")
	ErrExecute         = errors.New("failed to execute command inside container")
	ErrRemoveContainer = errors.New("failed to remove container")
)

// Host I/O errors
var (
	ErrCreateTempDir = errors.New("failed to create staging directory")
	ErrRemoveTempDir = errors.New("failed to remove staging directory")
	ErrCopyCodeFile  = errors.New("failed to copy code file")
	ErrWriteStdin    = errors.New("failed to write to container stdin")
	ErrCloseStdin    = errors.New("failed to close container stdin")
)

// Content and timing errors
var (
	ErrInvalidStdout = errors.New("container wrote non utf-8 bytes to stdout")
	ErrInvalidStderr = errors.New("container wrote non utf-8 bytes to stderr")
	ErrTimeout       = errors.New("execution timed out")
)

// Error reports a sandbox failure. Kind is one of the sentinel errors of this
// package, Subject names what was being operated on (a path, image tag,
// container id or command) and Err is the underlying cause, if any.
type Error struct {
	Kind    error
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind error, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: cause}
}

// IsTimeout reports whether err is a sandbox timeout, the one failure a
// caller may reasonably retry with a longer timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
