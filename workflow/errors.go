package workflow

import (
	"errors"
	"fmt"
)

// Build errors
var (
	ErrSandboxInit   = errors.New("failed to init sandbox")
	ErrNoExporter    = errors.New("workflow has exports but no exporter")
	ErrInvalidStep   = errors.New("invalid step")
	ErrInvalidExport = errors.New("invalid export")
)

// ErrInvalidTransition is returned when a run attempts a state change its
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid workflow state transition")

// StepError reports the first failing step of a run. Results holds, in
// order, the results of every step that completed before it.
type StepError struct {
	RunID   string
	Index   int
	Step    Step
	Err     error
	Results []StepResult
}

func (e *StepError) Error() string {
	return fmt.Sprintf("failed to execute step %d (%s): %v", e.Index, e.Step.name(), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ExportError reports the first failing export of a run, together with the
// results of all steps and of the exports completed before it.
type ExportError struct {
	RunID         string
	Index         int
	Export        Export
	Err           error
	StepResults   []StepResult
	ExportResults []ExportResult
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("failed to execute export %d (%s): %v", e.Index, e.Export.name(), e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
