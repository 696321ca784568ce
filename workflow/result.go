package workflow

import "time"

// StepResult is the outcome of a step that ran to completion
type StepResult struct {
	Index    int
	Stdout   string
	Stderr   string
	ExitCode int64
	Elapsed  time.Duration
}

// ExportResult is the outcome of a successful export
type ExportResult struct {
	Index   int
	Elapsed time.Duration
}

// Result describes a completed workflow run
type Result struct {
	RunID         string
	State         State
	StepResults   []StepResult
	ExportResults []ExportResult
}

// Output returns the stdout of the last step. It reports false when the
// workflow has no steps.
func (r *Result) Output() (string, bool) {
	if len(r.StepResults) == 0 {
		return "", false
	}
	return r.StepResults[len(r.StepResults)-1].Stdout, true
}

// ExecTime returns the summed elapsed time of all steps and exports.
func (r *Result) ExecTime() time.Duration {
	var total time.Duration
	for _, s := range r.StepResults {
		total += s.Elapsed
	}
	for _, e := range r.ExportResults {
		total += e.Elapsed
	}
	return total
}
