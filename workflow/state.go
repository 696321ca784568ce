package workflow

import (
	"fmt"
	"slices"
)

// State is the progress of one workflow run
type State int

// Run states
const (
	NotStarted State = iota
	RunningSteps
	StepFailed
	AllStepsDone
	RunningExports
	ExportFailed
	Completed
)

var stateNames = map[State]string{
	NotStarted:     "not_started",
	RunningSteps:   "running_steps",
	StepFailed:     "step_failed",
	AllStepsDone:   "all_steps_done",
	RunningExports: "running_exports",
	ExportFailed:   "export_failed",
	Completed:      "completed",
}

var transitions = map[State][]State{
	NotStarted:     {RunningSteps},
	RunningSteps:   {StepFailed, AllStepsDone},
	AllStepsDone:   {RunningExports},
	RunningExports: {ExportFailed, Completed},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StepFailed || s == ExportFailed || s == Completed
}

// CanTransition reports whether a run may move from s to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// machine tracks the state of a single run.
type machine struct {
	state State
}

func (m *machine) to(next State) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	m.state = next
	return nil
}
