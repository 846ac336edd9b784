package incident

import (
	"fmt"
	"slices"
)

// Stage is where an incident is in the response workflow.
type Stage string

const (
	StageReceived         Stage = "received"
	StageAnalyzing        Stage = "analyzing"
	StagePlanning         Stage = "planning"
	StageAwaitingApproval Stage = "awaiting-approval"
	StageExecuting        Stage = "executing"
	StageVerifying        Stage = "verifying"

	// terminal
	StageCompleted       Stage = "completed"
	StageAnalysisFailed  Stage = "analysis-failed"
	StagePlanningFailed  Stage = "planning-failed"
	StageNotExecuted     Stage = "not-executed"
	StageExecutionFailed Stage = "execution-failed"
	StageRolledBack      Stage = "rolled-back"
)

// transitions lists the allowed successors of every non-terminal stage.
// Terminal stages have no entry.
var transitions = map[Stage][]Stage{
	StageReceived:         {StageAnalyzing, StageNotExecuted},
	StageAnalyzing:        {StagePlanning, StageAnalysisFailed, StageNotExecuted},
	StagePlanning:         {StageAwaitingApproval, StagePlanningFailed, StageNotExecuted},
	StageAwaitingApproval: {StageExecuting, StageNotExecuted},
	StageExecuting:        {StageVerifying, StageExecutionFailed, StageRolledBack},
	StageVerifying:        {StageCompleted, StageExecutionFailed},
}

var terminal = map[Stage]bool{
	StageCompleted:       true,
	StageAnalysisFailed:  true,
	StagePlanningFailed:  true,
	StageNotExecuted:     true,
	StageExecutionFailed: true,
	StageRolledBack:      true,
}

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool { return terminal[s] }

// TerminalStages returns every terminal stage.
func TerminalStages() []Stage {
	return []Stage{
		StageCompleted, StageAnalysisFailed, StagePlanningFailed,
		StageNotExecuted, StageExecutionFailed, StageRolledBack,
	}
}

// ReasonInterrupted is the outcome reason of incidents whose workflow died
// with the process.
const ReasonInterrupted = "interrupted by restart"

// InterruptedStage returns the terminal stage an in-progress incident ends in
// when its workflow is lost: not-executed before execution starts,
// execution-failed after. Terminal stages are returned unchanged.
func InterruptedStage(s Stage) Stage {
	switch {
	case s.Terminal():
		return s
	case s == StageExecuting, s == StageVerifying:
		return StageExecutionFailed
	default:
		return StageNotExecuted
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok || terminal[s]
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Stage) bool {
	return slices.Contains(transitions[from], to)
}

// Successors returns a copy of the stages reachable from s in one step.
func Successors(s Stage) []Stage {
	return slices.Clone(transitions[s])
}

func checkTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
