package incident

import "errors"

var (
	// ErrNotFound is returned when no incident exists for an ID.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidTransition is returned for a stage change not in the transition table.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrImmutable is returned when attaching to a finalized incident or
	// replacing an analysis or plan that is already set.
	ErrImmutable = errors.New("incident record is immutable")

	ErrAnalysisFailed      = errors.New("analysis failed")
	ErrPlanningFailed      = errors.New("planning failed")
	ErrApprovalRejected    = errors.New("approval rejected")
	ErrApprovalExpired     = errors.New("approval expired")
	ErrStepExecutionFailed = errors.New("step execution failed")
	ErrRollbackIncomplete  = errors.New("rollback incomplete")
)
