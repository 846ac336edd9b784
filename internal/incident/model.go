package incident

import (
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Severity levels shared by analysis results and plan risk.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank orders severities low..critical as 1..4; unknown values rank 0.
func SeverityRank(s string) int { return severityRank[s] }

// Incident is one alert group driven through the response workflow.
type Incident struct {
	ID        string           `json:"id"`
	Alert     *alert.Webhook   `json:"alert"`
	Stage     Stage            `json:"stage"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Outcome   *Outcome         `json:"outcome,omitempty"`
	Analysis  *AnalysisResult  `json:"analysis,omitempty"`
	Plan      *RemediationPlan `json:"plan,omitempty"`
	Approval  *ApprovalRequest `json:"approval,omitempty"`
	Execution *ExecutionRecord `json:"execution,omitempty"`
	History   []Transition     `json:"history"`
}

// Outcome is recorded once, when the incident reaches a terminal stage.
type Outcome struct {
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Transition is one entry of the stage history.
type Transition struct {
	From   Stage     `json:"from"`
	To     Stage     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// AnalysisResult is the diagnosis produced by the analysis stage.
type AnalysisResult struct {
	RootCause          string    `json:"root_cause"`
	Severity           string    `json:"severity"`
	AffectedComponents []string  `json:"affected_components,omitempty"`
	Summary            string    `json:"summary"`
	Confidence         *float64  `json:"confidence,omitempty"`
	Evidence           []string  `json:"evidence,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// RemediationPlan is an ordered list of steps proposed by the planning stage.
type RemediationPlan struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Summary           string        `json:"summary"`
	Risk              string        `json:"risk"`
	Steps             []PlanStep    `json:"steps"`
	Prerequisites     []string      `json:"prerequisites,omitempty"` // confirmed by the approver
	Verification      *Check        `json:"verification,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// PlanStep is one remediation action with an optional check and rollback.
type PlanStep struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Action      Action  `json:"action"`
	Verify      *Check  `json:"verify,omitempty"`
	Rollback    *Action `json:"rollback,omitempty"`
}

// Action is a named operation executed by the action backend.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Check is a named read-only verification executed by the action backend.
type Check struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ApprovalStatus tracks the resolution of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest gates one plan behind a human decision.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	PlanID     string         `json:"plan_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Deadline   time.Time      `json:"deadline"`
	Status     ApprovalStatus `json:"status"`
	Actor      string         `json:"actor,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitzero"`
	MessageRef string         `json:"message_ref,omitempty"`
}

// Resolved reports whether the request has left the pending state.
func (r *ApprovalRequest) Resolved() bool { return r.Status != ApprovalPending }

// ExecutionStatus is the overall status of an execution record.
type ExecutionStatus string

const (
	ExecutionInProgress ExecutionStatus = "in-progress"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled-back"
)

// StepStatus is the status of one step within an execution record.
type StepStatus string

const (
	StepPending        StepStatus = "pending"
	StepSucceeded      StepStatus = "succeeded"
	StepFailed         StepStatus = "failed"
	StepRolledBack     StepStatus = "rolled-back"
	StepSkipped        StepStatus = "skipped"
	StepRollbackFailed StepStatus = "rollback-failed"
)

// ExecutionRecord tracks execution of an approved plan.
type ExecutionRecord struct {
	IncidentID         string          `json:"incident_id"`
	PlanID             string          `json:"plan_id"`
	Steps              []StepOutcome   `json:"steps"`
	Status             ExecutionStatus `json:"status"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at,omitzero"`
	RollbackIncomplete bool            `json:"rollback_incomplete,omitempty"`
	DryRun             bool            `json:"dry_run,omitempty"` // steps were simulated
	Error              string          `json:"error,omitempty"`
}

// Finished reports whether the record has reached a final status.
func (r *ExecutionRecord) Finished() bool { return r.Status != ExecutionInProgress }

// StepOutcome is the result of one plan step.
type StepOutcome struct {
	Index      int        `json:"index"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// AlertName returns the primary firing alert's name, or the group's common alertname.
func (inc *Incident) AlertName() string {
	if inc.Alert == nil {
		return ""
	}
	if p := inc.Alert.Primary(); p != nil {
		return p.Name()
	}
	return inc.Alert.CommonLabels["alertname"]
}

// Clone returns a deep copy safe to hand to another goroutine.
func (inc *Incident) Clone() *Incident {
	if inc == nil {
		return nil
	}
	cp := *inc
	cp.Alert = inc.Alert.Clone()
	if inc.Outcome != nil {
		o := *inc.Outcome
		cp.Outcome = &o
	}
	cp.Analysis = inc.Analysis.Clone()
	cp.Plan = inc.Plan.Clone()
	if inc.Approval != nil {
		a := *inc.Approval
		cp.Approval = &a
	}
	cp.Execution = inc.Execution.Clone()
	cp.History = slices.Clone(inc.History)
	return &cp
}

// Clone returns a deep copy.
func (a *AnalysisResult) Clone() *AnalysisResult {
	if a == nil {
		return nil
	}
	cp := *a
	cp.AffectedComponents = slices.Clone(a.AffectedComponents)
	cp.Evidence = slices.Clone(a.Evidence)
	if a.Confidence != nil {
		c := *a.Confidence
		cp.Confidence = &c
	}
	return &cp
}

// Clone returns a deep copy.
func (p *RemediationPlan) Clone() *RemediationPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Verification = p.Verification.Clone()
	cp.Prerequisites = slices.Clone(p.Prerequisites)
	cp.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		s.Action = s.Action.Clone()
		s.Verify = s.Verify.Clone()
		if s.Rollback != nil {
			rb := s.Rollback.Clone()
			s.Rollback = &rb
		}
		cp.Steps[i] = s
	}
	return &cp
}

// Clone returns a deep copy.
func (a Action) Clone() Action {
	a.Params = maps.Clone(a.Params)
	return a
}

// Clone returns a deep copy.
func (c *Check) Clone() *Check {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Params = maps.Clone(c.Params)
	return &cp
}

// Clone returns a deep copy.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Steps = slices.Clone(r.Steps)
	return &cp
}
