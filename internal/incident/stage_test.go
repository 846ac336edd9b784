package incident

import (
	"errors"
	"testing"
	"time"
)

var allStages = []Stage{
	StageReceived, StageAnalyzing, StagePlanning, StageAwaitingApproval,
	StageExecuting, StageVerifying, StageCompleted, StageAnalysisFailed,
	StagePlanningFailed, StageNotExecuted, StageExecutionFailed, StageRolledBack,
}

func TestCanTransition_Table(t *testing.T) {
	t.Parallel()

	allowed := map[[2]Stage]bool{
		{StageReceived, StageAnalyzing}:           true,
		{StageReceived, StageNotExecuted}:         true,
		{StageAnalyzing, StagePlanning}:           true,
		{StageAnalyzing, StageAnalysisFailed}:     true,
		{StageAnalyzing, StageNotExecuted}:        true,
		{StagePlanning, StageAwaitingApproval}:    true,
		{StagePlanning, StagePlanningFailed}:      true,
		{StagePlanning, StageNotExecuted}:         true,
		{StageAwaitingApproval, StageExecuting}:   true,
		{StageAwaitingApproval, StageNotExecuted}: true,
		{StageExecuting, StageVerifying}:          true,
		{StageExecuting, StageExecutionFailed}:    true,
		{StageExecuting, StageRolledBack}:         true,
		{StageVerifying, StageCompleted}:          true,
		{StageVerifying, StageExecutionFailed}:    true,
	}

	for _, from := range allStages {
		for _, to := range allStages {
			want := allowed[[2]Stage{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStage_Terminal(t *testing.T) {
	t.Parallel()

	terminals := map[Stage]bool{
		StageCompleted: true, StageAnalysisFailed: true, StagePlanningFailed: true,
		StageNotExecuted: true, StageExecutionFailed: true, StageRolledBack: true,
	}
	for _, s := range allStages {
		if got := s.Terminal(); got != terminals[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, terminals[s])
		}
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
		if s.Terminal() && len(Successors(s)) != 0 {
			t.Errorf("terminal stage %s has successors %v", s, Successors(s))
		}
	}
	if Stage("bogus").Valid() {
		t.Error("unknown stage reported valid")
	}
}

func TestTerminalStages(t *testing.T) {
	t.Parallel()

	got := TerminalStages()
	n := 0
	for _, s := range allStages {
		if s.Terminal() {
			n++
		}
	}
	if len(got) != n {
		t.Errorf("TerminalStages() = %v, want %d stages", got, n)
	}
	for _, s := range got {
		if !s.Terminal() {
			t.Errorf("TerminalStages() includes non-terminal %s", s)
		}
	}
}

func TestInterruptedStage(t *testing.T) {
	t.Parallel()

	want := map[Stage]Stage{
		StageReceived:         StageNotExecuted,
		StageAnalyzing:        StageNotExecuted,
		StagePlanning:         StageNotExecuted,
		StageAwaitingApproval: StageNotExecuted,
		StageExecuting:        StageExecutionFailed,
		StageVerifying:        StageExecutionFailed,
	}
	for _, s := range allStages {
		got := InterruptedStage(s)
		if s.Terminal() {
			if got != s {
				t.Errorf("InterruptedStage(%s) = %s, want unchanged", s, got)
			}
			continue
		}
		if got != want[s] {
			t.Errorf("InterruptedStage(%s) = %s, want %s", s, got, want[s])
		}
		if !CanTransition(s, got) {
			t.Errorf("InterruptedStage(%s) = %s is not an allowed transition", s, got)
		}
	}
}

func TestAdvance_RecordsHistoryAndOutcome(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inc := New("inc-1", nil, now)

	ev, err := inc.Advance(StageAnalyzing, "", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if ev.From != StageReceived || ev.To != StageAnalyzing || ev.IncidentID != "inc-1" {
		t.Errorf("event = %+v", ev)
	}
	if inc.Outcome != nil {
		t.Error("outcome set on non-terminal transition")
	}

	if _, err := inc.Advance(StageAnalysisFailed, "llm unavailable", now.Add(2*time.Second)); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if inc.Outcome == nil || inc.Outcome.Stage != StageAnalysisFailed || inc.Outcome.Reason != "llm unavailable" {
		t.Errorf("outcome = %+v", inc.Outcome)
	}
	if len(inc.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(inc.History))
	}
	if !inc.UpdatedAt.Equal(now.Add(2 * time.Second)) {
		t.Errorf("UpdatedAt = %v", inc.UpdatedAt)
	}

	_, err = inc.Advance(StagePlanning, "", now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Advance from terminal err = %v, want ErrInvalidTransition", err)
	}
	if inc.Stage != StageAnalysisFailed {
		t.Errorf("stage changed after rejected transition: %s", inc.Stage)
	}
}

func TestApply_Rules(t *testing.T) {
	t.Parallel()

	now := time.Now()
	inc := New("inc-2", nil, now)

	if err := inc.Apply(&AnalysisResult{RootCause: "oom"}, now); err != nil {
		t.Fatalf("Apply analysis: %v", err)
	}
	if err := inc.Apply(&AnalysisResult{RootCause: "other"}, now); !errors.Is(err, ErrImmutable) {
		t.Errorf("second analysis err = %v, want ErrImmutable", err)
	}

	req := &ApprovalRequest{ID: "a1", Status: ApprovalPending}
	if err := inc.Apply(req, now); err != nil {
		t.Fatalf("Apply approval: %v", err)
	}
	req.Status = ApprovalApproved
	if inc.Approval.Status != ApprovalPending {
		t.Error("attached approval aliases caller's value")
	}
	if err := inc.Apply(req, now); err != nil {
		t.Fatalf("Apply resolved approval: %v", err)
	}
	if err := inc.Apply(&ApprovalRequest{ID: "a1", Status: ApprovalRejected}, now); !errors.Is(err, ErrImmutable) {
		t.Errorf("re-resolving approval err = %v, want ErrImmutable", err)
	}
	if err := inc.Apply(&ApprovalRequest{ID: "a2", Status: ApprovalPending}, now); !errors.Is(err, ErrImmutable) {
		t.Errorf("second approval err = %v, want ErrImmutable", err)
	}

	rec := &ExecutionRecord{Status: ExecutionInProgress}
	if err := inc.Apply(rec, now); err != nil {
		t.Fatalf("Apply execution: %v", err)
	}
	if err := inc.Apply(&ExecutionRecord{Status: ExecutionSucceeded}, now); err != nil {
		t.Fatalf("Apply finished execution: %v", err)
	}
	if err := inc.Apply(&ExecutionRecord{Status: ExecutionFailed}, now); !errors.Is(err, ErrImmutable) {
		t.Errorf("rewrite finished execution err = %v, want ErrImmutable", err)
	}

	if _, err := inc.Advance(StageNotExecuted, "aborted", now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := inc.Apply(&RemediationPlan{ID: "p"}, now); !errors.Is(err, ErrImmutable) {
		t.Errorf("attach after terminal err = %v, want ErrImmutable", err)
	}
}
