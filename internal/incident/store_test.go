package incident

import (
	"sync"
	"testing"
	"time"
)

func TestBroadcaster_PublishOrderAndUnsubscribe(t *testing.T) {
	t.Parallel()

	var b Broadcaster
	var mu sync.Mutex
	var got []string

	unsubA := b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, "a:"+string(ev.To))
		mu.Unlock()
	})
	b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, "b:"+string(ev.To))
		mu.Unlock()
	})

	b.Publish(Event{To: StageAnalyzing})
	unsubA()
	unsubA() // idempotent
	b.Publish(Event{To: StagePlanning})

	want := []string{"a:analyzing", "b:analyzing", "b:planning"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBroadcaster_ZeroValueUsable(t *testing.T) {
	t.Parallel()

	var b Broadcaster
	b.Publish(Event{}) // no subscribers, must not panic
}

func TestIncidentClone_IsDeep(t *testing.T) {
	t.Parallel()

	conf := 0.8
	now := time.Now()
	inc := New("inc-1", nil, now)
	inc.Analysis = &AnalysisResult{RootCause: "oom", AffectedComponents: []string{"api"}, Confidence: &conf}
	inc.Plan = validPlan()
	inc.Approval = &ApprovalRequest{ID: "a1", Status: ApprovalPending}
	inc.Execution = &ExecutionRecord{Steps: []StepOutcome{{Index: 0, Status: StepPending}}}
	if _, err := inc.Advance(StageAnalyzing, "", now); err != nil {
		t.Fatal(err)
	}

	cp := inc.Clone()
	cp.Analysis.AffectedComponents[0] = "db"
	*cp.Analysis.Confidence = 0.1
	cp.Plan.Steps[0].Action.Name = "x"
	cp.Approval.Status = ApprovalApproved
	cp.Execution.Steps[0].Status = StepFailed
	cp.History[0].Reason = "mutated"

	if inc.Analysis.AffectedComponents[0] != "api" || *inc.Analysis.Confidence != 0.8 {
		t.Error("clone shares analysis")
	}
	if inc.Plan.Steps[0].Action.Name != "scale_deployment" {
		t.Error("clone shares plan")
	}
	if inc.Approval.Status != ApprovalPending {
		t.Error("clone shares approval")
	}
	if inc.Execution.Steps[0].Status != StepPending {
		t.Error("clone shares execution")
	}
	if inc.History[0].Reason != "" {
		t.Error("clone shares history")
	}
	if (*Incident)(nil).Clone() != nil {
		t.Error("nil Clone should be nil")
	}
}
