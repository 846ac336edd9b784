package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/incident/pgstore"
	"github.com/linnemanlabs/warden/internal/postgres"
)

func openStore(t *testing.T, retention time.Duration) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool, retention)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func uniqueID() string { return "inc-test-" + ulid.Make().String() }

func webhook() *alert.Webhook {
	return &alert.Webhook{
		GroupKey: "{}:{alertname=\"HighCPU\"}",
		Alerts: []alert.Alert{{
			Status:      alert.StatusFiring,
			Labels:      map[string]string{"alertname": "HighCPU", "severity": "critical"},
			Annotations: map[string]string{"summary": "cpu high"},
			StartsAt:    time.Now().UTC().Truncate(time.Microsecond),
		}},
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t, time.Hour)
	ctx := context.Background()
	id := uniqueID()

	inc, created, err := s.Create(ctx, id, webhook())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("Create reported created=false")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stage != incident.StageReceived {
		t.Errorf("Stage = %s, want received", got.Stage)
	}
	if got.AlertName() != "HighCPU" {
		t.Errorf("AlertName = %q, want HighCPU", got.AlertName())
	}
	if !got.CreatedAt.Equal(inc.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, inc.CreatedAt)
	}

	_, created, err = s.Create(ctx, id, webhook())
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("second Create reported created=true")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, time.Hour)
	if _, err := s.Get(context.Background(), uniqueID()); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestLifecycleRoundTrip(t *testing.T) {
	s := openStore(t, time.Hour)
	ctx := context.Background()
	id := uniqueID()

	var events []incident.Stage
	unsub := s.Subscribe(func(ev incident.Event) {
		if ev.IncidentID == id {
			events = append(events, ev.To)
		}
	})
	defer unsub()

	if _, _, err := s.Create(ctx, id, webhook()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStage(ctx, id, incident.StageAnalyzing, ""); err != nil {
		t.Fatal(err)
	}
	conf := 0.8
	if err := s.Attach(ctx, id, &incident.AnalysisResult{
		RootCause: "memory leak", Severity: incident.SeverityHigh, Confidence: &conf,
		AffectedComponents: []string{"api"},
	}); err != nil {
		t.Fatalf("Attach analysis: %v", err)
	}
	if err := s.UpdateStage(ctx, id, incident.StagePlanning, ""); err != nil {
		t.Fatal(err)
	}
	plan := &incident.RemediationPlan{
		ID: ulid.Make().String(), Title: "restart", Risk: incident.SeverityLow,
		Steps: []incident.PlanStep{{Index: 0, Action: incident.Action{Name: "restart_service", Params: map[string]any{"service": "api"}}}},
	}
	if err := s.Attach(ctx, id, plan); err != nil {
		t.Fatalf("Attach plan: %v", err)
	}
	if err := s.UpdateStage(ctx, id, incident.StagePlanningFailed, "policy"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Analysis == nil || got.Analysis.RootCause != "memory leak" || got.Analysis.Confidence == nil || *got.Analysis.Confidence != 0.8 {
		t.Errorf("Analysis = %+v", got.Analysis)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 1 || got.Plan.Steps[0].Action.Params["service"] != "api" {
		t.Errorf("Plan = %+v", got.Plan)
	}
	if got.Outcome == nil || got.Outcome.Stage != incident.StagePlanningFailed || got.Outcome.Reason != "policy" {
		t.Errorf("Outcome = %+v", got.Outcome)
	}
	if len(got.History) != 3 {
		t.Errorf("History len = %d, want 3", len(got.History))
	}
	if len(events) != 3 {
		t.Errorf("events = %v, want 3", events)
	}

	if err := s.Attach(ctx, id, &incident.ExecutionRecord{}); !errors.Is(err, incident.ErrImmutable) {
		t.Errorf("Attach after final err = %v, want ErrImmutable", err)
	}
	if err := s.UpdateStage(ctx, id, incident.StageAnalyzing, ""); !errors.Is(err, incident.ErrInvalidTransition) {
		t.Errorf("UpdateStage after final err = %v, want ErrInvalidTransition", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := openStore(t, time.Millisecond)
	ctx := context.Background()
	id := uniqueID()

	if _, _, err := s.Create(ctx, id, webhook()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStage(ctx, id, incident.StageNotExecuted, "aborted"); err != nil {
		t.Fatal(err)
	}

	n, err := s.Sweep(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n < 1 {
		t.Errorf("Sweep removed %d rows, want >= 1", n)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Get after sweep err = %v, want ErrNotFound", err)
	}
}

func TestCreateReplacesFinalized(t *testing.T) {
	s := openStore(t, time.Hour)
	ctx := context.Background()
	id := uniqueID()

	if _, _, err := s.Create(ctx, id, webhook()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStage(ctx, id, incident.StageNotExecuted, "approval expired"); err != nil {
		t.Fatal(err)
	}

	inc, created, err := s.Create(ctx, id, webhook())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("Create over a finalized incident reported created=false")
	}
	if inc.Stage != incident.StageReceived || inc.Outcome != nil {
		t.Errorf("replacement = stage %s outcome %+v, want fresh record", inc.Stage, inc.Outcome)
	}
	if _, created, _ := s.Create(ctx, id, webhook()); created {
		t.Error("Create over an in-progress incident reported created=true")
	}
}

func TestRecoverFinalizesInterrupted(t *testing.T) {
	s := openStore(t, time.Hour)
	ctx := context.Background()

	advance := func(id string, stages ...incident.Stage) {
		t.Helper()
		if _, _, err := s.Create(ctx, id, webhook()); err != nil {
			t.Fatal(err)
		}
		for _, st := range stages {
			if err := s.UpdateStage(ctx, id, st, ""); err != nil {
				t.Fatalf("UpdateStage %s: %v", st, err)
			}
		}
	}

	planning, executing, done := uniqueID(), uniqueID(), uniqueID()
	advance(planning, incident.StageAnalyzing, incident.StagePlanning)
	advance(executing, incident.StageAnalyzing, incident.StagePlanning, incident.StageAwaitingApproval, incident.StageExecuting)
	advance(done, incident.StageNotExecuted)

	n, err := s.Recover(ctx, incident.ReasonInterrupted)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n < 2 {
		t.Errorf("Recover closed %d incidents, want >= 2", n)
	}

	tests := []struct {
		id   string
		want incident.Stage
	}{
		{planning, incident.StageNotExecuted},
		{executing, incident.StageExecutionFailed},
		{done, incident.StageNotExecuted},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Stage != tt.want {
			t.Errorf("%s Stage = %s, want %s", tt.id, got.Stage, tt.want)
		}
		if tt.id != done && (got.Outcome == nil || got.Outcome.Reason != incident.ReasonInterrupted) {
			t.Errorf("%s Outcome = %+v, want reason %q", tt.id, got.Outcome, incident.ReasonInterrupted)
		}
	}

	// a redelivered alert starts over instead of hitting a stale record
	if _, created, err := s.Create(ctx, executing, webhook()); err != nil || !created {
		t.Errorf("Create after Recover = created %v err %v, want new incident", created, err)
	}
}
