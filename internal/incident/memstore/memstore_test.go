package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
)

func newStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	s := New(retention, log.Nop())
	t.Cleanup(s.Close)
	return s
}

func webhook(groupKey string) *alert.Webhook {
	return &alert.Webhook{
		GroupKey: groupKey,
		Alerts: []alert.Alert{{
			Status:      alert.StatusFiring,
			Labels:      map[string]string{"alertname": "HighCPU", "severity": "critical"},
			Annotations: map[string]string{"summary": "cpu high"},
			StartsAt:    time.Now(),
		}},
	}
}

func TestStore_CreateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()

	inc, created, err := s.Create(ctx, "inc-1", webhook("g1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("first Create reported created=false")
	}
	if inc.Stage != incident.StageReceived {
		t.Errorf("Stage = %s, want received", inc.Stage)
	}

	again, created, err := s.Create(ctx, "inc-1", webhook("g1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Error("second Create reported created=true")
	}
	if !again.CreatedAt.Equal(inc.CreatedAt) {
		t.Error("second Create returned a different record")
	}
}

func TestStore_CreateReplacesFinalized(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()

	first, _, err := s.Create(ctx, "inc-1", webhook("g1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStage(ctx, "inc-1", incident.StageNotExecuted, "approval expired"); err != nil {
		t.Fatal(err)
	}

	inc, created, err := s.Create(ctx, "inc-1", webhook("g1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("Create over a finalized incident reported created=false")
	}
	if inc.Stage != incident.StageReceived || inc.Outcome != nil || len(inc.History) != 0 {
		t.Errorf("replacement = stage %s outcome %+v history %d, want fresh record", inc.Stage, inc.Outcome, len(inc.History))
	}
	if inc.CreatedAt.Before(first.CreatedAt) {
		t.Errorf("CreatedAt = %v, before first %v", inc.CreatedAt, first.CreatedAt)
	}

	got, err := s.Get(ctx, "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != incident.StageReceived {
		t.Errorf("stored Stage = %s, want received", got.Stage)
	}

	// the replacement is in progress again
	if _, created, _ := s.Create(ctx, "inc-1", webhook("g1")); created {
		t.Error("Create over an in-progress incident reported created=true")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateStage(context.Background(), "nope", incident.StageAnalyzing, ""); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("UpdateStage err = %v, want ErrNotFound", err)
	}
	if err := s.Attach(context.Background(), "nope", &incident.AnalysisResult{}); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("Attach err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateStageEnforcesTable(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "inc-1", webhook("g")); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStage(ctx, "inc-1", incident.StageExecuting, ""); !errors.Is(err, incident.ErrInvalidTransition) {
		t.Errorf("received -> executing err = %v, want ErrInvalidTransition", err)
	}
	if err := s.UpdateStage(ctx, "inc-1", incident.StageAnalyzing, ""); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	got, err := s.Get(ctx, "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != incident.StageAnalyzing {
		t.Errorf("Stage = %s, want analyzing", got.Stage)
	}
	if len(got.History) != 1 {
		t.Errorf("History len = %d, want 1", len(got.History))
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "inc-1", webhook("g")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "inc-1")
	got.Stage = incident.StageCompleted
	got.Alert.Alerts[0].Labels["severity"] = "info"

	again, _ := s.Get(ctx, "inc-1")
	if again.Stage != incident.StageReceived {
		t.Error("mutating returned incident changed stored stage")
	}
	if again.Alert.Alerts[0].Labels["severity"] != "critical" {
		t.Error("mutating returned incident changed stored alert")
	}
}

func TestStore_AttachAndFinalize(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "inc-1", webhook("g")); err != nil {
		t.Fatal(err)
	}
	if err := s.Attach(ctx, "inc-1", &incident.AnalysisResult{RootCause: "leak", Severity: incident.SeverityHigh}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.UpdateStage(ctx, "inc-1", incident.StageNotExecuted, "aborted"); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.Analysis == nil || got.Analysis.RootCause != "leak" {
		t.Errorf("Analysis = %+v", got.Analysis)
	}
	if got.Outcome == nil || got.Outcome.Reason != "aborted" {
		t.Errorf("Outcome = %+v", got.Outcome)
	}
	if err := s.Attach(ctx, "inc-1", &incident.RemediationPlan{ID: "p"}); !errors.Is(err, incident.ErrImmutable) {
		t.Errorf("Attach after final err = %v, want ErrImmutable", err)
	}
}

func TestStore_FinalizedIncidentsExpire(t *testing.T) {
	t.Parallel()

	s := newStore(t, 50*time.Millisecond)
	ctx := context.Background()
	for _, id := range []string{"active", "done"} {
		if _, _, err := s.Create(ctx, id, webhook(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateStage(ctx, "done", incident.StageNotExecuted, "aborted"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := s.Get(ctx, "done")
		if errors.Is(err, incident.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finalized incident was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := s.Get(ctx, "active"); err != nil {
		t.Errorf("active incident evicted: %v", err)
	}

	// after eviction the same ID starts a new incident
	_, created, err := s.Create(ctx, "done", webhook("done"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("Create after eviction reported created=false")
	}
}

func TestStore_ListSorted(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if _, _, err := s.Create(ctx, id, webhook(id)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, inc := range list {
		ids = append(ids, inc.ID)
	}
	if fmt.Sprint(ids) != "[c a b]" {
		t.Errorf("List order = %v, want [c a b]", ids)
	}
}

func TestStore_EventsInCommitOrder(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()

	var mu sync.Mutex
	var got []incident.Stage
	unsub := s.Subscribe(func(ev incident.Event) {
		mu.Lock()
		got = append(got, ev.To)
		mu.Unlock()
	})
	defer unsub()

	if _, _, err := s.Create(ctx, "inc-1", webhook("g")); err != nil {
		t.Fatal(err)
	}
	path := []incident.Stage{
		incident.StageAnalyzing, incident.StagePlanning, incident.StageAwaitingApproval,
		incident.StageExecuting, incident.StageVerifying, incident.StageCompleted,
	}
	for _, st := range path {
		if err := s.UpdateStage(ctx, "inc-1", st, ""); err != nil {
			t.Fatalf("UpdateStage(%s): %v", st, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(got) != fmt.Sprint(path) {
		t.Errorf("events = %v, want %v", got, path)
	}
}

func TestStore_ConcurrentTransitionsSerialize(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()
	if _, _, err := s.Create(ctx, "inc-1", webhook("g")); err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			if err := s.UpdateStage(ctx, "inc-1", incident.StageAnalyzing, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d goroutines won the same transition, want 1", wins)
	}
}

func TestStore_ConcurrentCreate(t *testing.T) {
	t.Parallel()

	s := newStore(t, time.Hour)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			_, ok, err := s.Create(ctx, "inc-1", webhook("g"))
			if err == nil && ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}
