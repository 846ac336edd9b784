// Package orchestrator drives incidents through the response workflow. The
// Supervisor is the only writer of incident stage: it runs one goroutine per
// incident that sequences analysis, planning, the approval gate, execution and
// verification, and records every transition in the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("supervisor is shutting down")

	// ErrNotRunning is returned by Abort for an incident with no active workflow.
	ErrNotRunning = errors.New("incident workflow is not running")

	// ErrAborted is the cause recorded for workflows stopped by Abort.
	ErrAborted = errors.New("incident aborted")
)

// ActorShutdown aborts workflows still running when the process stops.
const ActorShutdown = "system:shutdown"

// Submit results reported to Hooks.OnSubmit.
const (
	SubmitCreated   = "created"
	SubmitDuplicate = "duplicate"
	SubmitSkipped   = "skipped"
	SubmitError     = "error"
)

// Analyzer diagnoses an incident.
type Analyzer interface {
	Analyze(ctx context.Context, inc *incident.Incident) (*incident.AnalysisResult, error)
}

// Planner proposes a remediation plan for an analysed incident.
type Planner interface {
	Plan(ctx context.Context, inc *incident.Incident, analysis *incident.AnalysisResult) (*incident.RemediationPlan, error)
}

// Approver gates a plan behind a human decision.
type Approver interface {
	Request(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, timeout time.Duration) (*incident.ApprovalRequest, error)
	Await(ctx context.Context, req *incident.ApprovalRequest) (*incident.ApprovalRequest, error)
}

// Executor runs an approved plan and its final verification.
type Executor interface {
	Execute(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, progress func(*incident.ExecutionRecord)) (*incident.ExecutionRecord, error)
	Verify(ctx context.Context, plan *incident.RemediationPlan) error
}

// Reporter tells humans about analysis results, outcomes and stage failures.
type Reporter interface {
	ReportAnalysis(ctx context.Context, inc *incident.Incident) error
	ReportOutcome(ctx context.Context, inc *incident.Incident) error
	ReportError(ctx context.Context, inc *incident.Incident, cause error) error
}

// Hooks receives workflow observations. Nil fields are skipped.
type Hooks struct {
	OnSubmit  func(result string)
	OnStage   func(stage incident.Stage, seconds float64)
	OnOutcome func(stage incident.Stage, seconds float64, rollbackIncomplete bool)
}

// Deps are the collaborators of a Supervisor. Reporter and Logger are optional.
type Deps struct {
	Store    incident.Store
	Analyzer Analyzer
	Planner  Planner
	Approver Approver
	Executor Executor
	Reporter Reporter
	Logger   log.Logger
}

// Options tunes a Supervisor.
type Options struct {
	// ApprovalTimeout bounds the wait for a human decision. Non-positive
	// values use approval.DefaultTimeout.
	ApprovalTimeout time.Duration
	Hooks           Hooks
}

// SubmitResult is the outcome of submitting an alert group.
type SubmitResult struct {
	ID      string
	Created bool
	Skipped bool
	Reason  string
}

// Supervisor owns the lifecycle of every incident.
type Supervisor struct {
	store    incident.Store
	analyzer Analyzer
	planner  Planner
	approver Approver
	executor Executor
	reporter Reporter
	logger   log.Logger
	timeout  time.Duration
	hooks    Hooks
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*workflow
	closed  bool
	wg      sync.WaitGroup
}

type workflow struct {
	cancel    context.CancelFunc
	abortedBy string
}

// New creates a Supervisor. It panics when a required collaborator is missing.
func New(d Deps, opts Options) *Supervisor {
	switch {
	case d.Store == nil:
		panic(xerrors.New("orchestrator.New: store is required"))
	case d.Analyzer == nil:
		panic(xerrors.New("orchestrator.New: analyzer is required"))
	case d.Planner == nil:
		panic(xerrors.New("orchestrator.New: planner is required"))
	case d.Approver == nil:
		panic(xerrors.New("orchestrator.New: approver is required"))
	case d.Executor == nil:
		panic(xerrors.New("orchestrator.New: executor is required"))
	}
	if d.Reporter == nil {
		d.Reporter = nopReporter{}
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = approval.DefaultTimeout
	}
	return &Supervisor{
		store:    d.Store,
		analyzer: d.Analyzer,
		planner:  d.Planner,
		approver: d.Approver,
		executor: d.Executor,
		reporter: d.Reporter,
		logger:   d.Logger,
		timeout:  timeout,
		hooks:    opts.Hooks,
		now:      time.Now,
		running:  make(map[string]*workflow),
	}
}

// Submit accepts an alert group. Groups without firing alerts are skipped and
// a redelivered group maps onto its incident while that incident is in
// progress. Once it has finalized, a still-firing group starts a new incident.
// A new incident's workflow runs in the background, detached from ctx.
func (s *Supervisor) Submit(ctx context.Context, wh *alert.Webhook) (*SubmitResult, error) {
	if len(wh.Firing()) == 0 {
		s.submitted(SubmitSkipped)
		return &SubmitResult{Skipped: true, Reason: "no firing alerts"}, nil
	}

	id := wh.CorrelationID()
	s.mu.Lock()
	closed := s.closed
	_, busy := s.running[id]
	s.mu.Unlock()
	if closed {
		s.submitted(SubmitError)
		return nil, ErrShuttingDown
	}
	// a finalized incident may still be reporting its outcome
	if busy {
		s.submitted(SubmitDuplicate)
		return &SubmitResult{ID: id, Skipped: true, Reason: "duplicate"}, nil
	}

	inc, created, err := s.store.Create(ctx, id, wh)
	if err != nil {
		s.submitted(SubmitError)
		return nil, fmt.Errorf("create incident: %w", err)
	}
	if !created {
		s.submitted(SubmitDuplicate)
		return &SubmitResult{ID: inc.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	if err := s.start(ctx, inc.ID); err != nil {
		s.submitted(SubmitError)
		return nil, err
	}
	s.submitted(SubmitCreated)
	return &SubmitResult{ID: inc.ID, Created: true}, nil
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running[id] = &workflow{cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(id)
		s.run(wctx, id)
	}()
	return nil
}

func (s *Supervisor) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.running[id]; ok {
		w.cancel()
		delete(s.running, id)
	}
}

// Get returns a snapshot of one incident.
func (s *Supervisor) Get(ctx context.Context, id string) (*incident.Incident, error) {
	return s.store.Get(ctx, id)
}

// List returns snapshots of all retained incidents.
func (s *Supervisor) List(ctx context.Context) ([]*incident.Incident, error) {
	return s.store.List(ctx)
}

// Active returns the number of running workflows.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Abort cancels a running workflow. Before execution the incident ends
// not-executed; during execution the in-flight step finishes and completed
// steps are compensated.
func (s *Supervisor) Abort(ctx context.Context, id, actor string) error {
	s.mu.Lock()
	w, ok := s.running[id]
	if ok && w.abortedBy == "" {
		w.abortedBy = actor
		w.cancel()
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info(ctx, "incident abort requested", "incident_id", id, "actor", actor)
		return nil
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, id)
}

func (s *Supervisor) abortedBy(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.running[id]; ok && w.abortedBy != "" {
		return w.abortedBy, true
	}
	return "", false
}

// Shutdown stops accepting submissions, aborts running workflows and waits
// for them to finalize or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, w := range s.running {
		if w.abortedBy == "" {
			w.abortedBy = ActorShutdown
			w.cancel()
		}
	}
	n := len(s.running)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info(ctx, "aborting running incidents", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// Wait blocks until every started workflow has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

type nopReporter struct{}

func (nopReporter) ReportAnalysis(context.Context, *incident.Incident) error     { return nil }
func (nopReporter) ReportOutcome(context.Context, *incident.Incident) error      { return nil }
func (nopReporter) ReportError(context.Context, *incident.Incident, error) error { return nil }
