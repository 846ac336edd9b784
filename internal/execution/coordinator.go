// Package execution runs approved remediation plans step by step against the
// action backend and compensates succeeded steps when one fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/execution")

// ErrAlreadyExecuting is returned when a plan for the same incident is
// already running.
var ErrAlreadyExecuting = errors.New("incident is already executing")

// Backend performs actions and checks. Each call is made at most once per step.
type Backend interface {
	Perform(ctx context.Context, action incident.Action) (output string, err error)
	Verify(ctx context.Context, check incident.Check) (passed bool, detail string, err error)
}

// Simulator is implemented by backends that only pretend to act. Records of
// plans run against one are marked DryRun.
type Simulator interface {
	Simulated() bool
}

// Phases reported to Hooks.OnStep.
const (
	PhaseAction   = "action"
	PhaseRollback = "rollback"
)

// Hooks receives step observations. Nil fields are skipped.
type Hooks struct {
	OnStep func(phase string, status incident.StepStatus, seconds float64)
}

// Coordinator executes plans. It is safe for concurrent use across incidents.
type Coordinator struct {
	backend Backend
	hooks   Hooks
	logger  log.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]bool
}

// NewCoordinator creates a coordinator driving backend.
func NewCoordinator(backend Backend, hooks Hooks, logger log.Logger) *Coordinator {
	if backend == nil {
		panic(xerrors.New("execution.NewCoordinator: backend is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		backend: backend,
		hooks:   hooks,
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]bool),
	}
}

func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] {
		return false
	}
	c.active[id] = true
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// Execute runs plan's steps in index order. The first failing step stops
// the run and the steps that succeeded before it are compensated in reverse
// order. Each step runs to completion even if ctx is cancelled meanwhile;
// cancellation is honored between steps as a failure point.
//
// progress, when non-nil, receives a copy of the record after every change.
// The returned error wraps incident.ErrStepExecutionFailed on failure and
// also incident.ErrRollbackIncomplete when a step could not be undone.
func (c *Coordinator) Execute(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, progress func(*incident.ExecutionRecord)) (*incident.ExecutionRecord, error) {
	if err := incident.ValidatePlan(plan); err != nil {
		return nil, err
	}
	if !c.acquire(inc.ID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, inc.ID)
	}
	defer c.release(inc.ID)

	L := log.FromContext(ctx)
	if L == nil {
		L = c.logger
	}

	rec := &incident.ExecutionRecord{
		IncidentID: inc.ID,
		PlanID:     plan.ID,
		Steps:      make([]incident.StepOutcome, len(plan.Steps)),
		Status:     incident.ExecutionInProgress,
		StartedAt:  c.now(),
	}
	if sim, ok := c.backend.(Simulator); ok && sim.Simulated() {
		rec.DryRun = true
	}
	for i := range rec.Steps {
		rec.Steps[i] = incident.StepOutcome{Index: i, Status: incident.StepPending}
	}
	emit := func() {
		if progress != nil {
			progress(rec.Clone())
		}
	}
	emit()

	var (
		done    []int // compensation stack of succeeded step indices
		failure error
	)
	for i := range plan.Steps {
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("%w: cancelled before step %d: %w", incident.ErrStepExecutionFailed, i, err)
			break
		}
		if err := c.runStep(context.WithoutCancel(ctx), L, &plan.Steps[i], &rec.Steps[i]); err != nil {
			failure = err
			emit()
			break
		}
		done = append(done, i)
		emit()
	}

	if failure == nil {
		rec.Status = incident.ExecutionSucceeded
		rec.FinishedAt = c.now()
		emit()
		L.Info(ctx, "plan executed", "incident_id", inc.ID, "plan_id", plan.ID, "steps", len(plan.Steps))
		return rec.Clone(), nil
	}

	invoked, incomplete := c.compensate(context.WithoutCancel(ctx), L, plan, rec, done, emit)
	rec.Status = incident.ExecutionFailed
	if invoked > 0 {
		rec.Status = incident.ExecutionRolledBack
	}
	rec.RollbackIncomplete = incomplete
	rec.Error = failure.Error()
	rec.FinishedAt = c.now()
	emit()

	L.Warn(ctx, "plan execution failed",
		"incident_id", inc.ID,
		"plan_id", plan.ID,
		"status", string(rec.Status),
		"rollbacks", invoked,
		"rollback_incomplete", incomplete,
		"err", failure,
	)
	if incomplete {
		return rec.Clone(), errors.Join(failure, incident.ErrRollbackIncomplete)
	}
	return rec.Clone(), failure
}

// runStep performs one step and its check, recording the outcome in out.
func (c *Coordinator) runStep(ctx context.Context, L log.Logger, step *incident.PlanStep, out *incident.StepOutcome) error {
	ctx, span := tracer.Start(ctx, "execution.step", trace.WithAttributes(
		attribute.Int("warden.step.index", step.Index),
		attribute.String("warden.step.action", step.Action.Name),
	))
	defer span.End()

	out.StartedAt = c.now()
	L.Info(ctx, "executing step", "step", step.Index, "action", step.Action.Name)

	output, err := c.backend.Perform(ctx, step.Action)
	out.Output = output
	if err == nil && step.Verify != nil {
		err = c.check(ctx, *step.Verify)
	}
	out.FinishedAt = c.now()
	seconds := out.FinishedAt.Sub(out.StartedAt).Seconds()

	if err != nil {
		out.Status = incident.StepFailed
		out.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.observe(PhaseAction, out.Status, seconds)
		return fmt.Errorf("%w: step %d (%s): %w", incident.ErrStepExecutionFailed, step.Index, step.Action.Name, err)
	}
	out.Status = incident.StepSucceeded
	c.observe(PhaseAction, out.Status, seconds)
	return nil
}

func (c *Coordinator) check(ctx context.Context, chk incident.Check) error {
	passed, detail, err := c.backend.Verify(ctx, chk)
	if err != nil {
		return fmt.Errorf("verify %s: %w", chk.Name, err)
	}
	if !passed {
		return fmt.Errorf("check %s did not pass: %s", chk.Name, detail)
	}
	return nil
}

// compensate unwinds the stack of succeeded steps, newest first. It returns
// how many rollback actions were invoked and whether any step was left
// without a successful rollback.
func (c *Coordinator) compensate(ctx context.Context, L log.Logger, plan *incident.RemediationPlan, rec *incident.ExecutionRecord, stack []int, emit func()) (invoked int, incomplete bool) {
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		step := &plan.Steps[i]
		out := &rec.Steps[i]

		if step.Rollback == nil {
			out.Status = incident.StepSkipped
			incomplete = true
			L.Warn(ctx, "step has no rollback", "step", i, "action", step.Action.Name)
			c.observe(PhaseRollback, out.Status, 0)
			emit()
			continue
		}

		invoked++
		sctx, span := tracer.Start(ctx, "execution.rollback", trace.WithAttributes(
			attribute.Int("warden.step.index", i),
			attribute.String("warden.step.action", step.Rollback.Name),
		))
		start := c.now()
		_, err := c.backend.Perform(sctx, *step.Rollback)
		if err != nil {
			out.Status = incident.StepRollbackFailed
			out.Error = fmt.Sprintf("rollback %s: %v", step.Rollback.Name, err)
			incomplete = true
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			L.Error(sctx, err, "rollback failed", "step", i, "action", step.Rollback.Name)
		} else {
			out.Status = incident.StepRolledBack
			L.Info(sctx, "step rolled back", "step", i, "action", step.Rollback.Name)
		}
		span.End()
		c.observe(PhaseRollback, out.Status, c.now().Sub(start).Seconds())
		emit()
	}
	return invoked, incomplete
}

func (c *Coordinator) observe(phase string, status incident.StepStatus, seconds float64) {
	if c.hooks.OnStep != nil {
		c.hooks.OnStep(phase, status, seconds)
	}
}

// Verify runs the plan-level verification check. A plan without one passes.
// Failures wrap incident.ErrStepExecutionFailed.
func (c *Coordinator) Verify(ctx context.Context, plan *incident.RemediationPlan) error {
	if plan == nil || plan.Verification == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "execution.verify", trace.WithAttributes(
		attribute.String("warden.check.name", plan.Verification.Name),
	))
	defer span.End()

	if err := c.check(ctx, *plan.Verification); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: final verification: %w", incident.ErrStepExecutionFailed, err)
	}
	return nil
}
