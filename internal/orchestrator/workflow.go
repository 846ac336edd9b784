package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

// flow carries one incident through its stages. Only the supervisor
// goroutine that owns the incident touches it.
type flow struct {
	s       *Supervisor
	inc     *incident.Incident // local snapshot, kept in step with the store
	L       log.Logger
	entered time.Time // when the current stage was entered
}

func (s *Supervisor) run(ctx context.Context, id string) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error(ctx, err, "load incident for workflow", "incident_id", id)
		return
	}
	L := s.logger.With("incident_id", id, "alert", inc.AlertName())
	ctx = log.WithContext(ctx, L)

	f := &flow{s: s, inc: inc, L: L, entered: inc.CreatedAt}
	f.drive(ctx)
}

func (f *flow) drive(ctx context.Context) {
	if f.aborted(ctx) {
		return
	}

	// analysis
	if !f.advance(ctx, incident.StageAnalyzing, "") {
		return
	}
	analysis, err := f.s.analyzer.Analyze(ctx, f.inc.Clone())
	if err != nil {
		if f.aborted(ctx) {
			return
		}
		f.fail(ctx, incident.StageAnalysisFailed, err)
		return
	}
	if !f.attach(ctx, analysis) {
		return
	}
	f.inc.Analysis = analysis
	if err := f.s.reporter.ReportAnalysis(ctx, f.inc.Clone()); err != nil {
		f.L.Warn(ctx, "analysis report failed", "err", err)
	}
	if f.aborted(ctx) {
		return
	}

	// planning
	if !f.advance(ctx, incident.StagePlanning, "") {
		return
	}
	plan, err := f.s.planner.Plan(ctx, f.inc.Clone(), analysis)
	if err != nil {
		if f.aborted(ctx) {
			return
		}
		f.fail(ctx, incident.StagePlanningFailed, err)
		return
	}
	if !f.attach(ctx, plan) {
		return
	}
	f.inc.Plan = plan
	if f.aborted(ctx) {
		return
	}

	// approval
	if !f.advance(ctx, incident.StageAwaitingApproval, "") {
		return
	}
	if !f.approve(ctx, plan) {
		return
	}

	// execution
	if !f.advance(ctx, incident.StageExecuting, "") {
		return
	}
	if !f.execute(ctx, plan) {
		return
	}

	// verification
	if !f.advance(ctx, incident.StageVerifying, "") {
		return
	}
	// The plan is fully applied; an abort no longer changes what to check.
	if err := f.s.executor.Verify(context.WithoutCancel(ctx), plan); err != nil {
		f.fail(ctx, incident.StageExecutionFailed, err)
		return
	}
	reason := "remediated and verified"
	if f.inc.Execution != nil && f.inc.Execution.DryRun {
		reason = "dry run: plan simulated, no actions were sent to a backend"
	}
	f.finalize(ctx, incident.StageCompleted, reason, nil)
}

// approve publishes the plan and waits for the decision. It reports whether
// the workflow may execute.
func (f *flow) approve(ctx context.Context, plan *incident.RemediationPlan) bool {
	req, err := f.s.approver.Request(ctx, f.inc.Clone(), plan, f.s.timeout)
	if err != nil {
		if f.aborted(ctx) {
			return false
		}
		f.finalize(ctx, incident.StageNotExecuted, "approval request failed: "+err.Error(), err)
		return false
	}
	if !f.attach(ctx, req) {
		return false
	}
	f.L.Info(ctx, "awaiting approval", "approval_id", req.ID, "deadline", req.Deadline)

	resolved, err := f.s.approver.Await(ctx, req)
	if resolved == nil {
		if !f.aborted(ctx) {
			f.finalize(ctx, incident.StageNotExecuted, "approval wait failed: "+err.Error(), err)
		}
		return false
	}
	if req.Status == incident.ApprovalPending {
		if !f.attach(ctx, resolved) {
			return false
		}
	}
	f.inc.Approval = resolved

	if cause := approval.Err(resolved); cause != nil {
		if f.aborted(ctx) {
			return false
		}
		f.finalize(ctx, incident.StageNotExecuted, cause.Error(), cause)
		return false
	}
	if f.aborted(ctx) {
		return false
	}
	f.L.Info(ctx, "plan approved", "approval_id", resolved.ID, "actor", resolved.Actor)
	return true
}

// execute runs the plan and records the outcome. It reports whether every
// step succeeded.
func (f *flow) execute(ctx context.Context, plan *incident.RemediationPlan) bool {
	progress := func(rec *incident.ExecutionRecord) {
		if err := f.s.store.Attach(context.WithoutCancel(ctx), f.inc.ID, rec); err != nil {
			f.L.Warn(ctx, "execution progress not recorded", "err", err)
		}
	}
	rec, err := f.s.executor.Execute(ctx, f.inc.Clone(), plan, progress)
	if rec != nil {
		f.inc.Execution = rec
	}
	if err == nil {
		return true
	}

	reason := err.Error()
	if actor, ok := f.s.abortedBy(f.inc.ID); ok {
		reason = fmt.Sprintf("aborted by %s: %s", actor, reason)
	}
	stage := incident.StageExecutionFailed
	if rec != nil && rec.Status == incident.ExecutionRolledBack {
		stage = incident.StageRolledBack
	}
	f.finalize(ctx, stage, reason, err)
	return false
}

// aborted finalizes the incident as not-executed when its workflow was
// cancelled and reports whether it did.
func (f *flow) aborted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	actor, ok := f.s.abortedBy(f.inc.ID)
	if !ok {
		actor = "unknown"
	}
	f.finalize(ctx, incident.StageNotExecuted, "aborted by "+actor, ErrAborted)
	return true
}

// fail finalizes a stage failure.
func (f *flow) fail(ctx context.Context, stage incident.Stage, err error) {
	f.finalize(ctx, stage, err.Error(), err)
}

// advance records a non-terminal transition and reports whether it committed.
// Store writes are detached from ctx so an aborted workflow can still record
// where it stopped.
func (f *flow) advance(ctx context.Context, to incident.Stage, reason string) bool {
	now := f.s.now()
	if err := f.s.store.UpdateStage(context.WithoutCancel(ctx), f.inc.ID, to, reason); err != nil {
		f.L.Error(ctx, err, "stage transition failed", "from", string(f.inc.Stage), "to", string(to))
		return false
	}
	f.left(now)
	f.inc.Stage = to
	f.L.Info(ctx, "stage entered", "stage", string(to))
	return true
}

func (f *flow) left(now time.Time) {
	if f.s.hooks.OnStage != nil {
		f.s.hooks.OnStage(f.inc.Stage, now.Sub(f.entered).Seconds())
	}
	f.entered = now
}

func (f *flow) attach(ctx context.Context, a incident.Attachment) bool {
	if err := f.s.store.Attach(context.WithoutCancel(ctx), f.inc.ID, a); err != nil {
		f.L.Error(ctx, err, "attach failed", "stage", string(f.inc.Stage))
		if f.inc.Stage.Terminal() {
			return false
		}
		f.finalizeStage(ctx, err)
		return false
	}
	return true
}

// finalizeStage ends the incident on a store error using the failure edge of
// the current stage.
func (f *flow) finalizeStage(ctx context.Context, err error) {
	to := incident.StageNotExecuted
	switch f.inc.Stage {
	case incident.StageAnalyzing:
		to = incident.StageAnalysisFailed
	case incident.StagePlanning:
		to = incident.StagePlanningFailed
	case incident.StageExecuting, incident.StageVerifying:
		to = incident.StageExecutionFailed
	}
	f.finalize(ctx, to, "record failure: "+err.Error(), err)
}

// finalize records the terminal stage and reports the outcome.
func (f *flow) finalize(ctx context.Context, stage incident.Stage, reason string, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := f.s.now()
	if err := f.s.store.UpdateStage(ctx, f.inc.ID, stage, reason); err != nil {
		f.L.Error(ctx, err, "final transition failed", "from", string(f.inc.Stage), "to", string(stage))
		return
	}
	f.left(now)
	f.inc.Stage = stage

	final, err := f.s.store.Get(ctx, f.inc.ID)
	if err != nil {
		f.L.Error(ctx, err, "reload finalized incident")
		final = f.inc
	}

	incomplete := final.Execution != nil && final.Execution.RollbackIncomplete
	if f.s.hooks.OnOutcome != nil {
		f.s.hooks.OnOutcome(stage, now.Sub(final.CreatedAt).Seconds(), incomplete)
	}

	kv := []any{"stage", string(stage), "reason", reason, "duration", now.Sub(final.CreatedAt)}
	switch {
	case stage == incident.StageCompleted:
		f.L.Info(ctx, "incident completed", kv...)
	case incomplete:
		f.L.Error(ctx, cause, "incident finalized with incomplete rollback", kv...)
	default:
		f.L.Warn(ctx, "incident finalized", kv...)
	}

	f.report(ctx, final, cause)
}

// report posts the outcome. Rejected and expired approvals are already
// visible on the edited approval message.
func (f *flow) report(ctx context.Context, inc *incident.Incident, cause error) {
	var err error
	switch {
	case inc.Execution != nil:
		err = f.s.reporter.ReportOutcome(ctx, inc)
	case errors.Is(cause, incident.ErrApprovalRejected), errors.Is(cause, incident.ErrApprovalExpired):
		return
	case cause != nil && !errors.Is(cause, ErrAborted):
		err = f.s.reporter.ReportError(ctx, inc, cause)
	default:
		err = f.s.reporter.ReportOutcome(ctx, inc)
	}
	if err != nil {
		f.L.Warn(ctx, "outcome report failed", "err", err)
	}
}
