// Package approval gates remediation plans behind a human decision with a
// deadline. Each request resolves exactly once: to approved or rejected by
// the first decision, or to expired when its timer fires first.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/incident"
)

// DefaultTimeout applies when Request is called with a non-positive timeout.
const DefaultTimeout = 300 * time.Second

// settledRetention is how long resolved requests are remembered so that late
// decisions are reported as late instead of unknown.
const settledRetention = time.Hour

const (
	ActorTimeout   = "system:timeout"
	ActorCancelled = "system:cancelled"
)

var (
	// ErrAlreadyResolved is returned by Decide after the request settled.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrUnknownRequest is returned for an approval ID the gate never issued
	// or has forgotten.
	ErrUnknownRequest = errors.New("unknown approval request")
)

// Publisher delivers approval requests to humans.
type Publisher interface {
	// PublishApproval posts the plan with approve and reject affordances
	// and returns a handle to the posted message.
	PublishApproval(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, req *incident.ApprovalRequest) (ref string, err error)

	// UpdateApproval edits the message identified by req.MessageRef to show
	// the resolution.
	UpdateApproval(ctx context.Context, req *incident.ApprovalRequest) error
}

// Hooks receives resolution observations. Nil fields are skipped.
type Hooks struct {
	OnResolved func(status incident.ApprovalStatus, waited time.Duration)
}

// Gate tracks pending approval requests.
type Gate struct {
	pub    Publisher
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	mu      sync.Mutex // guards pending and the pending->settled handoff
	pending map[string]*pending
	settled *ttlcache.Cache[string, incident.ApprovalRequest]
}

// pending is a once-settled future for one request.
type pending struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	req   incident.ApprovalRequest
	timer *time.Timer
}

func (p *pending) snapshot() *incident.ApprovalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.req
	return &r
}

// settle resolves the request and reports whether this call did it.
func (p *pending) settle(status incident.ApprovalStatus, actor string, at time.Time) bool {
	won := false
	p.once.Do(func() {
		p.mu.Lock()
		p.req.Status = status
		p.req.Actor = actor
		p.req.ResolvedAt = at
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		close(p.done)
		won = true
	})
	return won
}

// NewGate creates a gate publishing through pub. Call Close to stop the
// settled-request janitor.
func NewGate(pub Publisher, hooks Hooks, logger log.Logger) *Gate {
	if pub == nil {
		panic(xerrors.New("approval.NewGate: publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	settled := ttlcache.New(
		ttlcache.WithTTL[string, incident.ApprovalRequest](settledRetention),
		ttlcache.WithDisableTouchOnHit[string, incident.ApprovalRequest](),
	)
	go settled.Start()
	return &Gate{
		pub:     pub,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
		pending: make(map[string]*pending),
		settled: settled,
	}
}

// Close stops the janitor. Pending requests are left to their timers.
func (g *Gate) Close() {
	g.settled.Stop()
}

// Request creates a pending request for plan, publishes it and starts the
// timeout at publish time.
func (g *Gate) Request(ctx context.Context, inc *incident.Incident, plan *incident.RemediationPlan, timeout time.Duration) (*incident.ApprovalRequest, error) {
	if plan == nil {
		return nil, errors.New("approval request without a plan")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	now := g.now()
	p := &pending{
		done: make(chan struct{}),
		req: incident.ApprovalRequest{
			ID:         ulid.Make().String(),
			IncidentID: inc.ID,
			PlanID:     plan.ID,
			CreatedAt:  now,
			Deadline:   now.Add(timeout),
			Status:     incident.ApprovalPending,
		},
	}

	// registered before publishing so a decision racing the publish is not unknown
	g.mu.Lock()
	g.pending[p.req.ID] = p
	g.mu.Unlock()

	ref, err := g.pub.PublishApproval(ctx, inc, plan, p.snapshot())
	if err != nil {
		g.mu.Lock()
		delete(g.pending, p.req.ID)
		g.mu.Unlock()
		return nil, fmt.Errorf("publish approval: %w", err)
	}

	id := p.req.ID
	p.mu.Lock()
	p.req.MessageRef = ref
	p.req.Deadline = g.now().Add(timeout)
	early := p.req.Status != incident.ApprovalPending
	if !early {
		p.timer = time.AfterFunc(timeout, func() {
			g.resolve(context.Background(), id, incident.ApprovalExpired, ActorTimeout) //nolint:errcheck
		})
	}
	p.mu.Unlock()

	if early {
		// decided while publishing; the message still shows the buttons
		g.mu.Lock()
		g.settled.Set(id, *p.snapshot(), ttlcache.DefaultTTL)
		g.mu.Unlock()
		if err := g.pub.UpdateApproval(ctx, p.snapshot()); err != nil {
			g.logger.Error(ctx, err, "update approval message failed", "approval_id", id)
		}
	}

	g.logger.Info(ctx, "approval requested",
		"approval_id", id,
		"incident_id", inc.ID,
		"plan_id", plan.ID,
		"timeout", timeout.String(),
	)
	return p.snapshot(), nil
}

// Await blocks until req resolves and returns the resolved request. When ctx
// ends first, the request is rejected by ActorCancelled and ctx.Err() is
// returned with it.
func (g *Gate) Await(ctx context.Context, req *incident.ApprovalRequest) (*incident.ApprovalRequest, error) {
	g.mu.Lock()
	p, ok := g.pending[req.ID]
	g.mu.Unlock()
	if !ok {
		if item := g.settled.Get(req.ID); item != nil {
			r := item.Value()
			return &r, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, req.ID)
	}

	select {
	case <-p.done:
		return p.snapshot(), nil
	case <-ctx.Done():
		r, _, _ := g.resolve(context.WithoutCancel(ctx), req.ID, incident.ApprovalRejected, ActorCancelled)
		if r == nil {
			r = p.snapshot()
		}
		return r, ctx.Err()
	}
}

// Decide applies a human decision. The first decision before the deadline
// wins; any later one returns ErrAlreadyResolved with the settled request
// and has no effect.
func (g *Gate) Decide(ctx context.Context, approvalID, actor string, approve bool) (*incident.ApprovalRequest, error) {
	status := incident.ApprovalRejected
	if approve {
		status = incident.ApprovalApproved
	}
	r, won, err := g.resolve(ctx, approvalID, status, actor)
	if err != nil {
		return nil, err
	}
	if !won {
		g.logger.Warn(ctx, "late approval decision discarded",
			"approval_id", approvalID,
			"actor", actor,
			"decision", string(status),
			"resolved", string(r.Status),
		)
		return r, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, approvalID, r.Status)
	}
	return r, nil
}

// Get returns the current state of a pending or recently settled request.
func (g *Gate) Get(approvalID string) (*incident.ApprovalRequest, bool) {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	g.mu.Unlock()
	if ok {
		return p.snapshot(), true
	}
	if item := g.settled.Get(approvalID); item != nil {
		r := item.Value()
		return &r, true
	}
	return nil, false
}

// Pending returns the number of unresolved requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) resolve(ctx context.Context, id string, status incident.ApprovalStatus, actor string) (*incident.ApprovalRequest, bool, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		item := g.settled.Get(id)
		g.mu.Unlock()
		if item == nil {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
		}
		r := item.Value()
		return &r, false, nil
	}
	won := p.settle(status, actor, g.now())
	r := p.snapshot()
	if won {
		delete(g.pending, id)
		g.settled.Set(id, *r, ttlcache.DefaultTTL)
	}
	g.mu.Unlock()

	if !won {
		return r, false, nil
	}

	waited := r.ResolvedAt.Sub(r.CreatedAt)
	g.logger.Info(ctx, "approval resolved",
		"approval_id", id,
		"incident_id", r.IncidentID,
		"status", string(r.Status),
		"actor", r.Actor,
		"waited", waited.String(),
	)
	if g.hooks.OnResolved != nil {
		g.hooks.OnResolved(r.Status, waited)
	}
	if r.MessageRef != "" {
		if err := g.pub.UpdateApproval(ctx, r); err != nil {
			g.logger.Error(ctx, err, "update approval message failed", "approval_id", id)
		}
	}
	return r, true, nil
}

// Err maps a resolved request to the workflow outcome: nil when approved,
// otherwise incident.ErrApprovalRejected or incident.ErrApprovalExpired.
func Err(req *incident.ApprovalRequest) error {
	switch req.Status {
	case incident.ApprovalApproved:
		return nil
	case incident.ApprovalExpired:
		return fmt.Errorf("%w: no decision by %s", incident.ErrApprovalExpired, req.Deadline.Format(time.RFC3339))
	case incident.ApprovalRejected:
		return fmt.Errorf("%w by %s", incident.ErrApprovalRejected, req.Actor)
	default:
		return fmt.Errorf("approval %s is still %s", req.ID, req.Status)
	}
}
