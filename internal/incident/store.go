package incident

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Store is the persistence interface for incident records. Mutations on one
// incident are serialized; reads return deep copies.
type Store interface {
	// Create inserts a received incident for id, or returns the existing
	// in-progress record with created=false. A finalized record is replaced.
	Create(ctx context.Context, id string, wh *alert.Webhook) (inc *Incident, created bool, err error)
	Get(ctx context.Context, id string) (*Incident, error)
	List(ctx context.Context) ([]*Incident, error)
	UpdateStage(ctx context.Context, id string, to Stage, reason string) error
	Attach(ctx context.Context, id string, a Attachment) error
	Subscribe(fn Listener) (unsubscribe func())
}

// Attachment is a child record that can be attached to an incident:
// *AnalysisResult, *RemediationPlan, *ApprovalRequest or *ExecutionRecord.
type Attachment interface {
	attachTo(inc *Incident) error
}

// Event is published for every committed stage transition.
type Event struct {
	IncidentID string    `json:"incident_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Listener receives stage events. It runs on the mutating goroutine while the
// incident is locked and must not call back into the store.
type Listener func(Event)

// New returns a freshly received incident.
func New(id string, wh *alert.Webhook, now time.Time) *Incident {
	return &Incident{
		ID:        id,
		Alert:     wh.Clone(),
		Stage:     StageReceived,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Transition{},
	}
}

// Advance moves inc to stage to, appending history and recording the outcome
// when to is terminal. Store implementations call it under their lock.
func (inc *Incident) Advance(to Stage, reason string, now time.Time) (Event, error) {
	if err := checkTransition(inc.Stage, to); err != nil {
		return Event{}, err
	}
	from := inc.Stage
	inc.Stage = to
	inc.UpdatedAt = now
	inc.History = append(inc.History, Transition{From: from, To: to, Reason: reason, At: now})
	if to.Terminal() {
		inc.Outcome = &Outcome{Stage: to, Reason: reason, At: now}
	}
	return Event{IncidentID: inc.ID, From: from, To: to, Reason: reason, At: now}, nil
}

// Apply attaches a child record to inc. Store implementations call it under their lock.
func (inc *Incident) Apply(a Attachment, now time.Time) error {
	if inc.Stage.Terminal() {
		return fmt.Errorf("%w: incident %s is %s", ErrImmutable, inc.ID, inc.Stage)
	}
	if err := a.attachTo(inc); err != nil {
		return err
	}
	inc.UpdatedAt = now
	return nil
}

func (a *AnalysisResult) attachTo(inc *Incident) error {
	if inc.Analysis != nil {
		return fmt.Errorf("%w: analysis already attached", ErrImmutable)
	}
	inc.Analysis = a.Clone()
	return nil
}

func (p *RemediationPlan) attachTo(inc *Incident) error {
	if inc.Plan != nil {
		return fmt.Errorf("%w: plan already attached", ErrImmutable)
	}
	inc.Plan = p.Clone()
	return nil
}

func (r *ApprovalRequest) attachTo(inc *Incident) error {
	if inc.Approval != nil {
		if inc.Approval.ID != r.ID {
			return fmt.Errorf("%w: approval %s already attached", ErrImmutable, inc.Approval.ID)
		}
		if inc.Approval.Resolved() {
			return fmt.Errorf("%w: approval %s already %s", ErrImmutable, r.ID, inc.Approval.Status)
		}
	}
	cp := *r
	inc.Approval = &cp
	return nil
}

func (r *ExecutionRecord) attachTo(inc *Incident) error {
	if inc.Execution != nil && inc.Execution.Finished() {
		return fmt.Errorf("%w: execution already %s", ErrImmutable, inc.Execution.Status)
	}
	inc.Execution = r.Clone()
	return nil
}

// Broadcaster fans stage events out to subscribed listeners. Both store
// backends embed one.
type Broadcaster struct {
	mu   sync.RWMutex
	next int
	subs map[int]Listener
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]Listener)
	}
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every listener in subscription order.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	ids := slices.Sorted(maps.Keys(b.subs))
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
