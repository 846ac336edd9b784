// Package memstore provides an in-memory implementation of incident.Store.
// Finalized incidents are evicted after the retention window by a ttlcache janitor.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Store holds incidents in memory. Suitable for single-instance deployments and tests.
type Store struct {
	incident.Broadcaster

	mu        sync.Mutex // serializes Create
	cache     *ttlcache.Cache[string, *record]
	retention time.Duration
	logger    log.Logger
	now       func() time.Time
}

type record struct {
	mu  sync.Mutex
	inc *incident.Incident
}

// New creates a Store that keeps finalized incidents for retention and starts
// its eviction janitor. Call Close to stop it.
func New(retention time.Duration, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *record](),
	)
	s := &Store{
		cache:     cache,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *record]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.logger.Info(ctx, "incident evicted", "incident_id", item.Key())
		}
	})
	go cache.Start()
	return s
}

// Close stops the eviction janitor.
func (s *Store) Close() {
	s.cache.Stop()
}

// Create inserts a received incident, or returns the in-progress one with
// created=false. A finalized incident is replaced by a fresh one.
func (s *Store) Create(ctx context.Context, id string, wh *alert.Webhook) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(id); item != nil {
		rec := item.Value()
		rec.mu.Lock()
		if !rec.inc.Stage.Terminal() {
			defer rec.mu.Unlock()
			return rec.inc.Clone(), false, nil
		}
		prev := rec.inc.Stage
		rec.mu.Unlock()
		s.logger.Info(ctx, "replacing finalized incident", "incident_id", id, "previous_stage", string(prev))
	}

	inc := incident.New(id, wh, s.now())
	s.cache.Set(id, &record{inc: inc}, ttlcache.NoTTL)
	return inc.Clone(), true, nil
}

// Get returns a copy of the incident.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	rec := item.Value()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.inc.Clone(), nil
}

// List returns copies of all retained incidents, oldest first.
func (s *Store) List(_ context.Context) ([]*incident.Incident, error) {
	items := s.cache.Items()
	out := make([]*incident.Incident, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		rec := item.Value()
		rec.mu.Lock()
		out = append(out, rec.inc.Clone())
		rec.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *incident.Incident) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateStage applies a stage transition and publishes it. A terminal
// transition starts the retention countdown.
func (s *Store) UpdateStage(_ context.Context, id string, to incident.Stage, reason string) error {
	item := s.cache.Get(id)
	if item == nil {
		return fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	rec := item.Value()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	ev, err := rec.inc.Advance(to, reason, s.now())
	if err != nil {
		return fmt.Errorf("incident %s: %w", id, err)
	}
	if to.Terminal() {
		ttl := s.retention
		if ttl <= 0 {
			ttl = ttlcache.NoTTL
		}
		s.cache.Set(id, rec, ttl)
	}
	s.Publish(ev)
	return nil
}

// Attach stores a child record on the incident.
func (s *Store) Attach(_ context.Context, id string, a incident.Attachment) error {
	item := s.cache.Get(id)
	if item == nil {
		return fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	rec := item.Value()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := rec.inc.Apply(a, s.now()); err != nil {
		return fmt.Errorf("incident %s: %w", id, err)
	}
	return nil
}
