// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. Stage events are published to
// in-process subscribers only.
type Store struct {
	incident.Broadcaster

	pool      *pgxpool.Pool
	retention time.Duration
	now       func() time.Time
}

// New applies the schema and returns a ready Store. Finalized incidents are
// kept for retention and removed by Sweep.
func New(ctx context.Context, pool *pgxpool.Pool, retention time.Duration) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, retention: retention, now: time.Now}, nil
}

var terminalStages = func() []string {
	var out []string
	for _, st := range incident.TerminalStages() {
		out = append(out, string(st))
	}
	return out
}()

const incidentColumns = `id, stage, created_at, updated_at, alert, outcome, analysis, plan, approval, execution, history`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts a received incident, or returns the in-progress one with
// created=false. Finalized and expired records are replaced.
func (s *Store) Create(ctx context.Context, id string, wh *alert.Webhook) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("warden.incident.id", id))

	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM incidents WHERE id = $1 AND (stage = ANY($2) OR (expires_at IS NOT NULL AND expires_at <= $3))`,
		id, terminalStages, now,
	); err != nil {
		return nil, false, fail(span, fmt.Errorf("delete finalized: %w", err))
	}

	inc := incident.New(id, wh, now)
	row, err := encode(inc)
	if err != nil {
		return nil, false, fail(span, err)
	}
	tag, err := tx.Exec(ctx, `INSERT INTO incidents (
		id, alert_name, stage, created_at, updated_at, alert, history
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING`,
		inc.ID, inc.AlertName(), string(inc.Stage), inc.CreatedAt, inc.UpdatedAt, row.alert, row.history,
	)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("insert incident: %w", err))
	}

	created := tag.RowsAffected() == 1
	if !created {
		existing, err := s.scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
		if err != nil {
			return nil, false, fail(span, err)
		}
		inc = existing
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Bool("warden.incident.created", created))
	return inc, created, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	inc, err := s.scanIncident(s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		id, s.now(),
	))
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
		}
		return nil, fail(span, err)
	}
	return inc, nil
}

// List returns all retained incidents, oldest first.
func (s *Store) List(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE expires_at IS NULL OR expires_at > $1 ORDER BY created_at, id`,
		s.now(),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := s.scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// UpdateStage applies a stage transition under a row lock and publishes it after commit.
func (s *Store) UpdateStage(ctx context.Context, id string, to incident.Stage, reason string) error {
	ctx, span := startSpan(ctx, "UpdateStage", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("warden.incident.id", id), attribute.String("warden.incident.stage", string(to)))

	var ev incident.Event
	err := s.mutate(ctx, id, func(inc *incident.Incident, now time.Time) error {
		var err error
		ev, err = inc.Advance(to, reason, now)
		return err
	})
	if err != nil {
		return fail(span, err)
	}
	s.Publish(ev)
	return nil
}

// Attach stores a child record on the incident under a row lock.
func (s *Store) Attach(ctx context.Context, id string, a incident.Attachment) error {
	ctx, span := startSpan(ctx, "Attach", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("warden.incident.id", id))

	err := s.mutate(ctx, id, func(inc *incident.Incident, now time.Time) error {
		return inc.Apply(a, now)
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// Sweep deletes finalized incidents whose retention expired and returns how many were removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "Sweep", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fail(span, fmt.Errorf("sweep: %w", err))
	}
	span.SetAttributes(attribute.Int64("db.rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// Recover finalizes every in-progress incident along its interruption edge
// and returns how many it closed. Run it once at startup, before alerts are
// accepted, since no workflow survives a restart.
func (s *Store) Recover(ctx context.Context, reason string) (int, error) {
	ctx, span := startSpan(ctx, "Recover", "UPDATE")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id FROM incidents WHERE NOT (stage = ANY($1)) ORDER BY created_at, id`, terminalStages)
	if err != nil {
		return 0, fail(span, fmt.Errorf("query in-progress incidents: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fail(span, fmt.Errorf("collect in-progress incidents: %w", err))
	}

	n := 0
	for _, id := range ids {
		var ev incident.Event
		err := s.mutate(ctx, id, func(inc *incident.Incident, now time.Time) error {
			if inc.Stage.Terminal() {
				return nil
			}
			var err error
			ev, err = inc.Advance(incident.InterruptedStage(inc.Stage), reason, now)
			return err
		})
		if errors.Is(err, incident.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fail(span, fmt.Errorf("recover %s: %w", id, err))
		}
		if ev.IncidentID == "" {
			continue
		}
		s.Publish(ev)
		n++
	}
	span.SetAttributes(attribute.Int("db.rows", n))
	return n, nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(inc *incident.Incident, now time.Time) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	now := s.now()
	inc, err := s.scanIncident(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2) FOR UPDATE`,
		id, now,
	))
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			return fmt.Errorf("%w: %s", incident.ErrNotFound, id)
		}
		return err
	}

	if err := fn(inc, now); err != nil {
		return fmt.Errorf("incident %s: %w", id, err)
	}

	row, err := encode(inc)
	if err != nil {
		return err
	}
	var expiresAt *time.Time
	if inc.Stage.Terminal() && s.retention > 0 {
		t := inc.Outcome.At.Add(s.retention)
		expiresAt = &t
	}

	_, err = tx.Exec(ctx, `UPDATE incidents SET
		stage      = $2,
		updated_at = $3,
		expires_at = $4,
		outcome    = $5,
		analysis   = $6,
		plan       = $7,
		approval   = $8,
		execution  = $9,
		history    = $10
	WHERE id = $1`,
		inc.ID, string(inc.Stage), inc.UpdatedAt, expiresAt,
		row.outcome, row.analysis, row.plan, row.approval, row.execution, row.history,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// encoded holds the JSONB column values of an incident. Nil children encode as SQL NULL.
type encoded struct {
	alert, outcome, analysis, plan, approval, execution, history []byte
}

func encode(inc *incident.Incident) (*encoded, error) {
	var row encoded
	var err error
	if row.alert, err = json.Marshal(inc.Alert); err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	if row.history, err = json.Marshal(inc.History); err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	fields := []struct {
		name  string
		v     any
		isNil bool
		dst   *[]byte
	}{
		{"outcome", inc.Outcome, inc.Outcome == nil, &row.outcome},
		{"analysis", inc.Analysis, inc.Analysis == nil, &row.analysis},
		{"plan", inc.Plan, inc.Plan == nil, &row.plan},
		{"approval", inc.Approval, inc.Approval == nil, &row.approval},
		{"execution", inc.Execution, inc.Execution == nil, &row.execution},
	}
	for _, f := range fields {
		if f.isNil {
			continue
		}
		b, err := json.Marshal(f.v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.name, err)
		}
		*f.dst = b
	}
	return &row, nil
}

// scanIncident scans a single row. Returns incident.ErrNotFound when no row is found.
func (s *Store) scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc   incident.Incident
		stage string
		raw   encoded
	)
	err := row.Scan(
		&inc.ID, &stage, &inc.CreatedAt, &inc.UpdatedAt,
		&raw.alert, &raw.outcome, &raw.analysis, &raw.plan, &raw.approval, &raw.execution, &raw.history,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrNotFound
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	inc.Stage = incident.Stage(stage)

	targets := []struct {
		name string
		src  []byte
		dst  any
	}{
		{"alert", raw.alert, &inc.Alert},
		{"outcome", raw.outcome, &inc.Outcome},
		{"analysis", raw.analysis, &inc.Analysis},
		{"plan", raw.plan, &inc.Plan},
		{"approval", raw.approval, &inc.Approval},
		{"execution", raw.execution, &inc.Execution},
		{"history", raw.history, &inc.History},
	}
	for _, t := range targets {
		if len(t.src) == 0 {
			continue
		}
		if err := json.Unmarshal(t.src, t.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", t.name, err)
		}
	}
	if inc.History == nil {
		inc.History = []incident.Transition{}
	}
	return &inc, nil
}
