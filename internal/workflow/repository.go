package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/fault"
)

// Repository is the Postgres store for workflow instances and their event
// history. The deterministic id primary key and the partial unique index on
// live instances are what turn duplicate starts into conflicts.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqe *pq.Error
	return errors.As(err, &pqe) && pqe.Code == uniqueViolation
}

// Create inserts a new instance. A live duplicate for the same BOM, or a
// reused deterministic id, maps to conflict so callers can drop the request.
func (r *Repository) Create(ctx context.Context, in *Instance) error {
	if in.State == "" {
		in.State = StateRunning
	}
	if len(in.Settings) == 0 {
		in.Settings = []byte(`{}`)
	}
	if len(in.Input) == 0 {
		in.Input = []byte(`{}`)
	}
	now := time.Now().UTC()
	in.StartedAt = now
	in.HeartbeatAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO workflow_instances (id, kind, bom_id, organization_id, state,
		                                pause_requested, cancel_requested, next_batch,
		                                enriched, failed, skipped, total,
		                                settings, input, last_error,
		                                started_at, deadline_at, heartbeat_at)
		VALUES (:id, :kind, :bom_id, :organization_id, :state,
		        :pause_requested, :cancel_requested, :next_batch,
		        :enriched, :failed, :skipped, :total,
		        :settings, :input, :last_error,
		        :started_at, :deadline_at, :heartbeat_at)`, in)
	if isUniqueViolation(err) {
		return fault.Newf(fault.KindConflict, "workflow.create",
			"workflow %s already exists", in.ID)
	}
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.create", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Instance, error) {
	var in Instance
	err := r.db.GetContext(ctx, &in, `SELECT * FROM workflow_instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "workflow.get", "workflow %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.get", err)
	}
	return &in, nil
}

// GetScoped is the tenant-gated read for API callers. A workflow owned by
// another organization is indistinguishable from a missing one.
func (r *Repository) GetScoped(ctx context.Context, ac auth.Context, id string) (*Instance, error) {
	scope := ""
	if !ac.ScopesAll() {
		scope = ac.OrgID
	}
	var in Instance
	err := r.db.GetContext(ctx, &in, `
		SELECT * FROM workflow_instances
		WHERE id = $1 AND ($2 = '' OR organization_id::text = $2)`, id, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "workflow.get", "workflow %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.get", err)
	}
	return &in, nil
}

// ActiveForBOM returns the live instance for a BOM, if any.
func (r *Repository) ActiveForBOM(ctx context.Context, bomID string) (*Instance, error) {
	var in Instance
	err := r.db.GetContext(ctx, &in, `
		SELECT * FROM workflow_instances
		WHERE bom_id = $1 AND state IN ('running', 'paused')`, bomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "workflow.active_for_bom",
			"no active workflow for bom %s", bomID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.active_for_bom", err)
	}
	return &in, nil
}

// ListActive returns every non-terminal instance, oldest heartbeat first, so
// recovery picks up the most starved work before anything fresh.
func (r *Repository) ListActive(ctx context.Context) ([]Instance, error) {
	var out []Instance
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM workflow_instances
		WHERE state IN ('running', 'paused')
		ORDER BY heartbeat_at`)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.list_active", err)
	}
	return out, nil
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	State  string
	Kind   string
	Limit  int
	Offset int
}

func (r *Repository) List(ctx context.Context, ac auth.Context, f ListFilter) ([]Instance, error) {
	scope := ""
	if !ac.ScopesAll() {
		scope = ac.OrgID
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []Instance
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM workflow_instances
		WHERE ($1 = '' OR organization_id::text = $1)
		  AND ($2 = '' OR state = $2)
		  AND ($3 = '' OR kind = $3)
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5`, scope, f.State, f.Kind, f.Limit, f.Offset)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.list", err)
	}
	return out, nil
}

// MarkPauseRequested flips the pause flag; the runner honors it at the next
// batch boundary. want=false is the resume path.
func (r *Repository) MarkPauseRequested(ctx context.Context, id string, want bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances SET pause_requested = $2 WHERE id = $1`, id, want)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.mark_pause", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "workflow.mark_pause", "workflow %s not found", id)
	}
	return nil
}

// MarkCancelRequested is one-way; the runner stops scheduling new batches
// once it observes the flag.
func (r *Repository) MarkCancelRequested(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances SET cancel_requested = TRUE WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.mark_cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "workflow.mark_cancel", "workflow %s not found", id)
	}
	return nil
}

// SetState moves a live instance between running and paused.
func (r *Repository) SetState(ctx context.Context, id, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances SET state = $2, heartbeat_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.set_state", err)
	}
	return nil
}

// SaveCheckpoint persists the batch cursor and counters. This is the resume
// point after a crash.
func (r *Repository) SaveCheckpoint(ctx context.Context, id string, nextBatch int, c Counters) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET next_batch = $2, enriched = $3, failed = $4, skipped = $5, total = $6,
		    heartbeat_at = now()
		WHERE id = $1`, id, nextBatch, c.Enriched, c.Failed, c.Skipped, c.Total)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.checkpoint", err)
	}
	return nil
}

// Heartbeat proves the runner is alive between checkpoints.
func (r *Repository) Heartbeat(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances SET heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.heartbeat", err)
	}
	return nil
}

// Finish records the terminal state. Finishing an already-terminal instance
// is a no-op so duplicate terminations cannot clobber the first verdict.
func (r *Repository) Finish(ctx context.Context, id, state, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET state = $2, last_error = $3, finished_at = now(), heartbeat_at = now()
		WHERE id = $1 AND state IN ('running', 'paused')`, id, state, lastError)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.finish", err)
	}
	return nil
}

// AppendEvent writes the next history row. The instance's runner is the only
// writer, so allocating seq from the current max is race-free.
func (r *Repository) AppendEvent(ctx context.Context, workflowID, eventType string, payload interface{}) error {
	raw := []byte(`{}`)
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fault.Wrap(fault.KindPermanent, "workflow.append_event", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, seq, event_type, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3
		FROM workflow_events WHERE workflow_id = $1`, workflowID, eventType, raw)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "workflow.append_event", err)
	}
	return nil
}

// History returns an instance's event rows in order. Scoped through the
// instance row, so cross-tenant history reads 404.
func (r *Repository) History(ctx context.Context, ac auth.Context, workflowID string, limit int) ([]Event, error) {
	if _, err := r.GetScoped(ctx, ac, workflowID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []Event
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY seq
		LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "workflow.history", err)
	}
	return out, nil
}
