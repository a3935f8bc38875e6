package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/partstream/backend/internal/fault"
)

// PurgeAfter is how long an expired snapshot row lingers before hard delete.
const PurgeAfter = 7 * 24 * time.Hour

// SnapshotRepo persists the Postgres mirror of Redis staging entries.
type SnapshotRepo struct {
	db *sqlx.DB
}

func NewSnapshotRepo(db *sqlx.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Upsert records one scanned Redis entry. Re-seeing a key refreshes its data
// and flips expired rows back to active, but never demotes a promoted row:
// promotion is a terminal status for the snapshot even while the cache entry
// lives on.
func (r *SnapshotRepo) Upsert(ctx context.Context, s *Snapshot) error {
	if s.SyncStatus == "" {
		s.SyncStatus = SnapshotActive
	}
	if len(s.ComponentData) == 0 {
		s.ComponentData = []byte(`{}`)
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO redis_component_snapshots (redis_key, line_id, mpn, manufacturer,
		                                       quality_score, component_data, reason,
		                                       sync_status, expires_at, first_seen_at, last_synced_at)
		VALUES (:redis_key, :line_id, :mpn, :manufacturer,
		        :quality_score, :component_data, :reason,
		        :sync_status, :expires_at, now(), now())
		ON CONFLICT (redis_key) DO UPDATE SET
			quality_score  = EXCLUDED.quality_score,
			component_data = EXCLUDED.component_data,
			reason         = EXCLUDED.reason,
			expires_at     = EXCLUDED.expires_at,
			last_synced_at = now(),
			sync_status    = CASE
				WHEN redis_component_snapshots.sync_status = 'promoted' THEN 'promoted'
				ELSE EXCLUDED.sync_status
			END`, s)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "snapshot.upsert", err)
	}
	return nil
}

// MarkExpired flips active rows whose authoritative expiry has passed.
func (r *SnapshotRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE redis_component_snapshots
		SET sync_status = 'expired'
		WHERE sync_status = 'active' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "snapshot.mark_expired", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Purge hard-deletes expired rows whose expiry predates cutoff.
func (r *SnapshotRepo) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM redis_component_snapshots
		WHERE sync_status = 'expired' AND expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "snapshot.purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *SnapshotRepo) Get(ctx context.Context, redisKey string) (*Snapshot, error) {
	var s Snapshot
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM redis_component_snapshots WHERE redis_key = $1`, redisKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "snapshot.get", "snapshot %s not found", redisKey)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "snapshot.get", err)
	}
	return &s, nil
}

// SnapshotFilter narrows List. Zero values mean "any".
type SnapshotFilter struct {
	Status string
	MPN    string
	Limit  int
	Offset int
}

func (r *SnapshotRepo) List(ctx context.Context, f SnapshotFilter) ([]Snapshot, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var out []Snapshot
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM redis_component_snapshots
		WHERE ($1 = '' OR sync_status = $1)
		  AND ($2 = '' OR mpn = $2)
		ORDER BY last_synced_at DESC
		LIMIT $3 OFFSET $4`, f.Status, f.MPN, f.Limit, f.Offset)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "snapshot.list", err)
	}
	return out, nil
}

func (r *SnapshotRepo) Count(ctx context.Context, status string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM redis_component_snapshots
		WHERE ($1 = '' OR sync_status = $1)`, status)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "snapshot.count", err)
	}
	return n, nil
}

func (r *SnapshotRepo) MarkPromoted(ctx context.Context, redisKey string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE redis_component_snapshots
		SET sync_status = 'promoted', last_synced_at = now()
		WHERE redis_key = $1`, redisKey)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "snapshot.mark_promoted", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "snapshot.mark_promoted", "snapshot %s not found", redisKey)
	}
	return nil
}
