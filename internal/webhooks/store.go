package webhooks

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/partstream/backend/internal/fault"
)

// PostgresStore persists webhook subscriptions. Writes go through the
// registry, which owns the in-memory working set.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT id, organization_id, url, events, secret, active, fail_count, created_at
		FROM webhook_subscriptions
		ORDER BY created_at`)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "webhooks.store.list", err)
	}
	return subs, nil
}

func (s *PostgresStore) Insert(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions
			(id, organization_id, url, events, secret, active, fail_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.OrganizationID, sub.URL, sub.Events, sub.Secret,
		sub.Active, sub.FailCount, sub.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "webhooks.store.insert", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "webhooks.store.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.KindNotFound, "webhooks.store.delete", "webhook %s not found", id)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, active bool, failCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET active = $2, fail_count = $3 WHERE id = $1`,
		id, active, failCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fault.Wrap(fault.KindTransient, "webhooks.store.status", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
