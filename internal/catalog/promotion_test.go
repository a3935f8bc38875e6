package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
)

type capturePublisher struct {
	envs []*events.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, e *events.Envelope) error {
	c.envs = append(c.envs, e)
	return nil
}

func newPromoter(t *testing.T) (*Promoter, sqlmock.Sqlmock, *capturePublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")

	pub := &capturePublisher{}
	p := NewPromoter(NewStore(sdb, 0), NewStagingStore(rdb), NewSnapshotRepo(sdb), locks.NewRedisStore(rdb), pub)
	return p, mock, pub, mr
}

func snapshotColumns() []string {
	return []string{"redis_key", "line_id", "mpn", "manufacturer", "quality_score",
		"component_data", "reason", "sync_status", "expires_at", "first_seen_at", "last_synced_at"}
}

func snapshotRow(key, status string) *sqlmock.Rows {
	data := []byte(`{"mpn":"LM358N","manufacturer":"Texas Instruments","quality_score":74,"lifecycle_status":"active","enrichment_source":"mouser"}`)
	lineID := "line-1"
	exp := time.Now().Add(time.Hour)
	return sqlmock.NewRows(snapshotColumns()).AddRow(
		key, &lineID, "LM358N", "Texas Instruments", 74.0,
		data, "quality 74 below catalog threshold 80", status, &exp, time.Now(), time.Now())
}

func TestPromoteRequiresReason(t *testing.T) {
	p, _, _, _ := newPromoter(t)
	ac := auth.Context{UserID: "admin-1", OrgID: "org-1", Role: auth.RoleAdmin}

	_, err := p.Promote(context.Background(), ac, DataKey("LM358N", "Texas Instruments"), "")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestPromoteAlreadyPromotedConflicts(t *testing.T) {
	p, mock, _, _ := newPromoter(t)
	ac := auth.Context{UserID: "admin-1", OrgID: "org-1", Role: auth.RoleAdmin}
	key := DataKey("LM358N", "Texas Instruments")

	mock.ExpectQuery(`SELECT \* FROM redis_component_snapshots`).
		WillReturnRows(snapshotRow(key, SnapshotPromoted))

	_, err := p.Promote(context.Background(), ac, key, "second look")
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestPromoteLiftsSnapshotIntoCatalog(t *testing.T) {
	p, mock, pub, mr := newPromoter(t)
	ac := auth.Context{UserID: "admin-1", OrgID: "org-1", Role: auth.RoleAdmin}
	key := DataKey("LM358N", "Texas Instruments")

	mock.ExpectQuery(`SELECT \* FROM redis_component_snapshots`).
		WillReturnRows(snapshotRow(key, SnapshotActive))

	// Upsert transaction: fresh part, so insert plus line annotation.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM catalog_components`).
		WillReturnRows(sqlmock.NewRows(catalogColumns()))
	mock.ExpectExec(`INSERT INTO catalog_components`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bom_line_items SET component_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM catalog_components WHERE id`).
		WillReturnRows(catalogRow("comp-1", "LM358N", 74, time.Now()))

	comp, err := p.Promote(context.Background(), ac, key, "verified against datasheet")
	require.NoError(t, err)
	assert.Equal(t, "comp-1", comp.ID)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.envs, 1)
	assert.Equal(t, events.KeySnapshotPromoted, pub.envs[0].RoutingKey)
	assert.Equal(t, "org-1", pub.envs[0].TenantID)

	assert.False(t, mr.Exists(locks.ComponentKey("LM358N")), "component lock must be released")
}
