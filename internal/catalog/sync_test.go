package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/locks"
)

func newSyncWorker(t *testing.T) (*SyncWorker, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")

	w := NewSyncWorker(
		NewStagingStore(rdb),
		NewSnapshotRepo(sdb),
		locks.NewRedisStore(rdb),
		config.NewResolver(config.StaticSource{}),
	)
	return w, mr, mock
}

func TestSyncOnceMirrorsEntries(t *testing.T) {
	w, _, mock := newSyncWorker(t)
	ctx := context.Background()

	require.NoError(t, w.staging.Put(ctx, stagingEntry("PART-A", 71), time.Hour))
	require.NoError(t, w.staging.Put(ctx, stagingEntry("PART-B", 65), time.Hour))

	mock.ExpectExec(`INSERT INTO redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // one row past expiry
	mock.ExpectExec(`DELETE FROM redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, w.SyncOnce(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncOnceSkipsWhenLockHeld(t *testing.T) {
	w, _, mock := newSyncWorker(t)
	ctx := context.Background()

	// Another replica owns the global sync lock.
	holder, err := w.locker.Acquire(ctx, locks.SyncWorkerKey("snapshots"), time.Minute, 0)
	require.NoError(t, err)
	defer holder.Release(ctx)

	err = w.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, locks.ErrNotAcquired))
	assert.NoError(t, mock.ExpectationsWereMet(), "no database work while lock is held elsewhere")
}

func TestSyncOnceReleasesLock(t *testing.T) {
	w, mr, mock := newSyncWorker(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM redis_component_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, w.SyncOnce(ctx))
	assert.False(t, mr.Exists(locks.SyncWorkerKey("snapshots")), "sync lock must be released after the pass")
}
