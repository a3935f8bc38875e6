package catalog

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/locks"
)

// syncLockTTL bounds one pass. A crashed worker frees the lock at the TTL.
const syncLockTTL = 2 * time.Minute

// SyncWorker mirrors live Redis staging entries into the snapshot table on
// an interval. Only one replica syncs at a time: each pass runs under a
// global advisory lock, and a pass that cannot get the lock is skipped
// silently because another replica is already doing the work.
type SyncWorker struct {
	staging   *StagingStore
	snapshots *SnapshotRepo
	locker    locks.Locker
	settings  *config.Resolver
	logger    *log.Logger
}

func NewSyncWorker(staging *StagingStore, snapshots *SnapshotRepo, locker locks.Locker, settings *config.Resolver) *SyncWorker {
	return &SyncWorker{
		staging:   staging,
		snapshots: snapshots,
		locker:    locker,
		settings:  settings,
		logger:    log.New(log.Writer(), "[SYNC] ", log.LstdFlags),
	}
}

// Run loops until ctx is done, waking every redis_sync_interval_seconds.
// The interval is re-read each cycle so operators can retune it live.
func (w *SyncWorker) Run(ctx context.Context) {
	w.logger.Printf("🔄 snapshot sync worker started (interval %s)", w.settings.Current(ctx).SyncInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("snapshot sync worker stopped")
			return
		case <-time.After(w.settings.Current(ctx).SyncInterval):
		}

		if err := w.SyncOnce(ctx); err != nil && !errors.Is(err, locks.ErrNotAcquired) {
			w.logger.Printf("⚠️ sync pass failed: %v", err)
		}
	}
}

// SyncOnce runs a single pass: scan the cache, upsert every live entry,
// expire rows past their authoritative expiry, purge rows expired more than
// PurgeAfter ago. Returns locks.ErrNotAcquired when another replica holds
// the sync lock.
func (w *SyncWorker) SyncOnce(ctx context.Context) error {
	lease, err := w.locker.Acquire(ctx, locks.SyncWorkerKey("snapshots"), syncLockTTL, 0)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	now := time.Now().UTC()
	synced := 0
	err = w.staging.Scan(ctx, func(key string, e *Entry) error {
		snap := &Snapshot{
			RedisKey:      key,
			MPN:           e.MPN,
			Manufacturer:  e.Manufacturer,
			QualityScore:  e.QualityScore,
			Reason:        e.Reason,
			SyncStatus:    SnapshotActive,
			ComponentData: e.RawComponent(),
		}
		if e.LineID != "" {
			lineID := e.LineID
			snap.LineID = &lineID
		}
		if !e.ExpiresAt.IsZero() {
			exp := e.ExpiresAt
			snap.ExpiresAt = &exp
		}
		if err := w.snapshots.Upsert(ctx, snap); err != nil {
			return err
		}
		synced++
		return nil
	})
	if err != nil {
		return err
	}

	expired, err := w.snapshots.MarkExpired(ctx, now)
	if err != nil {
		return err
	}
	purged, err := w.snapshots.Purge(ctx, now.Add(-PurgeAfter))
	if err != nil {
		return err
	}

	if synced > 0 || expired > 0 || purged > 0 {
		w.logger.Printf("✅ synced %d entries, expired %d, purged %d", synced, expired, purged)
	}
	return nil
}
