// Package locks provides advisory distributed locks and the idempotency
// store used to keep enrichment work exactly-once across replicas.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrNotAcquired is returned when the lock is held by another owner and
	// the wait timeout elapsed. Callers decide whether that means defer,
	// conflict, or skip.
	ErrNotAcquired = errors.New("lock not acquired")
)

// Lock key schema. Keys are acquired in lexicographic order when more than
// one is needed.
func ComponentKey(mpn string) string         { return fmt.Sprintf("enrichment:%s", mpn) }
func WorkflowKey(bomID string) string        { return fmt.Sprintf("bom:%s:workflow", bomID) }
func SyncWorkerKey(workerID string) string   { return fmt.Sprintf("redis_sync:%s", workerID) }
func RateLimitKey(supplier string) string    { return fmt.Sprintf("ratelimit:%s", supplier) }
func IdempotencyKey(scope, id string) string { return fmt.Sprintf("idem:%s:%s", scope, id) }

// Lease is a held lock. Release is safe to call once; the lock also expires
// on its own at the TTL so a crashed owner cannot deadlock the system.
type Lease struct {
	Key   string
	Owner string

	release func(ctx context.Context) error
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// Locker acquires advisory locks.
type Locker interface {
	// Acquire blocks up to wait for the lock, holding it for at most ttl.
	// Returns ErrNotAcquired when the wait timeout elapses first.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error)

	// AcquireMany acquires all keys in lexicographic order, releasing every
	// held lease when any single acquisition fails.
	AcquireMany(ctx context.Context, keys []string, ttl, wait time.Duration) ([]*Lease, error)
}

// IdempotencyStore caches operation results keyed by caller-supplied keys so
// replays observe the first outcome instead of re-executing.
type IdempotencyStore interface {
	// Register stores result under key if absent. Returns true when this
	// call won the registration, false when a result already existed.
	Register(ctx context.Context, key string, result []byte, ttl time.Duration) (bool, error)

	// Get returns the cached result and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
