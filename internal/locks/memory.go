package locks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process fallback for tests and single-node dev,
// mirroring the Redis semantics including TTL expiry.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	idem  map[string]memoryEntry
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]memoryLock),
		idem:  make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) tryAcquire(key, owner string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && time.Now().Before(held.expiresAt) {
		return false
	}
	s.locks[key] = memoryLock{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true
}

func (s *MemoryStore) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if s.tryAcquire(key, owner, ttl) {
			return &Lease{
				Key:   key,
				Owner: owner,
				release: func(context.Context) error {
					s.mu.Lock()
					defer s.mu.Unlock()
					if held, ok := s.locks[key]; ok && held.owner == owner {
						delete(s.locks, key)
					}
					return nil
				},
			}, nil
		}

		if wait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) AcquireMany(ctx context.Context, keys []string, ttl, wait time.Duration) ([]*Lease, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	leases := make([]*Lease, 0, len(sorted))
	for _, key := range sorted {
		lease, err := s.Acquire(ctx, key, ttl, wait)
		if err != nil {
			for i := len(leases) - 1; i >= 0; i-- {
				leases[i].Release(ctx)
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (s *MemoryStore) Register(ctx context.Context, key string, result []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.idem[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.idem[key] = memoryEntry{value: result, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.idem[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

var (
	_ Locker           = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
)
