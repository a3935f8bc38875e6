package locks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while the caller still owns it, so a
// lease that outlived its TTL cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisStore implements Locker and IdempotencyStore on Redis. All state is
// shared across replicas, which is what makes the locks advisory-global.
type RedisStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, logger: slog.Default()}
}

// Acquire implements Locker with SET NX PX plus a jittered poll loop.
func (s *RedisStore) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{
				Key:   key,
				Owner: owner,
				release: func(ctx context.Context) error {
					if err := releaseScript.Run(ctx, s.rdb, []string{key}, owner).Err(); err != nil && err != redis.Nil {
						return fmt.Errorf("lock release %s: %w", key, err)
					}
					return nil
				},
			}, nil
		}

		if wait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		// Jittered poll keeps contending replicas from thundering.
		sleep := 50*time.Millisecond + time.Duration(rand.Intn(100))*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// AcquireMany sorts keys lexicographically and acquires each in turn,
// releasing everything held on the first failure.
func (s *RedisStore) AcquireMany(ctx context.Context, keys []string, ttl, wait time.Duration) ([]*Lease, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	leases := make([]*Lease, 0, len(sorted))
	for _, key := range sorted {
		lease, err := s.Acquire(ctx, key, ttl, wait)
		if err != nil {
			for i := len(leases) - 1; i >= 0; i-- {
				if rerr := leases[i].Release(ctx); rerr != nil {
					s.logger.Warn("[Locks] rollback release failed", "key", leases[i].Key, "error", rerr)
				}
			}
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// Register implements IdempotencyStore with SET NX EX.
func (s *RedisStore) Register(ctx context.Context, key string, result []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, result, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency register %s: %w", key, err)
	}
	return ok, nil
}

// Get implements IdempotencyStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	return val, true, nil
}

var (
	_ Locker           = (*RedisStore)(nil)
	_ IdempotencyStore = (*RedisStore)(nil)
)
