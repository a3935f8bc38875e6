package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/fault"
)

// ScanPattern matches every cached staging/rejected entry.
const ScanPattern = "component:*:data"

// DataKey builds the cache key for one part identity. Colons inside the
// identity are flattened so the scan pattern stays parseable.
func DataKey(mpn, manufacturer string) string {
	clean := func(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), ":", "_") }
	return "component:" + clean(mpn) + ":" + clean(manufacturer) + ":data"
}

// Entry is the JSON value cached for a staging or rejected component. The
// embedded ExpiresAt duplicates the Redis TTL because the snapshot table
// treats it as authoritative long after the key itself is gone.
type Entry struct {
	MPN          string            `json:"mpn"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	LineID       string            `json:"line_id,omitempty"`
	BOMID        string            `json:"bom_id,omitempty"`
	QualityScore float64           `json:"quality_score"`
	Route        string            `json:"route"`
	Reason       string            `json:"reason,omitempty"`
	Component    *enrich.Component `json:"component"`
	CachedAt     time.Time         `json:"cached_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Key returns the Redis key this entry lives under.
func (e *Entry) Key() string { return DataKey(e.MPN, e.Manufacturer) }

// RawComponent renders the component document as JSON for snapshot storage.
func (e *Entry) RawComponent() []byte {
	if e.Component == nil {
		return []byte(`{}`)
	}
	raw, err := json.Marshal(e.Component)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}

// StagingStore is the Redis tier for components below the catalog bar.
type StagingStore struct {
	rdb redis.UniversalClient
}

func NewStagingStore(rdb redis.UniversalClient) *StagingStore {
	return &StagingStore{rdb: rdb}
}

// Put caches an entry for ttl, stamping CachedAt and ExpiresAt.
func (s *StagingStore) Put(ctx context.Context, e *Entry, ttl time.Duration) error {
	now := time.Now().UTC()
	e.CachedAt = now
	e.ExpiresAt = now.Add(ttl)

	raw, err := json.Marshal(e)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "staging.put", err)
	}
	if err := s.rdb.Set(ctx, e.Key(), raw, ttl).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, "staging.put", err)
	}
	return nil
}

func (s *StagingStore) Get(ctx context.Context, mpn, manufacturer string) (*Entry, error) {
	return s.GetByKey(ctx, DataKey(mpn, manufacturer))
}

func (s *StagingStore) GetByKey(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.Newf(fault.KindNotFound, "staging.get", "no cached entry at %s", key)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "staging.get", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "staging.get", err)
	}
	return &e, nil
}

func (s *StagingStore) Delete(ctx context.Context, mpn, manufacturer string) error {
	if err := s.rdb.Del(ctx, DataKey(mpn, manufacturer)).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, "staging.delete", err)
	}
	return nil
}

// Scan walks every live entry, invoking fn per entry. Keys that expire or
// fail to decode mid-scan are skipped; a fn error aborts the walk.
func (s *StagingStore) Scan(ctx context.Context, fn func(key string, e *Entry) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, ScanPattern, 200).Result()
		if err != nil {
			return fault.Wrap(fault.KindTransient, "staging.scan", err)
		}

		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return fault.Wrap(fault.KindTransient, "staging.scan", err)
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			if err := fn(key, &e); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
