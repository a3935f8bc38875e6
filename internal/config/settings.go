package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Runtime setting keys. These live in the platform_settings table and may be
// changed by operators without a deploy.
const (
	KeyBatchSize           = "enrichment_batch_size"
	KeyDelayPerComponentMs = "enrichment_delay_per_component_ms"
	KeyDelayPerBatchMs     = "enrichment_delay_per_batch_ms"
	KeyDelaysEnabled       = "enrichment_delays_enabled"
	KeyQualityThreshold    = "quality_threshold"
	KeyPromoteThreshold    = "promote_threshold"
	KeyConfidenceThreshold = "supplier_confidence_threshold"
	KeyCircuitFailures     = "circuit_failure_threshold"
	KeyCircuitSuccesses    = "circuit_success_threshold"
	KeyCircuitTimeoutSec   = "circuit_timeout_seconds"
	KeyRetryMaxAttempts    = "retry_max_attempts"
	KeySnapshotTTLSec      = "redis_snapshot_ttl_seconds"
	KeySyncIntervalSec     = "redis_sync_interval_seconds"
	KeyAuditEnabled        = "enable_enrichment_audit"
)

// KnownKey reports whether key is a recognized runtime setting. The admin
// settings API rejects unknown keys so a typo cannot write a row that no
// reader would ever pick up.
func KnownKey(key string) bool {
	switch key {
	case KeyBatchSize, KeyDelayPerComponentMs, KeyDelayPerBatchMs, KeyDelaysEnabled,
		KeyQualityThreshold, KeyPromoteThreshold, KeyConfidenceThreshold,
		KeyCircuitFailures, KeyCircuitSuccesses, KeyCircuitTimeoutSec,
		KeyRetryMaxAttempts, KeySnapshotTTLSec, KeySyncIntervalSec, KeyAuditEnabled:
		return true
	}
	return false
}

// Settings is the resolved runtime configuration. Workflows read it once at
// start and keep the copy for their lifetime.
type Settings struct {
	BatchSize               int
	DelayPerComponent       time.Duration
	DelayPerBatch           time.Duration
	DelaysEnabled           bool
	QualityThreshold        float64
	PromoteThreshold        float64
	ConfidenceThreshold     float64
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration
	RetryMaxAttempts        int
	SnapshotTTL             time.Duration
	SyncInterval            time.Duration
	AuditEnabled            bool
}

// Defaults returns the compile-time fallback values.
func Defaults() Settings {
	return Settings{
		BatchSize:               10,
		DelayPerComponent:       100 * time.Millisecond,
		DelayPerBatch:           1 * time.Second,
		DelaysEnabled:           true,
		QualityThreshold:        80,
		PromoteThreshold:        70,
		ConfidenceThreshold:     0.7,
		CircuitFailureThreshold: 5,
		CircuitSuccessThreshold: 2,
		CircuitTimeout:          60 * time.Second,
		RetryMaxAttempts:        3,
		SnapshotTTL:             24 * time.Hour,
		SyncInterval:            15 * time.Second,
		AuditEnabled:            true,
	}
}

// Source loads raw key/value settings from a durable store.
type Source interface {
	Load(ctx context.Context) (map[string]string, error)
}

// StaticSource serves a fixed map; used in tests and single-node dev.
type StaticSource map[string]string

func (s StaticSource) Load(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Resolver is a read-through cache over a settings Source. Values resolve
// store → environment → Defaults(). The cache expires after ttl; Invalidate
// forces the next read to hit the store.
type Resolver struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	cached   Settings
	loadedAt time.Time
}

func NewResolver(source Source) *Resolver {
	return &Resolver{
		source: source,
		ttl:    5 * time.Minute,
		logger: slog.Default(),
	}
}

// Current returns the effective settings, refreshing from the store when the
// cache has expired. A store failure logs and serves the previous snapshot
// (or pure defaults on first load) so enrichment never blocks on the
// settings backend.
func (r *Resolver) Current(ctx context.Context) Settings {
	r.mu.RLock()
	if !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.ttl {
		s := r.cached
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.ttl {
		return r.cached
	}

	raw := map[string]string{}
	if r.source != nil {
		loaded, err := r.source.Load(ctx)
		if err != nil {
			r.logger.Warn("[Settings] store read failed, serving previous snapshot", "error", err)
			if !r.loadedAt.IsZero() {
				return r.cached
			}
		} else {
			raw = loaded
		}
	}

	r.cached = resolve(raw)
	r.loadedAt = time.Now()
	return r.cached
}

// Invalidate drops the cache so the next Current call reloads.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// Validate loads once and rejects contradictory values. Called at startup;
// a promote threshold at or above the catalog threshold makes the staging
// band empty and is fatal.
func (r *Resolver) Validate(ctx context.Context) error {
	r.Invalidate()
	s := r.Current(ctx)

	var problems []string
	if s.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("%s must be >= 1, got %d", KeyBatchSize, s.BatchSize))
	}
	if s.PromoteThreshold >= s.QualityThreshold {
		problems = append(problems, fmt.Sprintf("%s (%.0f) must be below %s (%.0f)",
			KeyPromoteThreshold, s.PromoteThreshold, KeyQualityThreshold, s.QualityThreshold))
	}
	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("%s must be in (0,1], got %g", KeyConfidenceThreshold, s.ConfidenceThreshold))
	}
	if s.CircuitFailureThreshold < 1 {
		problems = append(problems, fmt.Sprintf("%s must be >= 1", KeyCircuitFailures))
	}
	if s.CircuitSuccessThreshold < 1 {
		problems = append(problems, fmt.Sprintf("%s must be >= 1", KeyCircuitSuccesses))
	}
	if s.RetryMaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("%s must be >= 1", KeyRetryMaxAttempts))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid runtime settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

func resolve(raw map[string]string) Settings {
	d := Defaults()
	return Settings{
		BatchSize:               intSetting(raw, KeyBatchSize, d.BatchSize),
		DelayPerComponent:       msSetting(raw, KeyDelayPerComponentMs, d.DelayPerComponent),
		DelayPerBatch:           msSetting(raw, KeyDelayPerBatchMs, d.DelayPerBatch),
		DelaysEnabled:           boolSetting(raw, KeyDelaysEnabled, d.DelaysEnabled),
		QualityThreshold:        floatSetting(raw, KeyQualityThreshold, d.QualityThreshold),
		PromoteThreshold:        floatSetting(raw, KeyPromoteThreshold, d.PromoteThreshold),
		ConfidenceThreshold:     floatSetting(raw, KeyConfidenceThreshold, d.ConfidenceThreshold),
		CircuitFailureThreshold: intSetting(raw, KeyCircuitFailures, d.CircuitFailureThreshold),
		CircuitSuccessThreshold: intSetting(raw, KeyCircuitSuccesses, d.CircuitSuccessThreshold),
		CircuitTimeout:          secSetting(raw, KeyCircuitTimeoutSec, d.CircuitTimeout),
		RetryMaxAttempts:        intSetting(raw, KeyRetryMaxAttempts, d.RetryMaxAttempts),
		SnapshotTTL:             secSetting(raw, KeySnapshotTTLSec, d.SnapshotTTL),
		SyncInterval:            secSetting(raw, KeySyncIntervalSec, d.SyncInterval),
		AuditEnabled:            boolSetting(raw, KeyAuditEnabled, d.AuditEnabled),
	}
}

// lookup resolves store → env → "".
func lookup(raw map[string]string, key string) string {
	if v, ok := raw[key]; ok && v != "" {
		return v
	}
	return os.Getenv(strings.ToUpper(key))
}

func intSetting(raw map[string]string, key string, def int) int {
	if v := lookup(raw, key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatSetting(raw map[string]string, key string, def float64) float64 {
	if v := lookup(raw, key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolSetting(raw map[string]string, key string, def bool) bool {
	if v := lookup(raw, key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func msSetting(raw map[string]string, key string, def time.Duration) time.Duration {
	if v := lookup(raw, key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func secSetting(raw map[string]string, key string, def time.Duration) time.Duration {
	if v := lookup(raw, key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
