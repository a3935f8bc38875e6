package suppliers

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// UsageSample is one supplier's call volume for a single minute window.
type UsageSample struct {
	Supplier    string    `json:"supplier"`
	WindowStart time.Time `json:"window_start"`
	Calls       int64     `json:"calls"`
	Failures    int64     `json:"failures"`
}

// UsageLedger records every upstream supplier call bucketed by minute. The
// ledger backs quota audits and the admin usage endpoint.
type UsageLedger interface {
	Record(ctx context.Context, supplier string, failed bool) error
	Report(ctx context.Context, supplier string, since time.Time) ([]UsageSample, error)
	Close() error
}

// ==========================================================================
// In-memory backend
// ==========================================================================

const memoryLedgerRetention = 24 * time.Hour

// MemoryLedger keeps usage buckets in process memory. Default backend for
// single-instance and test deployments.
type MemoryLedger struct {
	mu      sync.Mutex
	buckets map[string]map[int64]*UsageSample
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{buckets: make(map[string]map[int64]*UsageSample)}
}

func (m *MemoryLedger) Record(_ context.Context, supplier string, failed bool) error {
	window := time.Now().UTC().Truncate(time.Minute)
	m.mu.Lock()
	defer m.mu.Unlock()

	byWindow, ok := m.buckets[supplier]
	if !ok {
		byWindow = make(map[int64]*UsageSample)
		m.buckets[supplier] = byWindow
	}
	sample, ok := byWindow[window.Unix()]
	if !ok {
		sample = &UsageSample{Supplier: supplier, WindowStart: window}
		byWindow[window.Unix()] = sample
	}
	sample.Calls++
	if failed {
		sample.Failures++
	}

	cutoff := time.Now().Add(-memoryLedgerRetention).Unix()
	for ts := range byWindow {
		if ts < cutoff {
			delete(byWindow, ts)
		}
	}
	return nil
}

func (m *MemoryLedger) Report(_ context.Context, supplier string, since time.Time) ([]UsageSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []UsageSample
	for name, byWindow := range m.buckets {
		if supplier != "" && name != supplier {
			continue
		}
		for _, sample := range byWindow {
			if sample.WindowStart.Before(since) {
				continue
			}
			out = append(out, *sample)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Supplier != out[j].Supplier {
			return out[i].Supplier < out[j].Supplier
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

func (m *MemoryLedger) Close() error { return nil }

// ==========================================================================
// Cloud Spanner backend
// ==========================================================================

// SpannerLedger persists usage buckets to Cloud Spanner so quota accounting
// survives restarts and is shared across replicas.
type SpannerLedger struct {
	client *spanner.Client
	logger *log.Logger
}

func NewSpannerLedger(project, instance, dbName string) (*SpannerLedger, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerLedger{
		client: client,
		logger: log.New(log.Writer(), "[SupplierUsage] ", log.LstdFlags),
	}, nil
}

func (s *SpannerLedger) Record(ctx context.Context, supplier string, failed bool) error {
	window := time.Now().UTC().Truncate(time.Minute)
	var failures int64
	if failed {
		failures = 1
	}

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "SupplierUsage", spanner.Key{supplier, window},
			[]string{"Calls", "Failures"})
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return txn.BufferWrite([]*spanner.Mutation{
					spanner.Insert("SupplierUsage",
						[]string{"Supplier", "WindowStart", "Calls", "Failures", "UpdatedAt"},
						[]interface{}{supplier, window, int64(1), failures, spanner.CommitTimestamp},
					),
				})
			}
			return err
		}

		var calls, prevFailures int64
		if err := row.Columns(&calls, &prevFailures); err != nil {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("SupplierUsage",
				[]string{"Supplier", "WindowStart", "Calls", "Failures", "UpdatedAt"},
				[]interface{}{supplier, window, calls + 1, prevFailures + failures, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		s.logger.Printf("⚠️ Failed to record usage for %s: %v", supplier, err)
	}
	return err
}

func (s *SpannerLedger) Report(ctx context.Context, supplier string, since time.Time) ([]UsageSample, error) {
	stmt := spanner.Statement{
		SQL: `SELECT Supplier, WindowStart, Calls, Failures FROM SupplierUsage
		      WHERE WindowStart >= @since AND (@supplier = '' OR Supplier = @supplier)
		      ORDER BY Supplier, WindowStart`,
		Params: map[string]interface{}{"since": since, "supplier": supplier},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []UsageSample
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var sample UsageSample
		if err := row.Columns(&sample.Supplier, &sample.WindowStart, &sample.Calls, &sample.Failures); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, nil
}

func (s *SpannerLedger) Close() error {
	s.client.Close()
	return nil
}

// ==========================================================================
// Factory
// ==========================================================================

// LedgerConfig selects the usage ledger backend.
type LedgerConfig struct {
	Backend         string // "memory" or "spanner"
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewUsageLedger creates the appropriate ledger based on configuration.
func NewUsageLedger(cfg LedgerConfig) (UsageLedger, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerLedger(cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "memory", "":
		return NewMemoryLedger(), nil

	default:
		return nil, fmt.Errorf("unknown usage ledger backend: %s", cfg.Backend)
	}
}

// NewUsageLedgerFromEnv creates a ledger from environment variables.
func NewUsageLedgerFromEnv() (UsageLedger, error) {
	backend := os.Getenv("SUPPLIER_USAGE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	return NewUsageLedger(LedgerConfig{
		Backend:         backend,
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	})
}
