package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/circuitbreaker"
	"github.com/partstream/backend/internal/events"
)

// promauto registers against the default registry, so the whole test binary
// shares one Metrics instance. Tests keep label values disjoint.
var testMetrics = NewMetrics()

type fakeBreakers struct {
	stats map[string]circuitbreaker.Stats
}

func (f fakeBreakers) BreakerStats() map[string]circuitbreaker.Stats { return f.stats }

func mustEnvelope(t *testing.T, key, tenantID string, payload interface{}) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(key, tenantID, payload)
	require.NoError(t, err)
	return env
}

func TestObserverDerivesLineOutcomeMetrics(t *testing.T) {
	o := NewObserver(events.NewMemoryBus(), testMetrics, nil, slog.Default())

	o.observe(mustEnvelope(t, events.KeyComponentEnriched, "org-1", events.ComponentOutcome{
		MPN: "LM358N", Supplier: "mouser", Route: "catalog", QualityScore: 0.91,
	}))
	o.observe(mustEnvelope(t, events.KeyComponentEnriched, "org-1", events.ComponentOutcome{
		MPN: "RC0603FR-0710KL", Supplier: "mouser", Route: "staging", QualityScore: 0.55,
	}))
	o.observe(mustEnvelope(t, events.KeyComponentFailed, "org-1", events.ComponentOutcome{
		MPN: "GHOST-PART-1", Error: "no supplier recognized the part",
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(testMetrics.LinesProcessed.WithLabelValues("enriched", "mouser")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.LinesProcessed.WithLabelValues("failed", "none")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(testMetrics.QualityScore), 2)
}

func TestObserverCountsWorkflowTerminalsAndSignals(t *testing.T) {
	o := NewObserver(events.NewMemoryBus(), testMetrics, nil, slog.Default())

	o.observe(mustEnvelope(t, events.KeyEnrichmentCompleted, "org-1", events.EnrichmentTerminal{
		BOMID: "bom-1", State: "completed", Total: 12, Enriched: 12,
	}))
	o.observe(mustEnvelope(t, events.KeyEnrichmentFailed, "org-1", events.EnrichmentTerminal{
		BOMID: "bom-2", State: "failed", Error: "parsed snapshot missing",
	}))
	o.observe(mustEnvelope(t, events.KeyWorkflowPaused, "org-1", events.WorkflowSignalAck{
		WorkflowID: "bom-enrichment-bom-3", State: "paused",
	}))
	o.observe(mustEnvelope(t, events.KeyWorkflowCancelled, "org-1", events.WorkflowSignalAck{
		WorkflowID: "bom-enrichment-bom-4", State: "cancelled",
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.WorkflowsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.WorkflowsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.WorkflowsFinished.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.WorkflowSignals.WithLabelValues("paused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.WorkflowSignals.WithLabelValues("cancelled")))
}

func TestObserverDerivesSupplierCallMetrics(t *testing.T) {
	o := NewObserver(events.NewMemoryBus(), testMetrics, nil, slog.Default())

	o.observe(mustEnvelope(t, events.SupplierCalledKey("digikey"), "", events.SupplierCalled{
		Supplier: "digikey", MPN: "LM358N", DurationMs: 120, Success: true,
	}))
	o.observe(mustEnvelope(t, events.SupplierCalledKey("digikey"), "", events.SupplierCalled{
		Supplier: "digikey", MPN: "LM358N", DurationMs: 3000, Success: false,
	}))

	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.SupplierCalls.WithLabelValues("digikey", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.SupplierCalls.WithLabelValues("digikey", "error")))
}

func TestObserverToleratesMalformedPayloads(t *testing.T) {
	o := NewObserver(events.NewMemoryBus(), testMetrics, nil, slog.Default())

	o.observe(&events.Envelope{
		ID:         "bad-1",
		RoutingKey: events.KeyComponentEnriched,
		Payload:    json.RawMessage(`"not an object"`),
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(testMetrics.LinesProcessed.WithLabelValues("enriched", "none")))
}

func TestObserverPollsBreakerGauge(t *testing.T) {
	src := fakeBreakers{stats: map[string]circuitbreaker.Stats{
		"element14": {Name: "element14", State: circuitbreaker.StateOpen},
	}}
	o := NewObserver(events.NewMemoryBus(), testMetrics, src, slog.Default())

	o.pollBreakers()
	assert.Equal(t, float64(circuitbreaker.StateOpen),
		testutil.ToFloat64(testMetrics.SupplierBreakerState.WithLabelValues("element14")))

	src.stats["element14"] = circuitbreaker.Stats{Name: "element14", State: circuitbreaker.StateClosed}
	o.pollBreakers()
	assert.Equal(t, float64(circuitbreaker.StateClosed),
		testutil.ToFloat64(testMetrics.SupplierBreakerState.WithLabelValues("element14")))
}

func TestObserverRunConsumesBusTraffic(t *testing.T) {
	bus := events.NewMemoryBus()
	o := NewObserver(bus, testMetrics, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	before := testutil.ToFloat64(testMetrics.SnapshotsPromoted)
	require.NoError(t, bus.Publish(context.Background(), mustEnvelope(t, events.KeySnapshotPromoted, "", events.SnapshotPromoted{
		RedisKey: "staging:component:LM358N:ti", MPN: "LM358N", ComponentID: "comp-1", PromotedBy: "ops@partstream.test",
	})))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(testMetrics.SnapshotsPromoted) == before+1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRecordHTTPRequest(t *testing.T) {
	testMetrics.RecordHTTPRequest("GET", "/api/v1/boms", 200, 0.042)
	testMetrics.RecordHTTPRequest("GET", "/api/v1/boms", 200, 0.08)
	testMetrics.RecordHTTPRequest("POST", "/api/v1/boms", 409, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(testMetrics.HTTPRequests.WithLabelValues("GET", "/api/v1/boms", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(testMetrics.HTTPRequests.WithLabelValues("POST", "/api/v1/boms", "409")))
}

func TestHealthReportsProbeStates(t *testing.T) {
	h := NewHealth("partstream-api")

	var sawDeadline bool
	h.Register("postgres", func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	h.Register("redis", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	rep := h.Check(context.Background())
	assert.Equal(t, "degraded", rep.Status)
	assert.Equal(t, "partstream-api", rep.Service)
	assert.Equal(t, "connected", rep.Components["postgres"])
	assert.Equal(t, "error", rep.Components["redis"])
	assert.True(t, sawDeadline, "probes must run under a timeout")

	// Re-registering replaces the probe.
	h.Register("redis", func(ctx context.Context) error { return nil })
	rep = h.Check(context.Background())
	assert.Equal(t, "healthy", rep.Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	h := NewHealth("partstream-api")
	h.Register("postgres", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, "healthy", rep.Status)

	h.Register("postgres", func(ctx context.Context) error { return errors.New("dial timeout") })
	rec = httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
