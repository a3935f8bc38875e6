package monitoring

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/partstream/backend/internal/circuitbreaker"
	"github.com/partstream/backend/internal/events"
)

const breakerPollInterval = 15 * time.Second

// BreakerSource exposes circuit breaker snapshots. The supplier gateway
// satisfies it.
type BreakerSource interface {
	BreakerStats() map[string]circuitbreaker.Stats
}

// Observer tails the in-process bus and turns envelope traffic into metric
// updates. Everything worth measuring about a workflow already crosses the
// bus, so no producing package needs a Metrics handle.
type Observer struct {
	bus      *events.MemoryBus
	metrics  *Metrics
	breakers BreakerSource
	logger   *slog.Logger
}

// NewObserver wires the observer to the local bus. breakers may be nil when
// no supplier gateway is running.
func NewObserver(bus *events.MemoryBus, m *Metrics, breakers BreakerSource, logger *slog.Logger) *Observer {
	return &Observer{
		bus:      bus,
		metrics:  m,
		breakers: breakers,
		logger:   logger.With("component", "monitoring"),
	}
}

// Run consumes bus traffic and polls breaker state until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	ch, cancel := o.bus.Chan("#")
	defer cancel()

	ticker := time.NewTicker(breakerPollInterval)
	defer ticker.Stop()

	o.logger.Info("📈 Metrics observer attached")
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			o.observe(env)
		case <-ticker.C:
			o.pollBreakers()
		}
	}
}

func (o *Observer) observe(env *events.Envelope) {
	o.metrics.RecordEvent(events.StreamFor(env.RoutingKey))

	switch env.RoutingKey {
	case events.KeyComponentEnriched:
		var p events.ComponentOutcome
		if env.Decode(&p) == nil {
			o.metrics.RecordLineOutcome("enriched", p.Supplier, p.Route, p.QualityScore)
		}

	case events.KeyComponentFailed:
		var p events.ComponentOutcome
		if env.Decode(&p) == nil {
			o.metrics.RecordLineOutcome("failed", p.Supplier, p.Route, 0)
		}

	case events.KeyEnrichmentCompleted, events.KeyEnrichmentFailed:
		var p events.EnrichmentTerminal
		if env.Decode(&p) == nil && p.State != "" {
			o.metrics.RecordWorkflowFinished(p.State)
		}

	case events.KeyWorkflowPaused, events.KeyWorkflowResumed, events.KeyWorkflowCancelled:
		o.metrics.RecordSignal(strings.TrimPrefix(env.RoutingKey, "admin.workflow."))
		// Cancellation is the one terminal state without its own
		// customer.bom.* event, the ack stands in for it.
		if env.RoutingKey == events.KeyWorkflowCancelled {
			o.metrics.RecordWorkflowFinished("cancelled")
		}

	case events.KeySnapshotPromoted:
		o.metrics.SnapshotsPromoted.Inc()

	case events.KeyAuditReady:
		o.metrics.AuditReports.Inc()

	default:
		if strings.HasPrefix(env.RoutingKey, "enrichment.api.") && strings.HasSuffix(env.RoutingKey, "_called") {
			var p events.SupplierCalled
			if env.Decode(&p) == nil && p.Supplier != "" {
				o.metrics.RecordSupplierCall(p.Supplier, p.Success, float64(p.DurationMs)/1000)
			}
		}
	}
}

func (o *Observer) pollBreakers() {
	if o.breakers == nil {
		return
	}
	for name, st := range o.breakers.BreakerStats() {
		o.metrics.UpdateBreakerState(name, st.State)
	}
}
