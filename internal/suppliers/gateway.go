package suppliers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/partstream/backend/internal/circuitbreaker"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/pkg/plugins"
)

// SearchOutcome is the gateway's verdict for one component lookup.
//
// Result may be sub-threshold: when no supplier clears the confidence bar the
// best candidate is still returned with MeetsThreshold false, so routing can
// judge it by quality instead of discarding it outright.
type SearchOutcome struct {
	Result         *Result           `json:"result,omitempty"`
	Supplier       string            `json:"supplier,omitempty"`
	MeetsThreshold bool              `json:"meets_threshold"`
	Attempted      []string          `json:"attempted"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// Gateway fans component lookups across registered supplier adapters in
// priority order. Each adapter runs behind its own scheduler.
type Gateway struct {
	registry  *plugins.Registry[Adapter]
	breakers  *circuitbreaker.Manager
	settings  *config.Resolver
	ledger    UsageLedger
	publisher events.Publisher
	logger    *slog.Logger

	mu         sync.RWMutex
	schedulers map[string]*Scheduler
}

func NewGateway(settings *config.Resolver, ledger UsageLedger, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:   plugins.NewRegistry[Adapter]("supplier"),
		breakers:   circuitbreaker.NewManager(nil),
		settings:   settings,
		ledger:     ledger,
		logger:     logger.With("component", "supplier-gateway"),
		schedulers: make(map[string]*Scheduler),
	}
}

// SetPublisher attaches the bus used for enrichment.api.{supplier}_called
// audit events. Optional; a nil publisher disables emission.
func (g *Gateway) SetPublisher(p events.Publisher) { g.publisher = p }

// Register adds an adapter and builds its scheduler. Breaker thresholds and
// the retry budget come from the settings store at registration time.
func (g *Gateway) Register(ctx context.Context, adapter Adapter) error {
	if err := g.registry.Register(adapter); err != nil {
		return err
	}

	st := g.settings.Current(ctx)
	cfg := circuitbreaker.DefaultConfig(adapter.Name())
	cfg.FailureThreshold = uint32(st.CircuitFailureThreshold)
	cfg.SuccessThreshold = uint32(st.CircuitSuccessThreshold)
	cfg.Cooldown = st.CircuitTimeout
	cfg.IsFailure = fault.Retryable
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		g.logger.Warn("🔀 Supplier breaker state change",
			"supplier", name, "from", from.String(), "to", to.String())
	}

	retry := DefaultRetryPolicy()
	retry.MaxAttempts = st.RetryMaxAttempts

	breaker := g.breakers.GetOrCreate(adapter.Name(), cfg)
	sched := NewScheduler(adapter, breaker, retry, g.ledger, g.logger)

	g.mu.Lock()
	g.schedulers[adapter.Name()] = sched
	g.mu.Unlock()

	g.logger.Info("🔌 Supplier adapter registered",
		"supplier", adapter.Name(), "priority", adapter.Priority(), "rate_per_min", adapter.RatePerMinute())
	return nil
}

// RegisterFromConfig wires up the stock adapters that have credentials.
func (g *Gateway) RegisterFromConfig(ctx context.Context, cfg config.SuppliersConfig) error {
	if cfg.Mouser.Enabled && cfg.Mouser.APIKey != "" {
		if err := g.Register(ctx, NewMouserAdapter(cfg.Mouser)); err != nil {
			return err
		}
	}
	if cfg.DigiKey.Enabled && cfg.DigiKey.ClientID != "" {
		if err := g.Register(ctx, NewDigiKeyAdapter(cfg.DigiKey)); err != nil {
			return err
		}
	}
	if cfg.Element14.Enabled && cfg.Element14.APIKey != "" {
		if err := g.Register(ctx, NewElement14Adapter(cfg.Element14)); err != nil {
			return err
		}
	}
	if g.registry.Count() == 0 {
		g.logger.Warn("⚠️ No supplier adapters configured, enrichment will find nothing")
	}
	return nil
}

// SetAvailable flips an adapter in or out of the selection rotation without
// unregistering it.
func (g *Gateway) SetAvailable(name string, ok bool, detail string) {
	g.registry.SetAvailable(name, ok, detail)
}

// Adapters lists registered adapters with availability info.
func (g *Gateway) Adapters() []plugins.Info { return g.registry.List() }

// BreakerStats exposes per-supplier breaker snapshots for monitoring.
func (g *Gateway) BreakerStats() map[string]circuitbreaker.Stats { return g.breakers.Snapshot() }

// Usage reports recorded call volume, empty supplier means all.
func (g *Gateway) Usage(ctx context.Context, supplier string, sinceMinutes int) ([]UsageSample, error) {
	if sinceMinutes <= 0 {
		sinceMinutes = 60
	}
	since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	return g.ledger.Report(ctx, supplier, since)
}

func (g *Gateway) scheduler(name string) *Scheduler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.schedulers[name]
}

// Search tries suppliers in priority order until one clears minConfidence.
// Supplier errors are collected per name rather than aborting the sweep; an
// error is returned only when every attempted supplier failed outright.
func (g *Gateway) Search(ctx context.Context, mpn, manufacturer string, minConfidence float64) (*SearchOutcome, error) {
	outcome := &SearchOutcome{Errors: make(map[string]string)}
	var best *Result
	sawRetryable := false

	for _, adapter := range g.registry.InOrder() {
		sched := g.scheduler(adapter.Name())
		if sched == nil {
			continue
		}
		outcome.Attempted = append(outcome.Attempted, adapter.Name())

		start := time.Now()
		res, err := sched.Search(ctx, mpn, manufacturer)
		g.publishCalled(ctx, adapter.Name(), mpn, time.Since(start), err == nil)
		if err != nil {
			outcome.Errors[adapter.Name()] = err.Error()
			if fault.Retryable(err) {
				sawRetryable = true
			}
			g.logger.Warn("🔍 Supplier search failed",
				"supplier", adapter.Name(), "mpn", mpn, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if res.MatchConfidence >= minConfidence {
			outcome.Result = res
			outcome.Supplier = res.Supplier
			outcome.MeetsThreshold = true
			g.logger.Debug("✅ Supplier match",
				"supplier", res.Supplier, "mpn", mpn, "confidence", res.MatchConfidence)
			return outcome, nil
		}
		if res.MatchConfidence > 0 && (best == nil || res.MatchConfidence > best.MatchConfidence) {
			best = res
		}
	}

	if best != nil {
		outcome.Result = best
		outcome.Supplier = best.Supplier
		g.logger.Debug("🤏 Best sub-threshold match",
			"supplier", best.Supplier, "mpn", mpn, "confidence", best.MatchConfidence)
		return outcome, nil
	}

	if len(outcome.Attempted) > 0 && len(outcome.Errors) == len(outcome.Attempted) {
		// A single transient member keeps the whole sweep retryable.
		kind := fault.KindPermanent
		if sawRetryable {
			kind = fault.KindTransient
		}
		return outcome, fault.Newf(kind, "suppliers.gateway",
			"all suppliers failed for %s: %v", mpn, outcome.Errors)
	}

	// Every supplier answered but none recognized the part.
	return outcome, nil
}

// publishCalled emits the per-call audit event rate-limit reviews consume.
// These are platform events, no tenant is attached.
func (g *Gateway) publishCalled(ctx context.Context, supplier, mpn string, elapsed time.Duration, success bool) {
	if g.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.SupplierCalledKey(supplier), "", events.SupplierCalled{
		Supplier:   supplier,
		MPN:        mpn,
		DurationMs: elapsed.Milliseconds(),
		Success:    success,
	})
	if err != nil {
		return
	}
	if perr := g.publisher.Publish(ctx, env); perr != nil {
		g.logger.Debug("supplier call event publish failed", "supplier", supplier, "error", perr)
	}
}

// HealthCheck probes each registered adapter and updates availability.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, adapter := range g.registry.All() {
		sched := g.scheduler(adapter.Name())
		if sched == nil {
			continue
		}
		err := sched.HealthCheck(ctx)
		results[adapter.Name()] = err
		if err != nil {
			g.registry.SetAvailable(adapter.Name(), false, err.Error())
		} else {
			g.registry.SetAvailable(adapter.Name(), true, "")
		}
	}
	return results
}
