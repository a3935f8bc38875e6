package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
)

// SingleComponentWorkflow enriches one part outside any BOM: same lock, same
// supplier sweep, same routing, no line rows and no audit evidence. Force
// skips the catalog short-circuit so stale data can be refreshed on demand.
type SingleComponentWorkflow struct {
	prefilter CatalogPrefilter
	gateway   SupplierSearcher
	applier   DecisionApplier
	locker    locks.Locker
	publisher events.Publisher
	filler    GapFiller
	logger    *slog.Logger
}

func NewSingleComponentWorkflow(
	prefilter CatalogPrefilter,
	gateway SupplierSearcher,
	applier DecisionApplier,
	locker locks.Locker,
	publisher events.Publisher,
	logger *slog.Logger,
) *SingleComponentWorkflow {
	return &SingleComponentWorkflow{
		prefilter: prefilter,
		gateway:   gateway,
		applier:   applier,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With("component", "single-component-workflow"),
	}
}

// SetGapFiller installs an optional AI gap filler consulted after
// normalization. Nil disables gap filling.
func (w *SingleComponentWorkflow) SetGapFiller(f GapFiller) { w.filler = f }

func (w *SingleComponentWorkflow) Kind() string           { return KindSingleComponent }
func (w *SingleComponentWorkflow) Timeout() time.Duration { return SingleComponentTimeout }

func (w *SingleComponentWorkflow) Execute(ctx context.Context, run *Run) (string, error) {
	var in SingleInput
	if err := run.DecodeInput(&in); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "workflow.single", err)
	}
	pacing := run.Pacing()
	key := catalog.Key{MPN: in.MPN, Manufacturer: in.Manufacturer}

	if !in.Force {
		if hits, err := w.prefilter.BulkLookup(ctx, []catalog.Key{key}, pacing.QualityThreshold); err == nil {
			if c, ok := hits[key]; ok {
				w.publishEnriched(ctx, &in, c.Manufacturer, enrich.SourceCatalog, c.QualityScore, string(enrich.RouteCatalog))
				w.logger.Info("✅ Component answered from catalog", "mpn", in.MPN, "component_id", c.ID)
				return StateCompleted, nil
			}
		}
	}

	lease, err := w.locker.Acquire(ctx, locks.ComponentKey(in.MPN), lineLockTTL, deferredLockWait)
	if errors.Is(err, locks.ErrNotAcquired) {
		ferr := fault.Newf(fault.KindConflict, "workflow.single",
			"component %s locked by a concurrent enrichment", in.MPN)
		w.publishFailed(ctx, &in, ferr.Error())
		return "", ferr
	}
	if err != nil {
		return "", err
	}
	defer lease.Release(ctx)

	// The part may have landed while we queued for the lock.
	if !in.Force {
		if hits, herr := w.prefilter.BulkLookup(ctx, []catalog.Key{key}, pacing.QualityThreshold); herr == nil {
			if c, ok := hits[key]; ok {
				w.publishEnriched(ctx, &in, c.Manufacturer, enrich.SourceCatalog, c.QualityScore, string(enrich.RouteCatalog))
				return StateCompleted, nil
			}
		}
	}

	outcome, err := w.gateway.Search(ctx, in.MPN, in.Manufacturer, pacing.ConfidenceThreshold)
	now := time.Now().UTC()
	if err != nil || outcome == nil || outcome.Result == nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		reason := "no supplier recognized the part"
		if err != nil {
			reason = err.Error()
		}
		w.publishFailed(ctx, &in, reason)
		return "", fault.Newf(fault.KindPermanent, "workflow.single", "%s", reason)
	}

	comp := enrich.Normalize(in.MPN, in.Manufacturer, outcome.Result, now)
	if w.filler != nil {
		if by := w.filler.Fill(ctx, comp); by != "" {
			comp.EnrichedBy = append(comp.EnrichedBy, by)
		}
	}
	score := enrich.Score(comp, 0)
	comp.QualityScore = score.Total
	dec := enrich.Decide(score, pacing.QualityThreshold, pacing.PromoteThreshold)

	if _, err := w.applier.Apply(ctx, comp, dec, "", "", pacing.SnapshotTTL()); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		w.publishFailed(ctx, &in, err.Error())
		return "", fmt.Errorf("route %s: %w", dec.Route, err)
	}

	run.Event(ctx, EventStage, map[string]interface{}{
		"stage": "enriched", "supplier": comp.Source, "score": comp.QualityScore, "route": string(dec.Route),
	})
	w.publishEnriched(ctx, &in, comp.Manufacturer, comp.Source, comp.QualityScore, string(dec.Route))
	w.logger.Info("✅ Component enriched",
		"mpn", in.MPN, "supplier", comp.Source, "score", comp.QualityScore, "route", dec.Route)
	return StateCompleted, nil
}

func (w *SingleComponentWorkflow) publishEnriched(ctx context.Context, in *SingleInput, manufacturer, supplier string, score float64, route string) {
	if manufacturer == "" {
		manufacturer = in.Manufacturer
	}
	env, err := events.NewEnvelope(events.KeyComponentEnriched, in.OrganizationID, events.ComponentOutcome{
		MPN:          in.MPN,
		Manufacturer: manufacturer,
		Supplier:     supplier,
		QualityScore: score,
		Route:        route,
	})
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("component enriched publish failed", "mpn", in.MPN, "error", perr)
	}
}

func (w *SingleComponentWorkflow) publishFailed(ctx context.Context, in *SingleInput, reason string) {
	env, err := events.NewEnvelope(events.KeyComponentFailed, in.OrganizationID, events.ComponentOutcome{
		MPN:          in.MPN,
		Manufacturer: in.Manufacturer,
		Error:        reason,
	})
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("component failed publish failed", "mpn", in.MPN, "error", perr)
	}
}
