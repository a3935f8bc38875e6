package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
)

const (
	// lineLockTTL bounds how long one activity may hold a part; the lock
	// covers the supplier call plus the catalog transaction.
	lineLockTTL = 2 * time.Minute

	// lineLockWait is the first-pass wait; a line that cannot get its part
	// lock in time is deferred to the end of the batch rather than failed.
	lineLockWait     = 3 * time.Second
	deferredLockWait = 15 * time.Second

	// activityTimeout is the per-line start-to-close bound.
	activityTimeout = 2 * time.Minute

	// coordinator steps retry transient database errors this many times
	// before the workflow is declared failed.
	coordinatorAttempts = 3
)

// AuditLabel derives the finalized-CSV label from the BOM name and the run
// start date.
func AuditLabel(name string, t time.Time) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ' || r == '.':
			return '-'
		default:
			return -1
		}
	}, name)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "bom"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("%s-%s", slug, t.Format("20060102"))
}

// EnrichmentWorkflow is the per-BOM pipeline: verify the parsed snapshot,
// skip lines the catalog already answers, enrich the rest in paced batches
// behind per-part locks, then finalize the audit trail.
type EnrichmentWorkflow struct {
	boms      LineStore
	prefilter CatalogPrefilter
	gateway   SupplierSearcher
	applier   DecisionApplier
	evidence  EvidenceWriter
	finalizer EvidenceFinalizer
	uploads   UploadChecker
	locker    locks.Locker
	publisher events.Publisher
	filler    GapFiller
	logger    *slog.Logger
}

func NewEnrichmentWorkflow(
	boms LineStore,
	prefilter CatalogPrefilter,
	gateway SupplierSearcher,
	applier DecisionApplier,
	evidence EvidenceWriter,
	finalizer EvidenceFinalizer,
	uploads UploadChecker,
	locker locks.Locker,
	publisher events.Publisher,
	logger *slog.Logger,
) *EnrichmentWorkflow {
	return &EnrichmentWorkflow{
		boms:      boms,
		prefilter: prefilter,
		gateway:   gateway,
		applier:   applier,
		evidence:  evidence,
		finalizer: finalizer,
		uploads:   uploads,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With("component", "enrichment-workflow"),
	}
}

// SetGapFiller installs an optional AI gap filler consulted after
// normalization. Nil disables gap filling.
func (w *EnrichmentWorkflow) SetGapFiller(f GapFiller) { w.filler = f }

func (w *EnrichmentWorkflow) Kind() string           { return KindEnrichment }
func (w *EnrichmentWorkflow) Timeout() time.Duration { return EnrichmentTimeout }

func (w *EnrichmentWorkflow) Execute(ctx context.Context, run *Run) (string, error) {
	var in EnrichmentInput
	if err := run.DecodeInput(&in); err != nil {
		return "", fault.Wrap(fault.KindPermanent, "workflow.enrichment", err)
	}
	pacing := run.Pacing()

	run.OnPause = func(ctx context.Context) {
		if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusPaused); err != nil {
			w.logger.Warn("bom pause status update failed", "bom_id", in.BOMID, "error", err)
		}
		w.publishAck(ctx, events.KeyWorkflowPaused, run.ID(), &in, StatePaused)
	}
	run.OnResume = func(ctx context.Context) {
		if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusEnriching); err != nil {
			w.logger.Warn("bom resume status update failed", "bom_id", in.BOMID, "error", err)
		}
		w.publishAck(ctx, events.KeyWorkflowResumed, run.ID(), &in, StateRunning)
	}

	// Stage 1: verify inputs before any supplier budget is spent.
	b, lines, err := w.verify(ctx, &in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		w.failRun(run, &in, err)
		return "", err
	}
	if in.Label == "" {
		in.Label = AuditLabel(b.Name, run.Instance.StartedAt)
	}
	run.Event(ctx, EventStage, map[string]interface{}{"stage": "verify", "lines": len(lines), "label": in.Label})

	if err := w.boms.RecordEnrichmentEvent(ctx, &bom.EnrichmentEvent{
		BOMID:          in.BOMID,
		OrganizationID: in.OrganizationID,
		WorkflowID:     run.ID(),
		State:          bom.EventStarted,
		Source:         in.Source,
		Total:          len(lines),
	}); err != nil {
		w.logger.Warn("started event record failed", "bom_id", in.BOMID, "error", err)
	}
	if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusEnriching); err != nil {
		w.failRun(run, &in, err)
		return "", err
	}

	if pacing.AuditEnabled {
		if err := w.evidence.WriteOriginalCSV(ctx, in.BOMID, in.Label, lines); err != nil {
			w.logger.Warn("⚠️ Audit trail degraded: original CSV write failed",
				"bom_id", in.BOMID, "error", err)
			run.Event(ctx, EventStage, map[string]interface{}{"stage": "audit_original", "degraded": true})
		}
	}

	// Stage 2: one catalog sweep answers everything already known.
	counters := w.currentCounters(ctx, &in, len(lines))
	if err := w.prefilterPass(ctx, run, &in, pacing, &counters); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		w.failRun(run, &in, err)
		return "", err
	}

	// Stages 3-5: paced batches of per-line activities with a pause barrier
	// between them.
	pending, err := w.boms.PendingLineItems(ctx, in.BOMID)
	if err != nil {
		w.failRun(run, &in, err)
		return "", err
	}

	cancelled := false
	batch := 0
	for start := 0; start < len(pending); start += pacing.BatchSize {
		cont, berr := run.Barrier(ctx)
		if berr != nil {
			return "", berr
		}
		if !cont {
			cancelled = true
			break
		}

		end := start + pacing.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		enriched, failed, berr := w.runBatch(ctx, run, &in, pacing, pending[start:end])
		if berr != nil {
			return "", berr
		}
		counters.Enriched += enriched
		counters.Failed += failed
		batch++

		if cerr := run.Checkpoint(ctx, batch, counters); cerr != nil {
			w.logger.Warn("checkpoint failed", "workflow_id", run.ID(), "error", cerr)
		}
		w.publishProgress(ctx, run, &in, counters)

		if pacing.DelaysEnabled && end < len(pending) {
			if serr := run.Sleep(ctx, pacing.BatchDelay()); serr != nil {
				return "", serr
			}
		}
	}

	if cancelled {
		return w.cancelRun(ctx, run, &in, pacing, counters)
	}

	// Stage 6: finalize evidence and land the terminal state.
	return w.completeRun(ctx, run, &in, pacing, batch)
}

// verify confirms the parsed snapshot and the line rows agree before work
// starts. Transient database errors are retried; a genuine mismatch is
// permanent.
func (w *EnrichmentWorkflow) verify(ctx context.Context, in *EnrichmentInput) (*bom.BOM, []bom.LineItem, error) {
	var b *bom.BOM
	err := w.retryStep(ctx, func() error {
		var gerr error
		b, gerr = w.boms.GetBOMUnscoped(ctx, in.BOMID)
		return gerr
	})
	if err != nil {
		return nil, nil, err
	}

	key := in.ParsedS3Key
	if key == "" {
		key = audit.ParsedSnapshotKey(in.OrganizationID, in.BOMID)
	}
	ok, err := w.uploads.Exists(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fault.Newf(fault.KindPermanent, "workflow.verify",
			"parsed snapshot %s missing from object storage", key)
	}

	var lines []bom.LineItem
	err = w.retryStep(ctx, func() error {
		var gerr error
		lines, gerr = w.boms.LineItemsUnscoped(ctx, in.BOMID)
		return gerr
	})
	if err != nil {
		return nil, nil, err
	}
	if len(lines) != b.TotalItems {
		return nil, nil, fault.Newf(fault.KindPermanent, "workflow.verify",
			"bom %s has %d line rows but total_items %d", in.BOMID, len(lines), b.TotalItems)
	}
	return b, lines, nil
}

// prefilterPass enriches every pending line the catalog already answers
// with a fresh, production-quality row.
func (w *EnrichmentWorkflow) prefilterPass(ctx context.Context, run *Run, in *EnrichmentInput, pacing Pacing, counters *Counters) error {
	pending, err := w.boms.PendingLineItems(ctx, in.BOMID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	seen := make(map[catalog.Key]bool, len(pending))
	keys := make([]catalog.Key, 0, len(pending))
	for _, li := range pending {
		k := catalog.Key{MPN: li.MPN, Manufacturer: li.Manufacturer}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	hits, err := w.prefilter.BulkLookup(ctx, keys, pacing.QualityThreshold)
	if err != nil {
		// The pre-filter is an optimization; per-line enrichment still
		// answers everything when it is unavailable.
		w.logger.Warn("catalog pre-filter unavailable", "bom_id", in.BOMID, "error", err)
		return nil
	}

	matched := 0
	for _, li := range pending {
		c, ok := hits[catalog.Key{MPN: li.MPN, Manufacturer: li.Manufacturer}]
		if !ok {
			continue
		}
		if err := w.applyFromCatalog(ctx, in, pacing, li, c); err != nil {
			w.logger.Warn("catalog pre-filter apply failed",
				"bom_id", in.BOMID, "line_id", li.ID, "mpn", li.MPN, "error", err)
			continue
		}
		matched++
		counters.Enriched++
	}

	if matched > 0 {
		w.logger.Info("✅ Catalog pre-filter matched lines",
			"bom_id", in.BOMID, "matched", matched, "of", len(pending))
		if err := run.Checkpoint(ctx, 0, *counters); err != nil {
			w.logger.Warn("checkpoint failed", "workflow_id", run.ID(), "error", err)
		}
		w.publishProgress(ctx, run, in, *counters)
	}
	run.Event(ctx, EventStage, map[string]interface{}{"stage": "prefilter", "matched": matched})
	return nil
}

// lineOutcome is the verdict of one per-line activity.
type lineOutcome struct {
	line        bom.LineItem
	status      string
	deferred    bool
	interrupted bool
}

// runBatch executes one batch of concurrent per-line activities. Launches
// are staggered by the per-component delay; lines that lost the per-part
// lock race get one serial retry at the end of the batch.
func (w *EnrichmentWorkflow) runBatch(ctx context.Context, run *Run, in *EnrichmentInput, pacing Pacing, batch []bom.LineItem) (enriched, failed int, err error) {
	results := make(chan lineOutcome, len(batch))
	var wg sync.WaitGroup

	for i := range batch {
		if i > 0 && pacing.DelaysEnabled {
			if serr := run.Sleep(ctx, pacing.ComponentDelay()); serr != nil {
				break
			}
		}
		wg.Add(1)
		go func(li bom.LineItem) {
			defer wg.Done()
			results <- w.enrichLine(ctx, in, pacing, li, lineLockWait)
		}(batch[i])
	}
	wg.Wait()
	close(results)

	var deferred []bom.LineItem
	for out := range results {
		switch {
		case out.interrupted:
		case out.deferred:
			deferred = append(deferred, out.line)
		case out.status == bom.LineEnriched:
			enriched++
		default:
			failed++
		}
	}

	for _, li := range deferred {
		out := w.enrichLine(ctx, in, pacing, li, deferredLockWait)
		switch {
		case out.interrupted:
		case out.deferred:
			w.failLine(ctx, in, pacing, li, "component lock held beyond deferred wait", nil)
			failed++
		case out.status == bom.LineEnriched:
			enriched++
		default:
			failed++
		}
	}

	return enriched, failed, ctx.Err()
}

// enrichLine is the per-line activity: lock the part, re-check the catalog,
// sweep the suppliers, normalize, score, route, persist, audit, publish.
// Interrupted activities leave their line pending so recovery replays them.
func (w *EnrichmentWorkflow) enrichLine(ctx context.Context, in *EnrichmentInput, pacing Pacing, li bom.LineItem, lockWait time.Duration) lineOutcome {
	out := lineOutcome{line: li}
	if ctx.Err() != nil {
		out.interrupted = true
		return out
	}

	lease, err := w.locker.Acquire(ctx, locks.ComponentKey(li.MPN), lineLockTTL, lockWait)
	if errors.Is(err, locks.ErrNotAcquired) {
		out.deferred = true
		return out
	}
	if err != nil {
		if ctx.Err() != nil {
			out.interrupted = true
			return out
		}
		w.failLine(ctx, in, pacing, li, fmt.Sprintf("component lock: %v", err), nil)
		out.status = bom.LineFailed
		return out
	}
	defer lease.Release(ctx)

	actx, cancel := context.WithTimeout(ctx, activityTimeout)
	defer cancel()

	// A concurrent line may have landed this part while we queued for the
	// lock; the catalog answer is cheaper than a supplier sweep.
	key := catalog.Key{MPN: li.MPN, Manufacturer: li.Manufacturer}
	if hits, herr := w.prefilter.BulkLookup(actx, []catalog.Key{key}, pacing.QualityThreshold); herr == nil {
		if c, ok := hits[key]; ok {
			if aerr := w.applyFromCatalog(actx, in, pacing, li, c); aerr != nil {
				w.failLine(actx, in, pacing, li, fmt.Sprintf("catalog apply: %v", aerr), nil)
				out.status = bom.LineFailed
				return out
			}
			out.status = bom.LineEnriched
			return out
		}
	}

	outcome, err := w.gateway.Search(actx, li.MPN, li.Manufacturer, pacing.ConfidenceThreshold)
	now := time.Now().UTC()
	if err != nil || outcome == nil || outcome.Result == nil {
		if ctx.Err() != nil {
			out.interrupted = true
			return out
		}
		reason := "no supplier recognized the part"
		var supplierErrs map[string]string
		if outcome != nil {
			supplierErrs = outcome.Errors
		}
		if err != nil {
			reason = err.Error()
		}
		w.failLine(actx, in, pacing, li, reason, supplierErrs)
		out.status = bom.LineFailed
		return out
	}

	comp := enrich.Normalize(li.MPN, li.Manufacturer, outcome.Result, now)
	if w.filler != nil {
		if by := w.filler.Fill(actx, comp); by != "" {
			comp.EnrichedBy = append(comp.EnrichedBy, by)
		}
	}
	score := enrich.Score(comp, 0)
	comp.QualityScore = score.Total
	dec := enrich.Decide(score, pacing.QualityThreshold, pacing.PromoteThreshold)

	res, err := w.applier.Apply(actx, comp, dec, li.ID, in.BOMID, pacing.SnapshotTTL())
	if err != nil {
		if ctx.Err() != nil {
			out.interrupted = true
			return out
		}
		w.failLine(actx, in, pacing, li, fmt.Sprintf("route %s: %v", dec.Route, err), outcome.Errors)
		out.status = bom.LineFailed
		return out
	}

	if err := w.boms.ApplyLineUpdate(actx, lineUpdateFrom(li, comp, res)); err != nil {
		w.logger.Warn("❌ Line update failed after routing",
			"bom_id", in.BOMID, "line_id", li.ID, "mpn", li.MPN, "error", err)
		out.status = bom.LineFailed
		return out
	}

	if pacing.AuditEnabled {
		rec := audit.LineRecord{
			BOMID:  in.BOMID,
			LineID: li.ID,
			Vendor: audit.VendorDoc{
				LineID:          li.ID,
				BOMID:           in.BOMID,
				MPN:             li.MPN,
				Manufacturer:    li.Manufacturer,
				Supplier:        outcome.Supplier,
				MatchConfidence: outcome.Result.MatchConfidence,
				RawPayload:      outcome.Result.RawPayload,
				SupplierErrors:  outcome.Errors,
			},
			Normalized: audit.NormalizedDoc{LineID: li.ID, BOMID: in.BOMID, Component: comp},
			Summary:    w.summaryFor(in, li, outcome.Supplier, outcome.Result.MatchConfidence, outcome.MeetsThreshold, dec, outcome.Errors, now),
		}
		if aerr := w.evidence.WriteLineObjects(actx, rec); aerr != nil {
			w.logger.Warn("⚠️ Audit trail degraded",
				"bom_id", in.BOMID, "line_id", li.ID, "error", aerr)
		}
	}

	w.publishOutcome(actx, events.KeyComponentEnriched, in, li, events.ComponentOutcome{
		Manufacturer: comp.Manufacturer,
		Supplier:     comp.Source,
		QualityScore: comp.QualityScore,
		Route:        string(dec.Route),
	})

	out.status = bom.LineEnriched
	return out
}

// failLine marks a line failed and leaves the evidence trail explaining why.
// Failed lines never fail the workflow.
func (w *EnrichmentWorkflow) failLine(ctx context.Context, in *EnrichmentInput, pacing Pacing, li bom.LineItem, reason string, supplierErrs map[string]string) {
	w.logger.Warn("❌ Line enrichment failed",
		"bom_id", in.BOMID, "line_id", li.ID, "mpn", li.MPN, "reason", reason)

	if err := w.boms.MarkLineStatus(ctx, li.ID, bom.LineFailed, ""); err != nil {
		w.logger.Warn("line status update failed", "line_id", li.ID, "error", err)
	}

	if pacing.AuditEnabled {
		dec := enrich.Decision{Reason: reason}
		rec := audit.LineRecord{
			BOMID:  in.BOMID,
			LineID: li.ID,
			Vendor: audit.VendorDoc{
				LineID:         li.ID,
				BOMID:          in.BOMID,
				MPN:            li.MPN,
				Manufacturer:   li.Manufacturer,
				SupplierErrors: supplierErrs,
			},
			Summary: w.summaryFor(in, li, "", 0, false, dec, supplierErrs, time.Now().UTC()),
		}
		if aerr := w.evidence.WriteLineObjects(ctx, rec); aerr != nil {
			w.logger.Warn("⚠️ Audit trail degraded",
				"bom_id", in.BOMID, "line_id", li.ID, "error", aerr)
		}
	}

	w.publishOutcome(ctx, events.KeyComponentFailed, in, li, events.ComponentOutcome{
		Manufacturer: li.Manufacturer,
		Error:        reason,
	})
}

// applyFromCatalog enriches a line from an existing catalog row: same line
// update, evidence and events as the supplier path, no supplier budget.
func (w *EnrichmentWorkflow) applyFromCatalog(ctx context.Context, in *EnrichmentInput, pacing Pacing, li bom.LineItem, c *catalog.Component) error {
	comp := c.Normalized()
	if err := w.boms.ApplyLineUpdate(ctx, lineUpdateFrom(li, comp, catalog.UpsertResult{ComponentID: c.ID})); err != nil {
		return err
	}

	if pacing.AuditEnabled {
		dec := enrich.Decision{
			Route:  enrich.RouteCatalog,
			Score:  enrich.Breakdown{Total: c.QualityScore},
			Reason: "catalog pre-filter hit",
		}
		dec.Thresholds.Catalog = pacing.QualityThreshold
		dec.Thresholds.Promote = pacing.PromoteThreshold

		raw, _ := json.Marshal(c)
		rec := audit.LineRecord{
			BOMID:  in.BOMID,
			LineID: li.ID,
			Vendor: audit.VendorDoc{
				LineID:          li.ID,
				BOMID:           in.BOMID,
				MPN:             li.MPN,
				Manufacturer:    li.Manufacturer,
				Supplier:        enrich.SourceCatalog,
				MatchConfidence: 1,
				RawPayload:      raw,
			},
			Normalized: audit.NormalizedDoc{LineID: li.ID, BOMID: in.BOMID, Component: comp},
			Summary:    w.summaryFor(in, li, enrich.SourceCatalog, 1, true, dec, nil, time.Now().UTC()),
		}
		if aerr := w.evidence.WriteLineObjects(ctx, rec); aerr != nil {
			w.logger.Warn("⚠️ Audit trail degraded",
				"bom_id", in.BOMID, "line_id", li.ID, "error", aerr)
		}
	}

	w.publishOutcome(ctx, events.KeyComponentEnriched, in, li, events.ComponentOutcome{
		Manufacturer: comp.Manufacturer,
		Supplier:     enrich.SourceCatalog,
		QualityScore: c.QualityScore,
		Route:        string(enrich.RouteCatalog),
	})
	return nil
}

// cancelRun is the graceful termination path: the current batch has already
// completed, never-scheduled lines become skipped, and the evidence that
// exists is still finalized.
func (w *EnrichmentWorkflow) cancelRun(ctx context.Context, run *Run, in *EnrichmentInput, pacing Pacing, counters Counters) (string, error) {
	pending, err := w.boms.PendingLineItems(ctx, in.BOMID)
	if err == nil {
		for _, li := range pending {
			if merr := w.boms.MarkLineStatus(ctx, li.ID, bom.LineSkipped, ""); merr != nil {
				w.logger.Warn("skip mark failed", "line_id", li.ID, "error", merr)
				continue
			}
			counters.Skipped++
		}
	}
	if cerr := run.Checkpoint(ctx, run.Instance.NextBatch, counters); cerr != nil {
		w.logger.Warn("checkpoint failed", "workflow_id", run.ID(), "error", cerr)
	}

	w.finalizeEvidence(ctx, run, in, pacing)

	if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusCancelled); err != nil {
		w.logger.Warn("bom cancel status update failed", "bom_id", in.BOMID, "error", err)
	}
	if err := w.boms.RecordEnrichmentEvent(ctx, &bom.EnrichmentEvent{
		BOMID:          in.BOMID,
		OrganizationID: in.OrganizationID,
		WorkflowID:     run.ID(),
		State:          bom.StatusCancelled,
		Source:         in.Source,
		Enriched:       counters.Enriched,
		Failed:         counters.Failed,
		Skipped:        counters.Skipped,
		Total:          counters.Total,
		PercentComplete: percent(counters),
	}); err != nil {
		w.logger.Warn("cancel event record failed", "bom_id", in.BOMID, "error", err)
	}

	w.publishAck(ctx, events.KeyWorkflowCancelled, run.ID(), in, StateCancelled)
	w.logger.Info("🛑 Enrichment cancelled",
		"bom_id", in.BOMID, "enriched", counters.Enriched, "skipped", counters.Skipped)
	return StateCancelled, nil
}

// completeRun finalizes evidence, reconciles counters against the line rows
// and lands the terminal state.
func (w *EnrichmentWorkflow) completeRun(ctx context.Context, run *Run, in *EnrichmentInput, pacing Pacing, batches int) (string, error) {
	var prog bom.Progress
	err := w.retryStep(ctx, func() error {
		var gerr error
		prog, gerr = w.boms.BOMProgress(ctx, in.BOMID)
		return gerr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		w.failRun(run, in, err)
		return "", err
	}
	counters := Counters{Enriched: prog.Enriched, Failed: prog.Failed, Skipped: prog.Skipped, Total: prog.Total}
	if cerr := run.Checkpoint(ctx, batches, counters); cerr != nil {
		w.logger.Warn("checkpoint failed", "workflow_id", run.ID(), "error", cerr)
	}

	w.finalizeEvidence(ctx, run, in, pacing)

	if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusCompleted); err != nil {
		w.failRun(run, in, err)
		return "", err
	}
	if err := w.boms.RecordEnrichmentEvent(ctx, &bom.EnrichmentEvent{
		BOMID:           in.BOMID,
		OrganizationID:  in.OrganizationID,
		WorkflowID:      run.ID(),
		State:           bom.StatusCompleted,
		Source:          in.Source,
		Enriched:        counters.Enriched,
		Failed:          counters.Failed,
		Skipped:         counters.Skipped,
		Total:           counters.Total,
		PercentComplete: percent(counters),
	}); err != nil {
		w.logger.Warn("completed event record failed", "bom_id", in.BOMID, "error", err)
	}

	w.publishTerminal(ctx, events.KeyEnrichmentCompleted, run, in, bom.StatusCompleted, counters, "")
	w.logger.Info("✅ Enrichment completed",
		"bom_id", in.BOMID, "enriched", counters.Enriched, "failed", counters.Failed, "total", counters.Total)
	return StateCompleted, nil
}

// finalizeEvidence folds the per-line objects into the finalized CSVs. A
// finalization failure degrades the trail, it never fails the workflow.
func (w *EnrichmentWorkflow) finalizeEvidence(ctx context.Context, run *Run, in *EnrichmentInput, pacing Pacing) {
	if !pacing.AuditEnabled {
		return
	}
	files, err := w.finalizer.Finalize(ctx, in.BOMID, in.Label)
	if err != nil {
		w.logger.Warn("⚠️ Audit finalization incomplete", "bom_id", in.BOMID, "error", err)
		run.Event(ctx, EventStage, map[string]interface{}{"stage": "finalize", "degraded": true, "error": err.Error()})
	}
	if len(files) == 0 {
		return
	}
	run.Event(ctx, EventStage, map[string]interface{}{"stage": "finalize", "files": files})

	env, eerr := events.NewEnvelope(events.KeyAuditReady, in.OrganizationID, events.AuditReady{
		BOMID: in.BOMID,
		Label: in.Label,
		Files: files,
	})
	if eerr == nil {
		if perr := w.publisher.Publish(ctx, env); perr != nil {
			w.logger.Warn("audit_ready publish failed", "bom_id", in.BOMID, "error", perr)
		}
	}
}

// failRun moves the BOM to failed and tells the tenant. Runs on its own
// context because the run context may already be dead.
func (w *EnrichmentWorkflow) failRun(run *Run, in *EnrichmentInput, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.logger.Error("❌ Enrichment workflow failing", "bom_id", in.BOMID, "error", cause)
	if err := w.boms.SetBOMStatus(ctx, in.BOMID, bom.StatusFailed); err != nil {
		w.logger.Warn("bom failed status update failed", "bom_id", in.BOMID, "error", err)
	}

	counters := w.currentCounters(ctx, in, 0)
	if err := w.boms.RecordEnrichmentEvent(ctx, &bom.EnrichmentEvent{
		BOMID:           in.BOMID,
		OrganizationID:  in.OrganizationID,
		WorkflowID:      run.ID(),
		State:           bom.StatusFailed,
		Source:          in.Source,
		Enriched:        counters.Enriched,
		Failed:          counters.Failed,
		Skipped:         counters.Skipped,
		Total:           counters.Total,
		PercentComplete: percent(counters),
	}); err != nil {
		w.logger.Warn("failed event record failed", "bom_id", in.BOMID, "error", err)
	}

	w.publishTerminal(ctx, events.KeyEnrichmentFailed, run, in, bom.StatusFailed, counters, cause.Error())
}

// currentCounters re-derives the tally from the line rows, so recovered
// runs resume with truthful numbers.
func (w *EnrichmentWorkflow) currentCounters(ctx context.Context, in *EnrichmentInput, fallbackTotal int) Counters {
	prog, err := w.boms.BOMProgress(ctx, in.BOMID)
	if err != nil {
		return Counters{Total: fallbackTotal}
	}
	return Counters{Enriched: prog.Enriched, Failed: prog.Failed, Skipped: prog.Skipped, Total: prog.Total}
}

func (w *EnrichmentWorkflow) publishProgress(ctx context.Context, run *Run, in *EnrichmentInput, c Counters) {
	if err := w.boms.RecordEnrichmentEvent(ctx, &bom.EnrichmentEvent{
		BOMID:           in.BOMID,
		OrganizationID:  in.OrganizationID,
		WorkflowID:      run.ID(),
		State:           bom.EventProgress,
		Source:          in.Source,
		Enriched:        c.Enriched,
		Failed:          c.Failed,
		Skipped:         c.Skipped,
		Total:           c.Total,
		PercentComplete: percent(c),
	}); err != nil {
		w.logger.Warn("progress event record failed", "bom_id", in.BOMID, "error", err)
	}

	env, err := events.NewEnvelope(events.KeyEnrichmentProgress, in.OrganizationID, events.EnrichmentProgress{
		BOMID:           in.BOMID,
		WorkflowID:      run.ID(),
		PercentComplete: percent(c),
		Enriched:        c.Enriched,
		Failed:          c.Failed,
		Skipped:         c.Skipped,
		Total:           c.Total,
	})
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("progress publish failed", "bom_id", in.BOMID, "error", perr)
	}
}

func (w *EnrichmentWorkflow) publishTerminal(ctx context.Context, key string, run *Run, in *EnrichmentInput, state string, c Counters, errMsg string) {
	env, err := events.NewEnvelope(key, in.OrganizationID, events.EnrichmentTerminal{
		BOMID:      in.BOMID,
		WorkflowID: run.ID(),
		State:      state,
		Enriched:   c.Enriched,
		Failed:     c.Failed,
		Skipped:    c.Skipped,
		Total:      c.Total,
		Percent:    percent(c),
		Error:      errMsg,
	})
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("terminal publish failed", "bom_id", in.BOMID, "key", key, "error", perr)
	}
}

func (w *EnrichmentWorkflow) publishAck(ctx context.Context, key, workflowID string, in *EnrichmentInput, state string) {
	env, err := events.NewEnvelope(key, in.OrganizationID, events.WorkflowSignalAck{
		WorkflowID: workflowID,
		BOMID:      in.BOMID,
		State:      state,
	})
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("signal ack publish failed", "workflow_id", workflowID, "key", key, "error", perr)
	}
}

func (w *EnrichmentWorkflow) publishOutcome(ctx context.Context, key string, in *EnrichmentInput, li bom.LineItem, p events.ComponentOutcome) {
	p.BOMID = in.BOMID
	p.LineID = li.ID
	p.MPN = li.MPN
	if p.Manufacturer == "" {
		p.Manufacturer = li.Manufacturer
	}
	env, err := events.NewEnvelope(key, in.OrganizationID, p)
	if err != nil {
		return
	}
	if perr := w.publisher.Publish(ctx, env); perr != nil {
		w.logger.Warn("component outcome publish failed", "line_id", li.ID, "key", key, "error", perr)
	}
}

func (w *EnrichmentWorkflow) summaryFor(in *EnrichmentInput, li bom.LineItem, supplier string, confidence float64, meets bool, dec enrich.Decision, supplierErrs map[string]string, now time.Time) enrich.Summary {
	return enrich.Summary{
		LineID:          li.ID,
		BOMID:           in.BOMID,
		MPN:             li.MPN,
		Manufacturer:    li.Manufacturer,
		Supplier:        supplier,
		MatchConfidence: confidence,
		MeetsThreshold:  meets,
		Decision:        dec,
		SupplierErrors:  supplierErrs,
		EnrichedAt:      now.Format(time.RFC3339),
	}
}

// retryStep retries a coordinator database step on transient errors before
// giving up and failing the workflow.
func (w *EnrichmentWorkflow) retryStep(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < coordinatorAttempts; attempt++ {
		if err = fn(); err == nil || !fault.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return err
}

func percent(c Counters) float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Enriched+c.Failed+c.Skipped) / float64(c.Total) * 100
}

// lineUpdateFrom maps a normalized component onto the line-item columns.
func lineUpdateFrom(li bom.LineItem, comp *enrich.Component, res catalog.UpsertResult) bom.LineUpdate {
	u := bom.LineUpdate{
		ID:               li.ID,
		EnrichmentStatus: bom.LineEnriched,
		EnrichmentSource: comp.Source,
		LifecycleStatus:  comp.LifecycleStatus,
		DatasheetURL:     comp.DatasheetURL,
	}
	if res.ComponentID != "" {
		id := res.ComponentID
		u.ComponentID = &id
	}
	if len(comp.Parameters) > 0 {
		u.Specifications, _ = json.Marshal(comp.Parameters)
	}
	if comp.UnitPrice > 0 || comp.Availability > 0 {
		u.Pricing, _ = json.Marshal(map[string]interface{}{
			"unit_price":   comp.UnitPrice,
			"currency":     comp.Currency,
			"availability": comp.Availability,
		})
	}
	compliance := make(map[string]interface{})
	if comp.RoHSCompliant != nil {
		compliance["rohs"] = *comp.RoHSCompliant
	}
	if comp.ReachCompliant != nil {
		compliance["reach"] = *comp.ReachCompliant
	}
	if len(compliance) > 0 {
		u.ComplianceStatus, _ = json.Marshal(compliance)
	}
	return u
}
