// Package tests wires the real engine, bus, gateway and audit trail together
// and drives a BOM from the parsed announcement to the finalized evidence,
// the way the deployed binary runs them. Only the Postgres-backed stores are
// faked; everything else is the production code path.
package tests

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/events/consumers"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
	"github.com/partstream/backend/internal/suppliers"
	"github.com/partstream/backend/internal/workflow"
)

// ---- Postgres stand-ins ---------------------------------------------------

// memInstanceStore mirrors the workflow repository semantics: conflict on a
// duplicate id, not-found on a missing one, terminal rows immune to Finish.
type memInstanceStore struct {
	mu        sync.Mutex
	instances map[string]*workflow.Instance
}

func newMemInstanceStore() *memInstanceStore {
	return &memInstanceStore{instances: map[string]*workflow.Instance{}}
}

func (s *memInstanceStore) Create(_ context.Context, in *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; ok {
		return fault.Newf(fault.KindConflict, "workflow.create", "workflow %s already exists", in.ID)
	}
	if in.State == "" {
		in.State = workflow.StateRunning
	}
	now := time.Now().UTC()
	in.StartedAt = now
	in.HeartbeatAt = now
	cp := *in
	s.instances[in.ID] = &cp
	return nil
}

func (s *memInstanceStore) Get(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "workflow.get", "workflow %s not found", id)
	}
	cp := *in
	return &cp, nil
}

func (s *memInstanceStore) ListActive(context.Context) ([]workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.Instance
	for _, in := range s.instances {
		if in.State == workflow.StateRunning || in.State == workflow.StatePaused {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (s *memInstanceStore) MarkPauseRequested(_ context.Context, id string, want bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return fault.Newf(fault.KindNotFound, "workflow.mark_pause", "workflow %s not found", id)
	}
	in.PauseRequested = want
	return nil
}

func (s *memInstanceStore) MarkCancelRequested(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return fault.Newf(fault.KindNotFound, "workflow.mark_cancel", "workflow %s not found", id)
	}
	in.CancelRequested = true
	return nil
}

func (s *memInstanceStore) SetState(_ context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[id]; ok {
		in.State = state
		in.HeartbeatAt = time.Now().UTC()
	}
	return nil
}

func (s *memInstanceStore) SaveCheckpoint(_ context.Context, id string, nextBatch int, c workflow.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[id]; ok {
		in.NextBatch = nextBatch
		in.Enriched, in.Failed, in.Skipped, in.Total = c.Enriched, c.Failed, c.Skipped, c.Total
		in.HeartbeatAt = time.Now().UTC()
	}
	return nil
}

func (s *memInstanceStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[id]; ok {
		in.HeartbeatAt = time.Now().UTC()
	}
	return nil
}

func (s *memInstanceStore) Finish(_ context.Context, id, state, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok || (in.State != workflow.StateRunning && in.State != workflow.StatePaused) {
		return nil
	}
	in.State = state
	in.LastError = lastError
	now := time.Now().UTC()
	in.FinishedAt = &now
	return nil
}

func (s *memInstanceStore) AppendEvent(context.Context, string, string, interface{}) error {
	return nil
}

func (s *memInstanceStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *memInstanceStore) state(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[id]; ok {
		return in.State
	}
	return ""
}

func (s *memInstanceStore) counters(id string) workflow.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.instances[id]; ok {
		return workflow.Counters{Enriched: in.Enriched, Failed: in.Failed, Skipped: in.Skipped, Total: in.Total}
	}
	return workflow.Counters{}
}

// memLineStore is the BOM repository slice a running workflow touches.
type memLineStore struct {
	mu    sync.Mutex
	bom   *bom.BOM
	lines []bom.LineItem
}

func (s *memLineStore) GetBOMUnscoped(_ context.Context, id string) (*bom.BOM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bom == nil || s.bom.ID != id {
		return nil, fault.Newf(fault.KindNotFound, "bom.get", "bom %s not found", id)
	}
	cp := *s.bom
	return &cp, nil
}

func (s *memLineStore) SetBOMStatus(_ context.Context, _, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bom.Status = status
	return nil
}

func (s *memLineStore) LineItemsUnscoped(_ context.Context, _ string) ([]bom.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bom.LineItem(nil), s.lines...), nil
}

func (s *memLineStore) PendingLineItems(_ context.Context, _ string) ([]bom.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bom.LineItem
	for _, l := range s.lines {
		if l.EnrichmentStatus == bom.LinePending {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memLineStore) ApplyLineUpdate(_ context.Context, u bom.LineUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lines {
		if s.lines[i].ID == u.ID {
			s.lines[i].EnrichmentStatus = u.EnrichmentStatus
			s.lines[i].EnrichmentSource = u.EnrichmentSource
			s.lines[i].ComponentID = u.ComponentID
			s.lines[i].LifecycleStatus = u.LifecycleStatus
		}
	}
	return nil
}

func (s *memLineStore) MarkLineStatus(_ context.Context, lineID, status, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lines {
		if s.lines[i].ID == lineID {
			s.lines[i].EnrichmentStatus = status
			if source != "" {
				s.lines[i].EnrichmentSource = source
			}
		}
	}
	return nil
}

func (s *memLineStore) BOMProgress(context.Context, string) (bom.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p bom.Progress
	for _, l := range s.lines {
		switch l.EnrichmentStatus {
		case bom.LinePending:
			p.Pending++
		case bom.LineEnriched:
			p.Enriched++
		case bom.LineFailed:
			p.Failed++
		case bom.LineSkipped:
			p.Skipped++
		}
		p.Total++
	}
	return p, nil
}

func (s *memLineStore) RecordEnrichmentEvent(context.Context, *bom.EnrichmentEvent) error {
	return nil
}

func (s *memLineStore) bomStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bom.Status
}

func (s *memLineStore) lineStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l.EnrichmentStatus)
	}
	return out
}

// emptyPrefilter never has a catalog answer, forcing every line through the
// supplier gateway.
type emptyPrefilter struct{}

func (emptyPrefilter) BulkLookup(_ context.Context, _ []catalog.Key, _ float64) (map[catalog.Key]*catalog.Component, error) {
	return map[catalog.Key]*catalog.Component{}, nil
}

// recordingApplier captures routed components instead of writing Postgres
// and Redis.
type recordingApplier struct {
	mu      sync.Mutex
	applied []enrich.Decision
	mpns    []string
}

func (a *recordingApplier) Apply(_ context.Context, c *enrich.Component, d enrich.Decision, _, _ string, _ time.Duration) (catalog.UpsertResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, d)
	a.mpns = append(a.mpns, c.MPN)
	return catalog.UpsertResult{ComponentID: uuid.NewString()}, nil
}

func (a *recordingApplier) decisions() []enrich.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]enrich.Decision(nil), a.applied...)
}

// stubAdapter is a healthy vendor that knows every part with high
// confidence and full descriptive data.
type stubAdapter struct {
	mu    sync.Mutex
	calls int
}

func (s *stubAdapter) Name() string       { return "stubvendor" }
func (s *stubAdapter) Priority() int      { return 1 }
func (s *stubAdapter) RatePerMinute() int { return 6000 }

func (s *stubAdapter) Search(_ context.Context, mpn, manufacturer string) (*suppliers.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	rohs := true
	reach := true
	return &suppliers.Result{
		Supplier:        "stubvendor",
		MPN:             mpn,
		Manufacturer:    manufacturer,
		Category:        "Integrated Circuits",
		Description:     "General purpose component " + mpn,
		UnitPrice:       0.42,
		Currency:        "USD",
		Availability:    12000,
		LifecycleStatus: "Active",
		DatasheetURL:    "https://vendor.example/ds/" + mpn + ".pdf",
		ImageURL:        "https://vendor.example/img/" + mpn + ".jpg",
		Parameters:      map[string]string{"Package": "SOIC-8", "Mounting": "SMT"},
		MatchConfidence: 0.95,
		RoHSCompliant:   &rohs,
		ReachCompliant:  &reach,
	}, nil
}

func (s *stubAdapter) HealthCheck(context.Context) error { return nil }

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ---- helpers --------------------------------------------------------------

func testLines(bomID string, parts [][2]string) []bom.LineItem {
	out := make([]bom.LineItem, 0, len(parts))
	for i, p := range parts {
		out = append(out, bom.LineItem{
			ID:               uuid.NewString(),
			BOMID:            bomID,
			LineNumber:       i + 1,
			MPN:              p[0],
			Manufacturer:     p[1],
			EnrichmentStatus: bom.LinePending,
		})
	}
	return out
}

func awaitEnvelope(t *testing.T, ch <-chan *events.Envelope, key string, timeout time.Duration) *events.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-ch:
			if env.RoutingKey == key {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", key)
			return nil
		}
	}
}

func awaitObject(t *testing.T, store *audit.MemoryStore, key string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := store.Exists(context.Background(), key)
		require.NoError(t, err)
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("object %s never appeared", key)
}

// ---- the test -------------------------------------------------------------

// TestPipeline_ParsedBOMToFinalizedEvidence drives the whole enrichment
// path: a bom.parsed announcement starts the workflow through the consumer,
// every line is answered by the supplier gateway, routed to the catalog,
// audited per line, and the finalized CSVs plus the field diff land in the
// object store. A duplicate announcement must not start a second run.
func TestPipeline_ParsedBOMToFinalizedEvidence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.Default()

	orgID := uuid.NewString()
	bomID := uuid.NewString()
	parsedKey := audit.ParsedSnapshotKey(orgID, bomID)

	lines := testLines(bomID, [][2]string{
		{"LM358N", "Texas Instruments"},
		{"STM32F407VGT6", "STMicroelectronics"},
		{"NE555P", "Texas Instruments"},
	})
	lineStore := &memLineStore{
		bom: &bom.BOM{
			ID:             bomID,
			OrganizationID: orgID,
			Name:           "Mainboard Rev 2",
			Source:         bom.SourceCustomer,
			Status:         bom.StatusParsed,
			TotalItems:     len(lines),
			ParsedS3Key:    parsedKey,
		},
		lines: lines,
	}

	// Runtime settings: small batches, no pacing delays, default thresholds.
	settings := config.NewResolver(config.StaticSource{
		config.KeyBatchSize:     "2",
		config.KeyDelaysEnabled: "false",
	})

	objects := audit.NewMemoryStore()
	require.NoError(t, objects.Put(ctx, parsedKey, []byte(`{"line_items":3}`), "application/json"))

	lockStore := locks.NewMemoryStore()
	bus := events.NewMemoryBus()

	ledger := suppliers.NewMemoryLedger()
	gateway := suppliers.NewGateway(settings, ledger, logger)
	gateway.SetPublisher(bus)
	adapter := &stubAdapter{}
	require.NoError(t, gateway.Register(ctx, adapter))

	applier := &recordingApplier{}
	instances := newMemInstanceStore()

	engine := workflow.NewEngine(instances, lockStore, settings, logger)
	wf := workflow.NewEnrichmentWorkflow(
		lineStore, emptyPrefilter{}, gateway, applier,
		audit.NewSink(objects), audit.NewFinalizer(objects), objects,
		lockStore, bus, logger,
	)
	engine.RegisterDefinition(wf)

	runner := consumers.NewRunner(bus, logger)
	bomConsumer := consumers.NewBOMConsumer(engine, logger)
	diffConsumer := consumers.NewFieldDiffConsumer(audit.NewFieldDiff(objects), logger)
	runner.Go(ctx,
		bomConsumer.Subscription("e2e", "worker-1"),
		diffConsumer.Subscription("e2e", "worker-1"),
	)

	done, stop := bus.Chan(events.KeyEnrichmentCompleted, events.KeyAuditReady)
	defer stop()

	parsed := events.BOMParsed{
		BOMID:          bomID,
		OrganizationID: orgID,
		Source:         bom.SourceCustomer,
		BOMName:        "Mainboard Rev 2",
		UploadedBy:     "buyer@example.com",
		ParsedS3Key:    parsedKey,
	}
	env, err := events.NewEnvelope(events.KeyBOMParsed, orgID, parsed)
	require.NoError(t, err)
	// The memory bus drops envelopes with no matching subscriber, so wait
	// for both consumer loops to attach (the done channel is the third
	// subscription) before announcing the BOM.
	for bus.SubscriberCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, bus.Publish(ctx, env))

	// Finalized evidence is announced before the terminal event.
	ready := awaitEnvelope(t, done, events.KeyAuditReady, 15*time.Second)
	awaitEnvelope(t, done, events.KeyEnrichmentCompleted, 15*time.Second)

	var audited events.AuditReady
	require.NoError(t, ready.Decode(&audited))
	assert.Equal(t, bomID, audited.BOMID)
	assert.NotEmpty(t, audited.Label)
	assert.NotEmpty(t, audited.Files)

	// Every line went through the gateway once and landed in the catalog.
	wfID := workflow.EnrichmentID(bomID)
	assert.Eventually(t, func() bool {
		return instances.state(wfID) == workflow.StateCompleted
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, adapter.callCount())
	decisions := applier.decisions()
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.Equal(t, enrich.RouteCatalog, d.Route)
	}
	counters := instances.counters(wfID)
	assert.Equal(t, 3, counters.Enriched)
	assert.Zero(t, counters.Failed)

	assert.Equal(t, bom.StatusCompleted, lineStore.bomStatus())
	for _, st := range lineStore.lineStatuses() {
		assert.Equal(t, bom.LineEnriched, st)
	}

	// Per-line evidence: three comparison summaries, three vendor docs.
	summaries, err := objects.List(ctx, audit.ObjectPrefix(bomID, audit.KindComparisonSummary))
	require.NoError(t, err)
	assert.Len(t, summaries, 3)
	vendors, err := objects.List(ctx, audit.ObjectPrefix(bomID, audit.KindVendorResponses))
	require.NoError(t, err)
	assert.Len(t, vendors, 3)

	// Finalized CSVs for every kind, plus the original upload snapshot.
	for _, kind := range audit.Kinds {
		awaitObject(t, objects, audit.FinalCSVKey(bomID, kind, audited.Label), 5*time.Second)
	}
	awaitObject(t, objects, audit.OriginalCSVKey(bomID, audited.Label), 5*time.Second)

	// The field-diff consumer reacts to audit_ready with the change report.
	awaitObject(t, objects, audit.FieldDiffKey(bomID, audited.Label), 10*time.Second)
	diff, err := objects.Get(ctx, audit.FieldDiffKey(bomID, audited.Label))
	require.NoError(t, err)
	assert.Contains(t, string(diff), "LM358N")

	// A second announcement for the same BOM is a duplicate: the instance id
	// is deterministic, so the store rejects it and nothing new starts.
	dup, err := events.NewEnvelope(events.KeyBOMParsed, orgID, parsed)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, dup))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, instances.count())
	assert.Equal(t, workflow.StateCompleted, instances.state(wfID))
	assert.Equal(t, 3, adapter.callCount())

	cancel()
	runner.Wait()
	require.NoError(t, engine.Shutdown(context.Background()))
}

// TestPipeline_PauseHoldsBetweenBatches signals a running enrichment to
// pause at the batch barrier and verifies resume finishes the remaining
// lines without repeating any supplier call.
func TestPipeline_PauseHoldsBetweenBatches(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	orgID := uuid.NewString()
	bomID := uuid.NewString()
	parsedKey := audit.ParsedSnapshotKey(orgID, bomID)

	lines := testLines(bomID, [][2]string{
		{"LM358N", "Texas Instruments"},
		{"STM32F407VGT6", "STMicroelectronics"},
		{"NE555P", "Texas Instruments"},
		{"ATMEGA328P-PU", "Microchip"},
	})
	lineStore := &memLineStore{
		bom: &bom.BOM{
			ID: bomID, OrganizationID: orgID, Name: "Sensor Hub",
			Source: bom.SourceCustomer, Status: bom.StatusParsed,
			TotalItems: len(lines), ParsedS3Key: parsedKey,
		},
		lines: lines,
	}

	settings := config.NewResolver(config.StaticSource{
		config.KeyBatchSize:           "1",
		config.KeyDelaysEnabled:       "true",
		config.KeyDelayPerBatchMs:     "150",
		config.KeyDelayPerComponentMs: "0",
	})

	objects := audit.NewMemoryStore()
	require.NoError(t, objects.Put(ctx, parsedKey, []byte(`{"line_items":4}`), "application/json"))

	lockStore := locks.NewMemoryStore()
	bus := events.NewMemoryBus()
	gateway := suppliers.NewGateway(settings, suppliers.NewMemoryLedger(), logger)
	adapter := &stubAdapter{}
	require.NoError(t, gateway.Register(ctx, adapter))

	applier := &recordingApplier{}
	instances := newMemInstanceStore()
	engine := workflow.NewEngine(instances, lockStore, settings, logger)
	wf := workflow.NewEnrichmentWorkflow(
		lineStore, emptyPrefilter{}, gateway, applier,
		audit.NewSink(objects), audit.NewFinalizer(objects), objects,
		lockStore, bus, logger,
	)
	engine.RegisterDefinition(wf)

	paused, stopPaused := bus.Chan(events.KeyWorkflowPaused)
	defer stopPaused()
	done, stopDone := bus.Chan(events.KeyEnrichmentCompleted)
	defer stopDone()

	in := workflow.EnrichmentInput{
		BOMID: bomID, OrganizationID: orgID, Source: bom.SourceCustomer,
		BOMName: "Sensor Hub", ParsedS3Key: parsedKey,
	}
	inst, err := engine.Start(ctx, workflow.StartOptions{
		ID: workflow.EnrichmentID(bomID), Kind: workflow.KindEnrichment,
		BOMID: bomID, OrganizationID: orgID, Total: len(lines), Input: in,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Signal(ctx, inst.ID, workflow.SignalPause, "ops@example.com", "supplier maintenance"))
	awaitEnvelope(t, paused, events.KeyWorkflowPaused, 10*time.Second)
	assert.Equal(t, workflow.StatePaused, instances.state(inst.ID))
	callsAtPause := adapter.callCount()
	assert.Less(t, callsAtPause, len(lines))

	// Paused means paused: no supplier traffic while the barrier holds.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, callsAtPause, adapter.callCount())

	require.NoError(t, engine.Signal(ctx, inst.ID, workflow.SignalResume, "ops@example.com", "maintenance done"))
	awaitEnvelope(t, done, events.KeyEnrichmentCompleted, 15*time.Second)

	assert.Eventually(t, func() bool {
		return instances.state(inst.ID) == workflow.StateCompleted
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, len(lines), adapter.callCount())
	assert.Equal(t, bom.StatusCompleted, lineStore.bomStatus())

	require.NoError(t, engine.Shutdown(context.Background()))
}
