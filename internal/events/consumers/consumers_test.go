package consumers

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/workflow"
)

type signalCall struct {
	id     string
	sig    workflow.Signal
	actor  string
	reason string
}

// fakeEngine records workflow starts and signals; per-id one-shot errors
// script failure paths.
type fakeEngine struct {
	mu        sync.Mutex
	starts    []workflow.StartOptions
	signals   []signalCall
	startErrs map[string]error
	signalErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{startErrs: make(map[string]error)}
}

func (f *fakeEngine) Start(_ context.Context, opts workflow.StartOptions) (*workflow.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.startErrs[opts.ID]; ok {
		delete(f.startErrs, opts.ID)
		return nil, err
	}
	f.starts = append(f.starts, opts)
	return &workflow.Instance{ID: opts.ID, Kind: opts.Kind, State: workflow.StateRunning}, nil
}

func (f *fakeEngine) Signal(_ context.Context, id string, sig workflow.Signal, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals = append(f.signals, signalCall{id, sig, actor, reason})
	return nil
}

func (f *fakeEngine) failNextStart(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs[id] = err
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeEngine) startAt(i int) workflow.StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func parsedPayload(bomID, orgID string) events.BOMParsed {
	return events.BOMParsed{
		BOMID:          bomID,
		OrganizationID: orgID,
		Source:         "customer",
		BOMName:        "Mainboard Rev 2",
		UploadedBy:     "uploader@acme.test",
		ParsedS3Key:    "parsed/" + orgID + "/" + bomID + ".json",
	}
}

func mustEnvelope(t *testing.T, key, tenantID string, payload interface{}) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(key, tenantID, payload)
	require.NoError(t, err)
	return env
}

func TestBOMConsumerStartsEnrichmentThroughTransport(t *testing.T) {
	bus := events.NewMemoryBus()
	eng := newFakeEngine()
	c := NewBOMConsumer(eng, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	runner := NewRunner(bus, slog.Default())
	runner.Go(ctx, c.Subscription("orchestrator", "test-1"))
	defer func() {
		cancel()
		runner.Wait()
	}()

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond, "consumer must be attached before publishing")

	bomID, orgID := uuid.NewString(), uuid.NewString()
	env := mustEnvelope(t, events.KeyBOMParsed, orgID, parsedPayload(bomID, orgID))
	require.NoError(t, bus.Publish(ctx, env))

	require.Eventually(t, func() bool { return eng.startCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	opts := eng.startAt(0)
	assert.Equal(t, workflow.EnrichmentID(bomID), opts.ID)
	assert.Equal(t, workflow.KindEnrichment, opts.Kind)
	assert.Equal(t, bomID, opts.BOMID)
	assert.Equal(t, orgID, opts.OrganizationID)

	input, ok := opts.Input.(workflow.EnrichmentInput)
	require.True(t, ok)
	assert.Equal(t, "Mainboard Rev 2", input.BOMName)
	assert.Equal(t, "parsed/"+orgID+"/"+bomID+".json", input.ParsedS3Key)
}

func TestBOMConsumerSuppressesRedelivery(t *testing.T) {
	eng := newFakeEngine()
	c := NewBOMConsumer(eng, slog.Default())

	bomID, orgID := uuid.NewString(), uuid.NewString()
	env := mustEnvelope(t, events.KeyBOMParsed, orgID, parsedPayload(bomID, orgID))

	require.NoError(t, c.Handle(context.Background(), env))
	require.NoError(t, c.Handle(context.Background(), env))
	assert.Equal(t, 1, eng.startCount())
}

func TestBOMConsumerDuplicateStartAcked(t *testing.T) {
	eng := newFakeEngine()
	c := NewBOMConsumer(eng, slog.Default())

	bomID, orgID := uuid.NewString(), uuid.NewString()
	eng.failNextStart(workflow.EnrichmentID(bomID),
		fault.Newf(fault.KindConflict, "workflow.start", "enrichment already live"))

	env := mustEnvelope(t, events.KeyBOMParsed, orgID, parsedPayload(bomID, orgID))
	require.NoError(t, c.Handle(context.Background(), env), "conflict must ack, not redeliver")
	assert.Equal(t, 0, eng.startCount())
}

func TestBOMConsumerTransientFailureRedelivers(t *testing.T) {
	eng := newFakeEngine()
	c := NewBOMConsumer(eng, slog.Default())

	bomID, orgID := uuid.NewString(), uuid.NewString()
	eng.failNextStart(workflow.EnrichmentID(bomID),
		fault.Newf(fault.KindTransient, "workflow.start", "lock backend unavailable"))

	env := mustEnvelope(t, events.KeyBOMParsed, orgID, parsedPayload(bomID, orgID))
	require.Error(t, c.Handle(context.Background(), env))

	// The redelivered message must not be swallowed by the duplicate cache.
	require.NoError(t, c.Handle(context.Background(), env))
	assert.Equal(t, 1, eng.startCount())
}

func TestBOMConsumerDropsInvalidPayload(t *testing.T) {
	eng := newFakeEngine()
	c := NewBOMConsumer(eng, slog.Default())

	env := mustEnvelope(t, events.KeyBOMParsed, "org-1", parsedPayload("not-a-uuid", uuid.NewString()))
	require.NoError(t, c.Handle(context.Background(), env), "poison payloads ack away")
	assert.Equal(t, 0, eng.startCount())
}

func TestAdminConsumerAppliesVerbFromRoutingKey(t *testing.T) {
	eng := newFakeEngine()
	c := NewAdminConsumer(eng, slog.Default())
	ctx := context.Background()

	for key, want := range map[string]workflow.Signal{
		events.KeyAdminPause:  workflow.SignalPause,
		events.KeyAdminResume: workflow.SignalResume,
		events.KeyAdminCancel: workflow.SignalCancel,
	} {
		env := mustEnvelope(t, key, "org-1", events.AdminSignal{
			WorkflowID: "bom-enrichment-1", Actor: "ops@partstream.test", Reason: "maintenance",
		})
		require.NoError(t, c.Handle(ctx, env))

		last := eng.signals[len(eng.signals)-1]
		assert.Equal(t, want, last.sig)
		assert.Equal(t, "bom-enrichment-1", last.id)
		assert.Equal(t, "ops@partstream.test", last.actor)
		assert.Equal(t, "maintenance", last.reason)
	}
	assert.Len(t, eng.signals, 3)
}

func TestAdminConsumerDropsUnresolvableSignals(t *testing.T) {
	eng := newFakeEngine()
	eng.signalErr = fault.Newf(fault.KindNotFound, "workflow.get", "workflow wf-nope not found")
	c := NewAdminConsumer(eng, slog.Default())

	env := mustEnvelope(t, events.KeyAdminCancel, "org-1", events.AdminSignal{WorkflowID: "wf-nope"})
	require.NoError(t, c.Handle(context.Background(), env), "nothing a redelivery fixes")
}

func TestComponentConsumerForceKeyOverridesPayload(t *testing.T) {
	eng := newFakeEngine()
	c := NewComponentConsumer(eng, slog.Default())

	env := mustEnvelope(t, events.KeyComponentEnrichForce, "org-1", events.ComponentEnrichRequest{
		MPN: "LM358N", Manufacturer: "Texas Instruments",
	})
	require.NoError(t, c.Handle(context.Background(), env))

	require.Equal(t, 1, eng.startCount())
	opts := eng.startAt(0)
	assert.Equal(t, workflow.KindSingleComponent, opts.Kind)
	assert.True(t, strings.HasPrefix(opts.ID, "single-component-LM358N-"))
	assert.Equal(t, 1, opts.Total)
	assert.Equal(t, "org-1", opts.OrganizationID, "tenant falls back to the envelope")

	input, ok := opts.Input.(workflow.SingleInput)
	require.True(t, ok)
	assert.True(t, input.Force, "the force key implies a refresh")
	assert.Equal(t, "Texas Instruments", input.Manufacturer)
}

func TestComponentConsumerBatchIteratesSerially(t *testing.T) {
	eng := newFakeEngine()
	c := NewComponentConsumer(eng, slog.Default())

	orgID := uuid.NewString()
	env := mustEnvelope(t, events.KeyComponentEnrichBatch, orgID, events.ComponentEnrichBatch{
		OrganizationID: orgID,
		RequestedBy:    "staff@partstream.test",
		Items: []events.ComponentEnrichRequest{
			{MPN: "LM358N"},
			{MPN: "NE555P"},
		},
	})

	begun := time.Now()
	require.NoError(t, c.Handle(context.Background(), env))

	assert.GreaterOrEqual(t, time.Since(begun), batchItemDelay, "items are spaced, not burst")
	require.Equal(t, 2, eng.startCount())

	second, ok := eng.startAt(1).Input.(workflow.SingleInput)
	require.True(t, ok)
	assert.Equal(t, "NE555P", second.MPN)
	assert.Equal(t, orgID, second.OrganizationID, "items inherit the batch organization")
	assert.Equal(t, "staff@partstream.test", second.RequestedBy)
}

func TestComponentConsumerDropsEmptyBatch(t *testing.T) {
	eng := newFakeEngine()
	c := NewComponentConsumer(eng, slog.Default())

	env := mustEnvelope(t, events.KeyComponentEnrichBatch, "org-1", events.ComponentEnrichBatch{})
	require.NoError(t, c.Handle(context.Background(), env))
	assert.Equal(t, 0, eng.startCount())
}
