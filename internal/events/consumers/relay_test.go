package consumers

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
)

type fakeEmitter struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (f *fakeEmitter) Emit(env *events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
}

func (f *fakeEmitter) Shutdown() {}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type diffCall struct {
	bomID string
	label string
}

type fakeDiffer struct {
	mu    sync.Mutex
	calls []diffCall
	err   error
}

func (f *fakeDiffer) Build(_ context.Context, bomID, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return "", err
	}
	f.calls = append(f.calls, diffCall{bomID, label})
	return "audit/" + bomID + "/field_diff-" + label + ".csv", nil
}

func (f *fakeDiffer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestAuditTrailRelaysToWebhooksAndLocalBus(t *testing.T) {
	emitter := &fakeEmitter{}
	local := events.NewMemoryBus()
	defer local.Close()

	ch, cancel := local.Chan("customer.#")
	defer cancel()

	c := NewAuditTrailConsumer(emitter, local, slog.Default())
	env := mustEnvelope(t, events.KeyEnrichmentProgress, "org-1", events.EnrichmentProgress{BOMID: "bom-1", PercentComplete: 25})

	require.NoError(t, c.Handle(context.Background(), env))

	assert.Equal(t, 1, emitter.count())
	select {
	case got := <-ch:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("local bus never saw the relayed envelope")
	}
}

func TestAuditTrailSuppressesRedeliveredEnvelopes(t *testing.T) {
	emitter := &fakeEmitter{}
	c := NewAuditTrailConsumer(emitter, nil, slog.Default())

	env := mustEnvelope(t, events.KeyEnrichmentCompleted, "org-1", events.EnrichmentTerminal{BOMID: "bom-1", State: "completed"})
	require.NoError(t, c.Handle(context.Background(), env))
	require.NoError(t, c.Handle(context.Background(), env))

	assert.Equal(t, 1, emitter.count(), "a redelivered envelope relays once")
}

func TestAuditTrailToleratesNilSinks(t *testing.T) {
	c := NewAuditTrailConsumer(nil, nil, slog.Default())
	env := mustEnvelope(t, events.KeyAuditReady, "org-1", events.AuditReady{BOMID: "bom-1", Label: "board-20250612"})
	require.NoError(t, c.Handle(context.Background(), env))
}

func TestFieldDiffConsumerBuildsReport(t *testing.T) {
	differ := &fakeDiffer{}
	c := NewFieldDiffConsumer(differ, slog.Default())

	env := mustEnvelope(t, events.KeyAuditReady, "org-1", events.AuditReady{
		BOMID: "bom-1", Label: "mainboard-20250612",
		Files: []string{"audit/bom-1/vendor_data-mainboard-20250612.csv"},
	})
	require.NoError(t, c.Handle(context.Background(), env))

	require.Equal(t, 1, differ.callCount())
	assert.Equal(t, diffCall{"bom-1", "mainboard-20250612"}, differ.calls[0])
}

func TestFieldDiffConsumerDropsIncompletePayload(t *testing.T) {
	differ := &fakeDiffer{}
	c := NewFieldDiffConsumer(differ, slog.Default())

	env := mustEnvelope(t, events.KeyAuditReady, "org-1", events.AuditReady{BOMID: "bom-1"})
	require.NoError(t, c.Handle(context.Background(), env))
	assert.Equal(t, 0, differ.callCount())
}

func TestFieldDiffConsumerRetryableFailureRedelivers(t *testing.T) {
	differ := &fakeDiffer{err: fault.Newf(fault.KindTransient, "audit.field_diff", "s3 unavailable")}
	c := NewFieldDiffConsumer(differ, slog.Default())

	env := mustEnvelope(t, events.KeyAuditReady, "org-1", events.AuditReady{BOMID: "bom-1", Label: "board-20250612"})
	require.Error(t, c.Handle(context.Background(), env))

	require.NoError(t, c.Handle(context.Background(), env), "redelivery lands after the outage clears")
	assert.Equal(t, 1, differ.callCount())
}

func TestFieldDiffConsumerPermanentFailureAcks(t *testing.T) {
	differ := &fakeDiffer{err: fault.Newf(fault.KindPermanent, "audit.field_diff", "original CSV has no line_id column")}
	c := NewFieldDiffConsumer(differ, slog.Default())

	env := mustEnvelope(t, events.KeyAuditReady, "org-1", events.AuditReady{BOMID: "bom-1", Label: "board-20250612"})
	require.NoError(t, c.Handle(context.Background(), env), "permanent failures never redeliver")
}
