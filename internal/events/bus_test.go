package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, key string) *Envelope {
	t.Helper()
	env, err := NewEnvelope(key, "org-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	return env
}

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	bomCh, cancelBOM := bus.Chan("customer.bom.*")
	defer cancelBOM()
	allCh, cancelAll := bus.Chan()
	defer cancelAll()

	require.NoError(t, bus.Publish(context.Background(), mustEnvelope(t, KeyEnrichmentProgress)))
	require.NoError(t, bus.Publish(context.Background(), mustEnvelope(t, KeyComponentEnriched)))

	select {
	case env := <-bomCh:
		assert.Equal(t, KeyEnrichmentProgress, env.RoutingKey)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive its event")
	}
	select {
	case env := <-bomCh:
		t.Fatalf("filtered subscriber received %s", env.RoutingKey)
	default:
	}

	assert.Len(t, drain(allCh), 2, "unfiltered subscriber sees everything")
}

func drain(ch <-chan *Envelope) []*Envelope {
	var out []*Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestMemoryBusCancelRemovesSubscription(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, cancel := bus.Chan("bom.*")
	assert.Equal(t, 1, bus.SubscriberCount())
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestMemoryBusPublishNeverBlocks(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Chan()
	defer cancel()

	// Nobody reads; publishing far past the buffer must not deadlock.
	for i := 0; i < 300; i++ {
		require.NoError(t, bus.Publish(context.Background(), mustEnvelope(t, KeyComponentEnriched)))
	}
	assert.LessOrEqual(t, len(drain(ch)), 128)
}

func TestMemoryBusConsumeDispatchesHandler(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- bus.Consume(ctx, Subscription{
			Group:    "test",
			Patterns: []string{KeyBOMParsed},
			Handler: func(_ context.Context, env *Envelope) error {
				got <- env
				return nil
			},
		})
	}()

	// Subscription registration races the publish; retry until delivered.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, bus.Publish(context.Background(), mustEnvelope(t, KeyBOMParsed)))
		select {
		case env := <-got:
			assert.Equal(t, KeyBOMParsed, env.RoutingKey)
			cancel()
			assert.ErrorIs(t, <-done, context.Canceled)
			return
		case <-deadline:
			t.Fatal("handler never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTeePublishesToAllTargets(t *testing.T) {
	a, b := NewMemoryBus(), NewMemoryBus()
	defer a.Close()
	defer b.Close()
	achn, acancel := a.Chan()
	defer acancel()
	bchn, bcancel := b.Chan()
	defer bcancel()

	tee := NewTee(a, failingPublisher{}, b)
	err := tee.Publish(context.Background(), mustEnvelope(t, KeyEnrichmentCompleted))
	require.Error(t, err, "first failure surfaces")

	assert.Len(t, drain(achn), 1)
	assert.Len(t, drain(bchn), 1, "later targets still attempted after a failure")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *Envelope) error {
	return errors.New("broker down")
}
