package events

import (
	"context"
	"log"
	"sync"
)

// Publisher is the producer side of the bus. The in-memory bus, the Redis
// Streams bus, the Pub/Sub mirror and the Tee all satisfy it.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Handler processes one delivered envelope. Returning an error leaves the
// message unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription declares what a consumer wants from a transport.
type Subscription struct {
	Stream   string   // stream to read, e.g. StreamBOM
	Group    string   // consumer group; offsets are tracked per group
	Consumer string   // member name within the group
	Patterns []string // routing-key filters; empty means everything
	Handler  Handler
}

// Transport is a bus that supports both publishing and group consumption.
type Transport interface {
	Publisher

	// Consume runs the subscription until ctx is cancelled.
	Consume(ctx context.Context, sub Subscription) error

	Close() error
}

// MemoryBus is the in-process bus. It backs tests and single-node runs, and
// in production fans produced events out to the SSE/WebSocket surfaces while
// the Redis Streams bus handles cross-service delivery.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       []*memorySub
	logger     *log.Logger
	bufferSize int
	closed     bool
}

type memorySub struct {
	patterns []string
	ch       chan *Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 128,
	}
}

// Publish delivers the envelope to every matching subscriber. Slow
// subscribers are skipped rather than blocking the producer.
func (b *MemoryBus) Publish(_ context.Context, env *Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		if !MatchAny(sub.patterns, env.RoutingKey) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Channel full, skip
		}
	}
	return nil
}

// Chan subscribes with a raw channel; used by the SSE endpoint and the live
// progress hub. The returned cancel removes the subscription and closes the
// channel.
func (b *MemoryBus) Chan(patterns ...string) (<-chan *Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySub{patterns: patterns, ch: make(chan *Envelope, b.bufferSize)}
	b.subs = append(b.subs, sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Consume implements Transport. Group semantics degrade to a plain
// subscription in-process; offsets are meaningless without a log.
func (b *MemoryBus) Consume(ctx context.Context, sub Subscription) error {
	ch, cancel := b.Chan(sub.Patterns...)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sub.Handler(ctx, env); err != nil {
				b.logger.Printf("⚠️  Handler error (group=%s key=%s): %v", sub.Group, env.RoutingKey, err)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// Tee publishes to several publishers in order; the first error wins but
// every publisher is still attempted.
type Tee struct {
	targets []Publisher
}

func NewTee(targets ...Publisher) *Tee {
	return &Tee{targets: targets}
}

func (t *Tee) Publish(ctx context.Context, env *Envelope) error {
	var firstErr error
	for _, target := range t.targets {
		if err := target.Publish(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Transport = (*MemoryBus)(nil)
	_ Publisher = (*Tee)(nil)
)
