package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Streams are capped so the log cannot grow without bound; the audit
	// stream keeps more history because it is the evidence trail.
	streamMaxLen      = 100_000
	auditStreamMaxLen = 1_000_000

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	readBlock = 5 * time.Second
	readCount = 32

	// Entries left unacked by a failing handler sit on the pending entry
	// list; the consume loop sweeps that list on this interval so they are
	// retried without waiting for a restart.
	defaultReclaimEvery = 30 * time.Second
)

// StreamBus is the Redis Streams transport. Every envelope is appended to
// its primary stream and to the audit stream; consumer groups track offsets
// per group so restarts resume from the last acknowledged entry.
type StreamBus struct {
	rdb          redis.UniversalClient
	prefix       string
	logger       *log.Logger
	reclaimEvery time.Duration
}

// NewStreamBus wraps a Redis client. prefix replaces the "stream.platform"
// base when non-empty, which keeps test namespaces apart.
func NewStreamBus(rdb redis.UniversalClient, prefix string) *StreamBus {
	return &StreamBus{
		rdb:          rdb,
		prefix:       prefix,
		logger:       log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
		reclaimEvery: defaultReclaimEvery,
	}
}

func (b *StreamBus) streamName(stream string) string {
	if b.prefix == "" {
		return stream
	}
	return strings.Replace(stream, "stream.platform", b.prefix, 1)
}

// Publish appends the envelope to its primary stream and mirrors it onto the
// audit stream. The audit append is best-effort; losing it never fails the
// publish.
func (b *StreamBus) Publish(ctx context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.RoutingKey, err)
	}

	values := map[string]interface{}{
		"envelope":    payload,
		"routing_key": env.RoutingKey,
	}

	primary := b.streamName(StreamFor(env.RoutingKey))
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: primary,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", primary, err)
	}

	if primary != b.streamName(StreamAudit) {
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamName(StreamAudit),
			MaxLen: auditStreamMaxLen,
			Approx: true,
			Values: values,
		}).Err(); err != nil {
			b.logger.Printf("⚠️  Audit stream append failed for %s: %v", env.RoutingKey, err)
		}
	}
	return nil
}

// Consume reads the subscription's stream with its consumer group until ctx
// is cancelled. Messages whose routing key misses the filter are acked
// without dispatch. Transport errors trigger reconnection with exponential
// backoff from 1s to 60s; the group offset makes resume transparent. The
// pending entry list is swept on reclaimEvery so entries a failing handler
// left unacked are retried while the consumer is still running.
func (b *StreamBus) Consume(ctx context.Context, sub Subscription) error {
	stream := b.streamName(sub.Stream)
	backoff := reconnectMin

	if err := b.ensureGroup(ctx, stream, sub.Group); err != nil {
		b.logger.Printf("⚠️  Group create failed (stream=%s group=%s): %v", stream, sub.Group, err)
	}

	// Drain entries delivered to this consumer before a crash, then follow
	// new entries. "0" reads the consumer's pending backlog; any other
	// explicit id continues that backlog past the last delivered entry, so
	// one failing entry cannot spin the sweep.
	cursor := "0"
	lastSweep := time.Now()
	block := readBlock
	if b.reclaimEvery < block {
		block = b.reclaimEvery
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.Group,
			Consumer: sub.Consumer,
			Streams:  []string{stream, cursor},
			Count:    readCount,
			Block:    block,
		}).Result()

		switch {
		case err == redis.Nil:
			if cursor != ">" {
				cursor = ">"
				lastSweep = time.Now()
			} else if time.Since(lastSweep) >= b.reclaimEvery {
				cursor = "0"
			}
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			if isMissingGroup(err) {
				if gerr := b.ensureGroup(ctx, stream, sub.Group); gerr == nil {
					continue
				}
			}
			b.logger.Printf("🔌 Read failed (stream=%s group=%s), reconnecting in %s: %v",
				stream, sub.Group, backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		delivered := 0
		last := ""
		for _, str := range res {
			for _, msg := range str.Messages {
				delivered++
				last = msg.ID
				b.dispatch(ctx, sub, stream, msg)
			}
		}
		switch {
		case cursor != ">" && delivered == 0:
			// An empty backlog read means the pending window is drained.
			cursor = ">"
			lastSweep = time.Now()
		case cursor != ">":
			cursor = last
		case time.Since(lastSweep) >= b.reclaimEvery:
			cursor = "0"
		}
	}
}

func (b *StreamBus) dispatch(ctx context.Context, sub Subscription, stream string, msg redis.XMessage) {
	env, err := decodeStreamMessage(msg)
	if err != nil {
		// Poison entry: ack it away so it cannot wedge the group.
		b.logger.Printf("⚠️  Dropping undecodable entry %s on %s: %v", msg.ID, stream, err)
		b.ack(ctx, stream, sub.Group, msg.ID)
		return
	}

	if !MatchAny(sub.Patterns, env.RoutingKey) {
		b.ack(ctx, stream, sub.Group, msg.ID)
		return
	}

	if err := sub.Handler(ctx, env); err != nil {
		// Leave unacked; the pending entry list redelivers it.
		b.logger.Printf("⚠️  Handler error (group=%s key=%s id=%s): %v",
			sub.Group, env.RoutingKey, msg.ID, err)
		return
	}
	b.ack(ctx, stream, sub.Group, msg.ID)
}

func (b *StreamBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		b.logger.Printf("⚠️  Ack failed (stream=%s id=%s): %v", stream, id, err)
	}
}

func (b *StreamBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *StreamBus) Close() error { return nil }

func decodeStreamMessage(msg redis.XMessage) (*Envelope, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return nil, fmt.Errorf("entry %s has no envelope field", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("entry %s envelope has type %T", msg.ID, raw)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.ID == "" {
		env.ID = msg.ID
	}
	return &env, nil
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

var _ Transport = (*StreamBus)(nil)
