package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubMirror forwards matching envelopes to a Google Cloud Pub/Sub topic
// for durable delivery to systems outside the platform (billing exports,
// data warehouse loaders). It wraps another Publisher so the in-platform
// path is unchanged when the mirror is disabled or degraded.
//
// Usage:
//
//	mirror, err := events.NewPubSubMirror(bus, "my-project", "partstream-events", "customer.#")
//	mirror.Publish(ctx, env) // bus first, then Pub/Sub for customer.* keys
//	defer mirror.Close()
type PubSubMirror struct {
	inner    Publisher
	client   *pubsub.Client
	topic    *pubsub.Topic
	patterns []string
	logger   *log.Logger
}

// NewPubSubMirror connects to Pub/Sub, creating the topic if absent. Only
// envelopes whose routing key matches one of patterns are mirrored.
func NewPubSubMirror(inner Publisher, projectID, topicID string, patterns ...string) (*PubSubMirror, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[PubSub] created topic", "topic", topicID)
	}

	// Per-tenant ordering: progress events for one org arrive in sequence.
	topic.EnableMessageOrdering = true

	m := &PubSubMirror{
		inner:    inner,
		client:   client,
		topic:    topic,
		patterns: patterns,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	m.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return m, nil
}

// Publish delivers to the wrapped publisher first, then mirrors
// asynchronously. A Pub/Sub failure is logged, never surfaced: the platform
// bus remains the source of truth.
func (m *PubSubMirror) Publish(ctx context.Context, env *Envelope) error {
	err := m.inner.Publish(ctx, env)

	if MatchAny(m.patterns, env.RoutingKey) {
		m.mirror(env)
	}
	return err
}

func (m *PubSubMirror) mirror(env *Envelope) {
	payload, err := env.JSON()
	if err != nil {
		m.logger.Printf("❌ Failed to marshal envelope %s: %v", env.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"routing_key": env.RoutingKey,
			"envelope_id": env.ID,
			"tenant_id":   env.TenantID,
			"occurred_at": env.OccurredAt.Format(time.RFC3339Nano),
		},
		OrderingKey: env.TenantID,
	}

	result := m.topic.Publish(context.Background(), msg)

	// Non-blocking: check result off the hot path.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			m.logger.Printf("❌ Pub/Sub publish failed: %s → %v", env.ID, err)
			return
		}
		m.logger.Printf("📤 Mirrored %s → msgID=%s (key=%s)", env.ID, serverID, env.RoutingKey)
	}()
}

// HealthCheck verifies the topic is reachable.
func (m *PubSubMirror) HealthCheck(ctx context.Context) error {
	exists, err := m.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the topic publisher and closes the client.
func (m *PubSubMirror) Close() error {
	m.topic.Stop()
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	m.logger.Printf("🔌 Pub/Sub mirror closed")
	return nil
}

var _ Publisher = (*PubSubMirror)(nil)
