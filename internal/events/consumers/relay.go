package consumers

import (
	"context"
	"log/slog"

	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/webhooks"
)

// AuditTrailConsumer tails the audit stream and fans every envelope out to
// the tenant webhook relay and the local in-process bus. The local republish
// is what carries events produced by other replicas to this replica's SSE
// and WebSocket clients; either sink may be nil when the wiring does not
// need it.
type AuditTrailConsumer struct {
	emitter webhooks.Emitter
	local   events.Publisher
	dedup   *events.Dedup
	logger  *slog.Logger
}

func NewAuditTrailConsumer(emitter webhooks.Emitter, local events.Publisher, logger *slog.Logger) *AuditTrailConsumer {
	return &AuditTrailConsumer{
		emitter: emitter,
		local:   local,
		dedup:   events.NewDedup(events.DefaultDedupCapacity),
		logger:  logger.With("component", "audit-trail-consumer"),
	}
}

func (c *AuditTrailConsumer) Subscription(group, member string) events.Subscription {
	return events.Subscription{
		Stream:   events.StreamAudit,
		Group:    group + ":audit-trail",
		Consumer: member,
		Handler:  c.Handle,
	}
}

func (c *AuditTrailConsumer) Handle(ctx context.Context, env *events.Envelope) error {
	if c.dedup.Seen(env.ID) {
		return nil
	}
	if c.emitter != nil {
		c.emitter.Emit(env)
	}
	if c.local != nil {
		if err := c.local.Publish(ctx, env); err != nil {
			c.logger.Warn("⚠️ Local republish failed", "routing_key", env.RoutingKey, "error", err)
		}
	}
	return nil
}

// DiffBuilder is the audit field-diff entry point.
type DiffBuilder interface {
	Build(ctx context.Context, bomID, label string) (string, error)
}

// FieldDiffConsumer reacts to finalized audit trails by computing the
// before/after change report for the BOM.
type FieldDiffConsumer struct {
	differ DiffBuilder
	dedup  *events.Dedup
	logger *slog.Logger
}

func NewFieldDiffConsumer(differ DiffBuilder, logger *slog.Logger) *FieldDiffConsumer {
	return &FieldDiffConsumer{
		differ: differ,
		dedup:  events.NewDedup(events.DefaultDedupCapacity),
		logger: logger.With("component", "field-diff-consumer"),
	}
}

func (c *FieldDiffConsumer) Subscription(group, member string) events.Subscription {
	return events.Subscription{
		Stream:   events.StreamBOM,
		Group:    group + ":field-diff",
		Consumer: member,
		Patterns: []string{events.KeyAuditReady},
		Handler:  c.Handle,
	}
}

func (c *FieldDiffConsumer) Handle(ctx context.Context, env *events.Envelope) error {
	if c.dedup.Seen(env.ID) {
		return nil
	}

	var p events.AuditReady
	if err := decode(env, &p); err != nil || p.BOMID == "" || p.Label == "" {
		c.logger.Warn("⚠️ Dropping malformed audit_ready", "envelope_id", env.ID, "error", err)
		return nil
	}

	key, err := c.differ.Build(ctx, p.BOMID, p.Label)
	if err != nil {
		if fault.Retryable(err) {
			c.dedup.Forget(env.ID)
			return err
		}
		c.logger.Warn("⚠️ Field diff build failed", "bom_id", p.BOMID, "label", p.Label, "error", err)
		return nil
	}

	c.logger.Info("📊 Field diff written", "bom_id", p.BOMID, "key", key)
	return nil
}
