// Package consumers binds the durable bus to the workflow runtime and the
// outbound relays. Each consumer owns a consumer group, a routing-key
// filter and a bounded duplicate cache; handlers ack poison messages away
// and surface only retryable failures so the transport redelivers them.
package consumers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/workflow"
)

// batchItemDelay spaces the serial starts of a component.enrich.batch so a
// large batch cannot saturate the supplier schedulers in one burst.
const batchItemDelay = 500 * time.Millisecond

// Engine is the slice of the workflow runtime the consumers drive.
type Engine interface {
	Start(ctx context.Context, opts workflow.StartOptions) (*workflow.Instance, error)
	Signal(ctx context.Context, id string, sig workflow.Signal, actor, reason string) error
}

var validate = validator.New()

// decode unmarshals and validates an ingress payload. Both failure modes
// are poison: the message can never succeed, so callers drop it.
func decode(env *events.Envelope, out interface{}) error {
	if err := env.Decode(out); err != nil {
		return err
	}
	if err := validate.Struct(out); err != nil {
		return fault.Wrap(fault.KindValidation, "consumers.decode", err)
	}
	return nil
}

// BOMConsumer starts one enrichment workflow per parsed BOM. Duplicate
// announcements collapse against the live-instance index and are dropped.
type BOMConsumer struct {
	engine Engine
	dedup  *events.Dedup
	logger *slog.Logger
}

func NewBOMConsumer(engine Engine, logger *slog.Logger) *BOMConsumer {
	return &BOMConsumer{
		engine: engine,
		dedup:  events.NewDedup(events.DefaultDedupCapacity),
		logger: logger.With("component", "bom-consumer"),
	}
}

func (c *BOMConsumer) Subscription(group, member string) events.Subscription {
	return events.Subscription{
		Stream:   events.StreamBOM,
		Group:    group + ":bom",
		Consumer: member,
		Patterns: []string{events.KeyBOMParsed},
		Handler:  c.Handle,
	}
}

func (c *BOMConsumer) Handle(ctx context.Context, env *events.Envelope) error {
	if c.dedup.Seen(env.ID) {
		return nil
	}

	var p events.BOMParsed
	if err := decode(env, &p); err != nil {
		c.logger.Warn("⚠️ Dropping malformed bom.parsed", "envelope_id", env.ID, "error", err)
		return nil
	}

	_, err := c.engine.Start(ctx, workflow.StartOptions{
		ID:             workflow.EnrichmentID(p.BOMID),
		Kind:           workflow.KindEnrichment,
		BOMID:          p.BOMID,
		OrganizationID: p.OrganizationID,
		Input: workflow.EnrichmentInput{
			BOMID:          p.BOMID,
			OrganizationID: p.OrganizationID,
			ProjectID:      p.ProjectID,
			Source:         p.Source,
			BOMName:        p.BOMName,
			UploadedBy:     p.UploadedBy,
			ParsedS3Key:    p.ParsedS3Key,
		},
	})
	switch {
	case err == nil:
		c.logger.Info("🚀 Enrichment started from bom.parsed",
			"bom_id", p.BOMID, "org_id", p.OrganizationID, "source", p.Source)
		return nil
	case fault.KindOf(err) == fault.KindConflict:
		c.logger.Info("⏭️ Duplicate bom.parsed dropped, enrichment already live", "bom_id", p.BOMID)
		return nil
	case fault.Retryable(err):
		c.dedup.Forget(env.ID)
		return err
	default:
		c.logger.Error("❌ Enrichment start failed", "bom_id", p.BOMID, "error", err)
		return nil
	}
}

// AdminConsumer translates admin.workflow.{pause,resume,cancel} messages
// into engine signals. The verb rides in the routing key; the payload names
// the workflow and the operator.
type AdminConsumer struct {
	engine Engine
	dedup  *events.Dedup
	logger *slog.Logger
}

func NewAdminConsumer(engine Engine, logger *slog.Logger) *AdminConsumer {
	return &AdminConsumer{
		engine: engine,
		dedup:  events.NewDedup(events.DefaultDedupCapacity),
		logger: logger.With("component", "admin-consumer"),
	}
}

func (c *AdminConsumer) Subscription(group, member string) events.Subscription {
	return events.Subscription{
		Stream:   events.StreamAdmin,
		Group:    group + ":admin",
		Consumer: member,
		Patterns: []string{events.KeyAdminPause, events.KeyAdminResume, events.KeyAdminCancel},
		Handler:  c.Handle,
	}
}

func (c *AdminConsumer) Handle(ctx context.Context, env *events.Envelope) error {
	if c.dedup.Seen(env.ID) {
		return nil
	}

	sig, err := workflow.ParseSignal(strings.TrimPrefix(env.RoutingKey, "admin.workflow."))
	if err != nil {
		c.logger.Warn("⚠️ Dropping unknown admin verb", "routing_key", env.RoutingKey)
		return nil
	}

	var p events.AdminSignal
	if err := decode(env, &p); err != nil {
		c.logger.Warn("⚠️ Dropping malformed admin signal", "envelope_id", env.ID, "error", err)
		return nil
	}

	err = c.engine.Signal(ctx, p.WorkflowID, sig, p.Actor, p.Reason)
	switch {
	case err == nil:
		return nil
	case fault.Retryable(err):
		c.dedup.Forget(env.ID)
		return err
	default:
		// Unknown or already-terminal workflows: nothing a redelivery fixes.
		c.logger.Warn("⚠️ Admin signal not applied",
			"workflow_id", p.WorkflowID, "signal", sig, "error", err)
		return nil
	}
}

// ComponentConsumer starts single-component workflows for one-off and batch
// enrich requests. Batch items run serially with a fixed spacing; the batch
// message acks once iterated, so individual item failures are logged rather
// than replayed.
type ComponentConsumer struct {
	engine Engine
	dedup  *events.Dedup
	logger *slog.Logger
}

func NewComponentConsumer(engine Engine, logger *slog.Logger) *ComponentConsumer {
	return &ComponentConsumer{
		engine: engine,
		dedup:  events.NewDedup(events.DefaultDedupCapacity),
		logger: logger.With("component", "component-consumer"),
	}
}

func (c *ComponentConsumer) Subscription(group, member string) events.Subscription {
	return events.Subscription{
		Stream:   events.StreamEnrichment,
		Group:    group + ":component",
		Consumer: member,
		Patterns: []string{"component.enrich.*"},
		Handler:  c.Handle,
	}
}

func (c *ComponentConsumer) Handle(ctx context.Context, env *events.Envelope) error {
	if c.dedup.Seen(env.ID) {
		return nil
	}

	switch env.RoutingKey {
	case events.KeyComponentEnrichRequest, events.KeyComponentEnrichForce:
		var p events.ComponentEnrichRequest
		if err := decode(env, &p); err != nil {
			c.logger.Warn("⚠️ Dropping malformed enrich request", "envelope_id", env.ID, "error", err)
			return nil
		}
		force := p.Force || env.RoutingKey == events.KeyComponentEnrichForce
		err := c.start(ctx, p, env.TenantID, force)
		if fault.Retryable(err) {
			c.dedup.Forget(env.ID)
			return err
		}
		return nil

	case events.KeyComponentEnrichBatch:
		var b events.ComponentEnrichBatch
		if err := decode(env, &b); err != nil {
			c.logger.Warn("⚠️ Dropping malformed enrich batch", "envelope_id", env.ID, "error", err)
			return nil
		}
		c.logger.Info("📦 Processing enrich batch", "items", len(b.Items))
		for i, item := range b.Items {
			if ctx.Err() != nil {
				c.dedup.Forget(env.ID)
				return ctx.Err()
			}
			if item.OrganizationID == "" {
				item.OrganizationID = b.OrganizationID
			}
			if item.RequestedBy == "" {
				item.RequestedBy = b.RequestedBy
			}
			if err := c.start(ctx, item, env.TenantID, item.Force); err != nil {
				c.logger.Error("❌ Batch item start failed", "mpn", item.MPN, "error", err)
			}
			if i < len(b.Items)-1 {
				select {
				case <-ctx.Done():
					c.dedup.Forget(env.ID)
					return ctx.Err()
				case <-time.After(batchItemDelay):
				}
			}
		}
		return nil

	default:
		c.logger.Warn("⚠️ Dropping unknown component key", "routing_key", env.RoutingKey)
		return nil
	}
}

func (c *ComponentConsumer) start(ctx context.Context, req events.ComponentEnrichRequest, tenantID string, force bool) error {
	org := req.OrganizationID
	if org == "" {
		org = tenantID
	}

	_, err := c.engine.Start(ctx, workflow.StartOptions{
		ID:             workflow.SingleComponentID(req.MPN, time.Now().Unix()),
		Kind:           workflow.KindSingleComponent,
		OrganizationID: org,
		Total:          1,
		Input: workflow.SingleInput{
			MPN:            req.MPN,
			Manufacturer:   req.Manufacturer,
			OrganizationID: org,
			Force:          force,
			RequestedBy:    req.RequestedBy,
		},
	})
	if fault.KindOf(err) == fault.KindConflict {
		// Same part requested twice within a second; one run is plenty.
		c.logger.Info("⏭️ Duplicate enrich request dropped", "mpn", req.MPN)
		return nil
	}
	if err == nil {
		c.logger.Info("🔩 Single-component enrichment started", "mpn", req.MPN, "force", force)
	}
	return err
}
