// Package events is the platform event bus: an append-only log with
// topic-style routing keys, consumer groups, and per-consumer offsets.
// Producers publish envelopes; consumers declare a stream, a group, and a
// routing-key filter. Delivery is at-least-once, so every consumer must be
// idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Streams. Routing keys map onto exactly one primary stream; the audit
// stream additionally receives every envelope as the durable evidence trail.
const (
	StreamBOM        = "stream.platform.bom"
	StreamEnrichment = "stream.platform.enrichment"
	StreamAdmin      = "stream.platform.admin"
	StreamAudit      = "stream.platform.audit"
)

// Routing keys consumed by the orchestrator.
const (
	KeyBOMParsed              = "bom.parsed"
	KeyComponentEnrichRequest = "component.enrich.request"
	KeyComponentEnrichForce   = "component.enrich.force"
	KeyComponentEnrichBatch   = "component.enrich.batch"
	KeyAdminPause             = "admin.workflow.pause"
	KeyAdminResume            = "admin.workflow.resume"
	KeyAdminCancel            = "admin.workflow.cancel"
)

// Routing keys produced by the orchestrator.
const (
	KeyEnrichmentProgress  = "customer.bom.enrichment_progress"
	KeyEnrichmentCompleted = "customer.bom.enrichment_completed"
	KeyEnrichmentFailed    = "customer.bom.enrichment_failed"
	KeyAuditReady          = "customer.bom.audit_ready"
	KeyComponentEnriched   = "enrichment.component.enriched"
	KeyComponentFailed     = "enrichment.component.failed"
	KeyWorkflowPaused      = "admin.workflow.paused"
	KeyWorkflowResumed     = "admin.workflow.resumed"
	KeyWorkflowCancelled   = "admin.workflow.cancelled"
	KeySnapshotPromoted    = "cns.component.snapshot_promoted"
)

// SupplierCalledKey names the per-supplier call event, e.g.
// "enrichment.api.mouser_called".
func SupplierCalledKey(supplier string) string {
	return fmt.Sprintf("enrichment.api.%s_called", supplier)
}

// StreamFor maps a routing key to its primary stream. Unknown keys land on
// the audit stream so nothing is silently dropped.
func StreamFor(routingKey string) string {
	switch {
	case strings.HasPrefix(routingKey, "bom."),
		strings.HasPrefix(routingKey, "customer.bom."),
		strings.HasPrefix(routingKey, "cns.bom."):
		return StreamBOM
	case strings.HasPrefix(routingKey, "enrichment."),
		strings.HasPrefix(routingKey, "component.enrich."):
		return StreamEnrichment
	case strings.HasPrefix(routingKey, "admin.workflow."):
		return StreamAdmin
	default:
		return StreamAudit
	}
}

// MatchKey reports whether a routing key matches a dot-separated pattern.
// "*" matches exactly one segment, "#" matches any remainder (including
// nothing). "bom.parsed" is exact, "customer.bom.*" matches one more
// segment, "#" alone matches everything.
func MatchKey(pattern, key string) bool {
	if pattern == "" || pattern == "#" {
		return true
	}
	pp := strings.Split(pattern, ".")
	kk := strings.Split(key, ".")

	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(kk) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != kk[i] {
			return false
		}
	}
	return len(pp) == len(kk)
}

// MatchAny reports whether key matches at least one pattern. An empty
// pattern list matches everything.
func MatchAny(patterns []string, key string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchKey(p, key) {
			return true
		}
	}
	return false
}

// Envelope is the unit of exchange on the bus.
type Envelope struct {
	ID         string            `json:"id"`
	RoutingKey string            `json:"routing_key"`
	Priority   int               `json:"priority,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    json.RawMessage   `json:"payload"`
}

// NewEnvelope builds an envelope, marshalling payload to JSON.
func NewEnvelope(routingKey, tenantID string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.RoutingKey, err)
	}
	return nil
}

// JSON serializes the whole envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the envelope as a Server-Sent Events frame.
func (e *Envelope) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.RoutingKey, data, e.ID)), nil
}
