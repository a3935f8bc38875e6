// Package webhooks relays produced platform events to tenant-registered
// HTTP endpoints. Subscriptions carry routing-key patterns; every delivery
// is the bus envelope itself, HMAC-signed when the subscription has a
// secret, so receivers and the live stream see identical payloads.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
)

const (
	// maxPerTenant caps registrations so one org cannot flood the relay.
	maxPerTenant = 50

	// disableAfterFailures deactivates an endpoint that keeps failing;
	// successful deliveries reset the count.
	disableAfterFailures = 10
)

// Subscription is one tenant webhook registration. Events holds routing-key
// patterns in the bus syntax ("customer.bom.*", "customer.#").
type Subscription struct {
	ID             string         `db:"id" json:"id"`
	OrganizationID string         `db:"organization_id" json:"organization_id"`
	URL            string         `db:"url" json:"url" validate:"required,url"`
	Events         pq.StringArray `db:"events" json:"events" validate:"required,min=1"`
	Secret         string         `db:"secret" json:"secret,omitempty"`
	Active         bool           `db:"active" json:"active"`
	FailCount      int            `db:"fail_count" json:"fail_count"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Matches reports whether the subscription wants this envelope.
func (s *Subscription) Matches(env *events.Envelope) bool {
	if !s.Active {
		return false
	}
	if s.OrganizationID != "" && env.TenantID != "" && s.OrganizationID != env.TenantID {
		return false
	}
	return events.MatchAny(s.Events, env.RoutingKey)
}

// Store persists subscriptions across restarts. The registry keeps the
// working set in memory and writes through.
type Store interface {
	List(ctx context.Context) ([]Subscription, error)
	Insert(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, active bool, failCount int) error
}

// Registry is the in-memory working set of subscriptions, optionally backed
// by a Store. A nil store keeps everything process-local, which is what
// tests and single-node dev runs use.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[string]*Subscription
	store  Store
	logger *log.Logger
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		hooks:  make(map[string]*Subscription),
		store:  store,
		logger: log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Load replaces the working set with the persisted subscriptions. Call once
// at boot, before the dispatcher starts.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	subs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}

	r.mu.Lock()
	r.hooks = make(map[string]*Subscription, len(subs))
	for i := range subs {
		sub := subs[i]
		r.hooks[sub.ID] = &sub
	}
	r.mu.Unlock()

	r.logger.Printf("📡 Loaded %d webhook subscriptions", len(subs))
	return nil
}

// Register validates and stores a subscription. The caller fills
// OrganizationID from the auth context, never from the request body.
func (r *Registry) Register(ctx context.Context, sub *Subscription) error {
	if sub.URL == "" {
		return fault.Newf(fault.KindValidation, "webhooks.register", "webhook URL is required")
	}
	if u, err := url.Parse(sub.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fault.Newf(fault.KindValidation, "webhooks.register", "webhook URL %q is not an http(s) URL", sub.URL)
	}
	if len(sub.Events) == 0 {
		return fault.Newf(fault.KindValidation, "webhooks.register", "at least one event pattern is required")
	}
	if sub.OrganizationID == "" {
		return fault.Newf(fault.KindValidation, "webhooks.register", "organization id is required")
	}

	r.mu.Lock()
	owned := 0
	for _, existing := range r.hooks {
		if existing.OrganizationID == sub.OrganizationID {
			owned++
		}
	}
	r.mu.Unlock()
	if owned >= maxPerTenant {
		return fault.Newf(fault.KindConflict, "webhooks.register",
			"organization %s already has %d webhooks", sub.OrganizationID, owned)
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.FailCount = 0
	sub.CreatedAt = time.Now().UTC()

	if r.store != nil {
		if err := r.store.Insert(ctx, sub); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.hooks[sub.ID] = sub
	r.mu.Unlock()

	r.logger.Printf("📡 Registered webhook %s → %s (events: %v)", sub.ID, sub.URL, []string(sub.Events))
	return nil
}

// Unregister removes a subscription. Org-scoped: callers outside the owning
// organization read it as not found.
func (r *Registry) Unregister(ctx context.Context, id, orgID string) error {
	r.mu.Lock()
	sub, ok := r.hooks[id]
	if ok && orgID != "" && sub.OrganizationID != orgID {
		ok = false
	}
	if ok {
		delete(r.hooks, id)
	}
	r.mu.Unlock()

	if !ok {
		return fault.Newf(fault.KindNotFound, "webhooks.unregister", "webhook %s not found", id)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			return err
		}
	}
	r.logger.Printf("🗑️  Unregistered webhook %s", id)
	return nil
}

// Matching returns the active subscriptions that want this envelope.
func (r *Registry) Matching(env *events.Envelope) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.Matches(env) {
			out = append(out, sub)
		}
	}
	return out
}

// ListForOrg returns the organization's subscriptions, secrets included;
// the HTTP layer redacts before responding.
func (r *Registry) ListForOrg(orgID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0)
	for _, sub := range r.hooks {
		if orgID == "" || sub.OrganizationID == orgID {
			out = append(out, *sub)
		}
	}
	return out
}

// MarkFailed bumps the failure count and disables the endpoint when it
// crosses the threshold.
func (r *Registry) MarkFailed(ctx context.Context, id string) {
	r.mu.Lock()
	sub, ok := r.hooks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.FailCount++
	disabled := false
	if sub.FailCount >= disableAfterFailures && sub.Active {
		sub.Active = false
		disabled = true
	}
	active, failCount := sub.Active, sub.FailCount
	r.mu.Unlock()

	if disabled {
		r.logger.Printf("⚠️  Webhook %s disabled after %d failures", id, failCount)
	}
	r.persistStatus(ctx, id, active, failCount)
}

// MarkDelivered resets the failure streak after a successful delivery.
func (r *Registry) MarkDelivered(ctx context.Context, id string) {
	r.mu.Lock()
	sub, ok := r.hooks[id]
	if !ok || sub.FailCount == 0 {
		r.mu.Unlock()
		return
	}
	sub.FailCount = 0
	active := sub.Active
	r.mu.Unlock()

	r.persistStatus(ctx, id, active, 0)
}

func (r *Registry) persistStatus(ctx context.Context, id string, active bool, failCount int) {
	if r.store == nil {
		return
	}
	if err := r.store.SetStatus(ctx, id, active, failCount); err != nil {
		r.logger.Printf("⚠️  Webhook %s status persist failed: %v", id, err)
	}
}

// SignPayload computes the hex HMAC-SHA256 the receiver verifies.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-PartStream-Signature header value
// ("sha256=<hex>") against the payload.
func VerifySignature(payload []byte, secret, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want := SignPayload(payload, secret)
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}
