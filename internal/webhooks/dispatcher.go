package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/partstream/backend/internal/events"
)

const deliveryAttempts = 3

// Emitter is the relay surface the audit-trail consumer feeds. Both the
// in-process Dispatcher and the Cloud Tasks dispatcher satisfy it.
type Emitter interface {
	Emit(env *events.Envelope)
	Shutdown()
}

// Dispatcher delivers envelopes to matching subscribers through a worker
// pool. The body of every delivery is the serialized envelope, identical to
// the SSE and WebSocket frames. Failed deliveries retry with quadratic
// backoff; endpoints that keep failing are disabled by the registry.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type deliveryJob struct {
	sub  *Subscription
	env  *events.Envelope
	body []byte
}

// NewDispatcher starts workers goroutines draining the delivery queue.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan *deliveryJob, 1000),
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans the envelope out to every matching subscriber. Non-blocking:
// when the queue is full the delivery is dropped and logged, never stalled.
func (d *Dispatcher) Emit(env *events.Envelope) {
	subs := d.registry.Matching(env)
	if len(subs) == 0 {
		return
	}

	body, err := env.JSON()
	if err != nil {
		d.logger.Printf("❌ Envelope marshal failed for %s: %v", env.RoutingKey, err)
		return
	}

	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, env: env, body: body}:
		default:
			d.logger.Printf("⚠️  Webhook queue full, dropping %s for %s", env.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver attempts the POST up to deliveryAttempts times with quadratic
// backoff, all within the owning worker so shutdown drains cleanly.
func (d *Dispatcher) deliver(job *deliveryJob) {
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration((attempt-1)*(attempt-1)) * time.Second)
		}
		if d.attemptOnce(job, attempt) {
			return
		}
	}
}

func (d *Dispatcher) attemptOnce(job *deliveryJob, attempt int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.sub.URL, bytes.NewReader(job.body))
	if err != nil {
		d.logger.Printf("❌ Webhook request build failed for %s: %v", job.sub.ID, err)
		return true
	}
	signRequest(req, job.sub, job.env, job.body, attempt)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.sub.URL, err)
		d.registry.MarkFailed(ctx, job.sub.ID)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.sub.URL, job.env.RoutingKey)
		d.registry.MarkFailed(ctx, job.sub.ID)
		return false
	}

	d.registry.MarkDelivered(ctx, job.sub.ID)
	d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.env.RoutingKey, job.sub.URL, job.env.ID)
	return true
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

// signRequest sets the relay headers and, when the subscription has a
// secret, the HMAC signature receivers verify.
func signRequest(req *http.Request, sub *Subscription, env *events.Envelope, body []byte, attempt int) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PartStream-Event", env.RoutingKey)
	req.Header.Set("X-PartStream-Delivery", env.ID)
	req.Header.Set("X-PartStream-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		req.Header.Set("X-PartStream-Signature", "sha256="+SignPayload(body, sub.Secret))
	}
}

var _ Emitter = (*Dispatcher)(nil)
