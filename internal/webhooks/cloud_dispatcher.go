package webhooks

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/partstream/backend/internal/events"
)

// CloudDispatcher delivers through Google Cloud Tasks for durable,
// at-least-once webhook delivery: queue-level retry with exponential
// backoff, dead-lettering of permanently failed deliveries, and per-queue
// rate limits. Each Emit enqueues one HTTP task per matching subscriber.
//
// Enqueue failures fall back to the in-process Dispatcher when one was
// configured, so local-dev runs without GCP credentials still deliver.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue
// projects/{project}/locations/{location}/queues/{queue}. fallbackWorkers > 0
// also starts an in-process dispatcher used when enqueues fail.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cd.queuePath)
	return cd, nil
}

// Emit enqueues one signed HTTP task per matching subscriber.
func (cd *CloudDispatcher) Emit(env *events.Envelope) {
	subs := cd.registry.Matching(env)
	if len(subs) == 0 {
		return
	}

	body, err := env.JSON()
	if err != nil {
		cd.logger.Printf("❌ Envelope marshal failed for %s: %v", env.RoutingKey, err)
		return
	}

	for _, sub := range subs {
		cd.enqueueTask(sub, env, body)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, env *events.Envelope, body []byte) {
	headers := map[string]string{
		"Content-Type":          "application/json",
		"X-PartStream-Event":    env.RoutingKey,
		"X-PartStream-Delivery": env.ID,
		"X-PartStream-Attempt":  "1",
	}
	if sub.Secret != "" {
		headers["X-PartStream-Signature"] = "sha256=" + SignPayload(body, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       body,
				},
			},
		},
	}

	// Enqueue off the hot path; the event loop must never wait on GCP.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v", env.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-process delivery for %s", env.ID)
				cd.fallback.Emit(env)
			}
			return
		}
		cd.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)", env.ID, sub.URL, task.GetName())
	}()
}

// Shutdown closes the Cloud Tasks client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

// Stats returns basic relay telemetry for the admin surface.
func (cd *CloudDispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListForOrg("")),
		"has_fallback": cd.fallback != nil,
	}
}

var _ Emitter = (*CloudDispatcher)(nil)
