package consumers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/partstream/backend/internal/events"
)

// restartDelay spaces restart attempts when a consume loop returns without
// the context being done.
const restartDelay = time.Second

// Runner keeps consumer subscriptions attached to the transport for the
// server's lifetime. The Redis transport reconnects internally; the runner
// only restarts loops that return outright.
type Runner struct {
	transport events.Transport
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewRunner(t events.Transport, logger *slog.Logger) *Runner {
	return &Runner{
		transport: t,
		logger:    logger.With("component", "consumer-runner"),
	}
}

// Go runs each subscription on its own goroutine until ctx ends.
func (r *Runner) Go(ctx context.Context, subs ...events.Subscription) {
	for _, sub := range subs {
		sub := sub
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.logger.Info("▶️ Consumer attached", "stream", sub.Stream, "group", sub.Group)
			for {
				err := r.transport.Consume(ctx, sub)
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("🔌 Consumer stopped, restarting",
					"stream", sub.Stream, "group", sub.Group, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}
			}
		}()
	}
}

// Wait blocks until every consume loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}
