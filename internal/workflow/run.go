package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// pausePollInterval bounds how long a paused runner waits before re-reading
// its flags, so a resume issued on another replica still takes effect.
const pausePollInterval = 2 * time.Second

// Run is the runtime surface a Definition executes against: the frozen
// instance, checkpointing, history, and the pause/cancel barrier.
type Run struct {
	Instance *Instance

	// OnPause and OnResume fire when the barrier changes state, so the
	// definition can move its BOM and publish acknowledgements.
	OnPause  func(ctx context.Context)
	OnResume func(ctx context.Context)

	store   Store
	signals <-chan Signal
	logger  *slog.Logger
}

func newRun(in *Instance, store Store, signals <-chan Signal, logger *slog.Logger) *Run {
	return &Run{
		Instance: in,
		store:    store,
		signals:  signals,
		logger:   logger,
	}
}

// ID is the instance id.
func (r *Run) ID() string { return r.Instance.ID }

// Pacing decodes the settings snapshot frozen at start.
func (r *Run) Pacing() Pacing {
	var p Pacing
	if err := json.Unmarshal(r.Instance.Settings, &p); err != nil || p.BatchSize < 1 {
		p.BatchSize = 1
	}
	return p
}

// DecodeInput unmarshals the frozen input into out.
func (r *Run) DecodeInput(out interface{}) error {
	return json.Unmarshal(r.Instance.Input, out)
}

// Checkpoint persists the batch cursor and counters and appends the history
// row. Recovery resumes from here.
func (r *Run) Checkpoint(ctx context.Context, nextBatch int, c Counters) error {
	if err := r.store.SaveCheckpoint(ctx, r.Instance.ID, nextBatch, c); err != nil {
		return err
	}
	r.Event(ctx, EventCheckpoint, map[string]interface{}{
		"next_batch": nextBatch,
		"enriched":   c.Enriched,
		"failed":     c.Failed,
		"skipped":    c.Skipped,
		"total":      c.Total,
	})
	return nil
}

// Event appends a history row; history is best-effort and never fails the
// workflow.
func (r *Run) Event(ctx context.Context, eventType string, payload interface{}) {
	if err := r.store.AppendEvent(ctx, r.Instance.ID, eventType, payload); err != nil {
		r.logger.Warn("history append failed",
			"workflow_id", r.Instance.ID, "event", eventType, "error", err)
	}
}

// Sleep waits for d unless the run context ends first.
func (r *Run) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Barrier is the safe checkpoint between batches. It reloads the control
// flags and either proceeds (true), parks in the paused state until resume,
// or reports a requested cancellation (false). In-flight work from the
// previous batch has already completed when this is called.
func (r *Run) Barrier(ctx context.Context) (bool, error) {
	in, err := r.store.Get(ctx, r.Instance.ID)
	if err != nil {
		return false, err
	}
	if in.CancelRequested {
		return false, nil
	}
	if !in.PauseRequested {
		// A resume issued while no runner was alive leaves the row paused;
		// straighten it out before proceeding.
		if in.State == StatePaused {
			if err := r.store.SetState(ctx, r.Instance.ID, StateRunning); err != nil {
				return false, err
			}
			r.Event(ctx, EventStateChanged, map[string]string{"state": StateRunning})
		}
		return true, nil
	}

	if err := r.store.SetState(ctx, r.Instance.ID, StatePaused); err != nil {
		return false, err
	}
	r.Event(ctx, EventStateChanged, map[string]string{"state": StatePaused})
	if r.OnPause != nil {
		r.OnPause(ctx)
	}
	r.logger.Info("⏸️ Workflow paused", "workflow_id", r.Instance.ID)

	tick := time.NewTicker(pausePollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.signals:
		case <-tick.C:
		}

		in, err := r.store.Get(ctx, r.Instance.ID)
		if err != nil {
			return false, err
		}
		if in.CancelRequested {
			return false, nil
		}
		if !in.PauseRequested {
			if err := r.store.SetState(ctx, r.Instance.ID, StateRunning); err != nil {
				return false, err
			}
			r.Event(ctx, EventStateChanged, map[string]string{"state": StateRunning})
			if r.OnResume != nil {
				r.OnResume(ctx)
			}
			r.logger.Info("▶️ Workflow resumed", "workflow_id", r.Instance.ID)
			return true, nil
		}

		if err := r.store.Heartbeat(ctx, r.Instance.ID); err != nil {
			r.logger.Warn("heartbeat failed while paused",
				"workflow_id", r.Instance.ID, "error", err)
		}
	}
}
