package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/locks"
)

const (
	// startLockTTL covers the window between the duplicate check and the
	// instance insert; the unique index is the backstop.
	startLockTTL = 30 * time.Second

	// heartbeatInterval keeps the row fresh between checkpoints;
	// RecoverGrace is how stale a heartbeat must be before another replica
	// may adopt the instance.
	heartbeatInterval = 30 * time.Second
	RecoverGrace      = 90 * time.Second
)

// Definition is one workflow body, registered by kind. Execute runs on its
// own goroutine under the instance deadline and returns the terminal state
// (empty means completed) or the error that failed the run.
type Definition interface {
	Kind() string
	Timeout() time.Duration
	Execute(ctx context.Context, run *Run) (string, error)
}

// handle is the engine's grip on a local runner.
type handle struct {
	cancel  context.CancelFunc
	signals chan Signal
}

// Engine owns the instance goroutines: it starts, signals, recovers and
// drains them. Every durable fact lives in the Store; the engine holds only
// liveness state, so replicas coordinate through heartbeats and locks rather
// than shared memory.
type Engine struct {
	store    Store
	locker   locks.Locker
	settings *config.Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	defs    map[string]Definition
	running map[string]*handle
	closed  bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewEngine(store Store, locker locks.Locker, settings *config.Resolver, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		locker:   locker,
		settings: settings,
		logger:   logger.With("component", "workflow-engine"),
		defs:     make(map[string]Definition),
		running:  make(map[string]*handle),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// RegisterDefinition makes a workflow kind startable and recoverable.
func (e *Engine) RegisterDefinition(d Definition) {
	e.mu.Lock()
	e.defs[d.Kind()] = d
	e.mu.Unlock()
}

func (e *Engine) definition(kind string) Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defs[kind]
}

// StartOptions carries what the caller knows when launching an instance.
type StartOptions struct {
	ID             string
	Kind           string
	BOMID          string // empty for single-component runs
	OrganizationID string
	Total          int
	Input          interface{}
	Timeout        time.Duration // 0 means the definition default
}

// Start creates the instance row and spawns its runner. Pacing settings are
// frozen into the row here; operators changing knobs mid-run affect only
// future workflows. Duplicate starts for a live BOM return conflict.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Instance, error) {
	def := e.definition(opts.Kind)
	if def == nil {
		return nil, fault.Newf(fault.KindValidation, "workflow.start", "unknown workflow kind %q", opts.Kind)
	}
	if opts.ID == "" {
		return nil, fault.Newf(fault.KindValidation, "workflow.start", "workflow id is required")
	}

	if opts.BOMID != "" {
		lease, err := e.locker.Acquire(ctx, locks.WorkflowKey(opts.BOMID), startLockTTL, 0)
		if errors.Is(err, locks.ErrNotAcquired) {
			return nil, fault.Newf(fault.KindConflict, "workflow.start",
				"enrichment already starting for bom %s", opts.BOMID)
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, "workflow.start", err)
		}
		defer lease.Release(ctx)
	}

	settingsRaw, err := json.Marshal(PacingFrom(e.settings.Current(ctx)))
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "workflow.start", err)
	}
	inputRaw := []byte(`{}`)
	if opts.Input != nil {
		if inputRaw, err = json.Marshal(opts.Input); err != nil {
			return nil, fault.Wrap(fault.KindPermanent, "workflow.start", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = def.Timeout()
	}
	deadline := time.Now().UTC().Add(timeout)

	in := &Instance{
		ID:             opts.ID,
		Kind:           opts.Kind,
		OrganizationID: opts.OrganizationID,
		State:          StateRunning,
		Total:          opts.Total,
		Settings:       settingsRaw,
		Input:          inputRaw,
		DeadlineAt:     &deadline,
	}
	if opts.BOMID != "" {
		id := opts.BOMID
		in.BOMID = &id
	}

	if err := e.store.Create(ctx, in); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, in.ID, EventStarted, map[string]string{
		"kind": in.Kind, "bom_id": opts.BOMID,
	}); err != nil {
		e.logger.Warn("start event append failed", "workflow_id", in.ID, "error", err)
	}

	e.logger.Info("🚀 Workflow started",
		"workflow_id", in.ID, "kind", in.Kind, "bom_id", opts.BOMID, "org_id", in.OrganizationID)

	e.spawn(in, def)
	return in, nil
}

// Signal validates and persists a control verb, then nudges the local runner
// if this replica owns the instance. Remote runners observe the flag at
// their next barrier.
func (e *Engine) Signal(ctx context.Context, id string, sig Signal, actor, reason string) error {
	in, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.Terminal() {
		return fault.Newf(fault.KindConflict, "workflow.signal",
			"workflow %s already %s", id, in.State)
	}
	if in.Kind == KindSingleComponent && sig != SignalCancel {
		return fault.Newf(fault.KindValidation, "workflow.signal",
			"single-component workflows cannot be paused")
	}

	switch sig {
	case SignalPause:
		err = e.store.MarkPauseRequested(ctx, id, true)
	case SignalResume:
		err = e.store.MarkPauseRequested(ctx, id, false)
	case SignalCancel:
		err = e.store.MarkCancelRequested(ctx, id)
	default:
		return fault.Newf(fault.KindValidation, "workflow.signal", "unknown signal %q", sig)
	}
	if err != nil {
		return err
	}

	if aerr := e.store.AppendEvent(ctx, id, EventSignal, map[string]string{
		"signal": string(sig), "actor": actor, "reason": reason,
	}); aerr != nil {
		e.logger.Warn("signal event append failed", "workflow_id", id, "error", aerr)
	}
	e.logger.Info("📨 Workflow signal", "workflow_id", id, "signal", sig, "actor", actor)

	e.mu.Lock()
	h := e.running[id]
	e.mu.Unlock()
	if h != nil {
		select {
		case h.signals <- sig:
		default:
		}
		// Single-component runs have no batch boundary to cancel at.
		if sig == SignalCancel && in.Kind == KindSingleComponent {
			h.cancel()
		}
	}
	return nil
}

// Progress is the non-blocking state query; it reads the row and never
// touches the runner.
func (e *Engine) Progress(ctx context.Context, id string) (*Instance, error) {
	return e.store.Get(ctx, id)
}

// Recover adopts non-terminal instances whose heartbeat has gone stale.
// Called on boot; safe against live replicas because fresh heartbeats are
// skipped. Idempotent per-line activities make batch replay safe.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range active {
		in := active[i]

		e.mu.Lock()
		_, local := e.running[in.ID]
		e.mu.Unlock()
		if local {
			continue
		}
		if time.Since(in.HeartbeatAt) < RecoverGrace {
			continue
		}

		def := e.definition(in.Kind)
		if def == nil {
			e.logger.Warn("⚠️ Cannot recover workflow of unknown kind",
				"workflow_id", in.ID, "kind", in.Kind)
			continue
		}

		if aerr := e.store.AppendEvent(ctx, in.ID, EventRecovered, map[string]interface{}{
			"next_batch": in.NextBatch,
		}); aerr != nil {
			e.logger.Warn("recover event append failed", "workflow_id", in.ID, "error", aerr)
		}
		e.logger.Info("🔄 Workflow recovered",
			"workflow_id", in.ID, "state", in.State, "next_batch", in.NextBatch)

		inst := in
		e.spawn(&inst, def)
		recovered++
	}
	return recovered, nil
}

// Shutdown stops scheduling, cancels runner contexts and waits for them to
// drain. Interrupted instances keep their running state and are picked up by
// Recover on the next boot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("✅ Workflow runners drained")
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.KindTransient, "workflow.shutdown", ctx.Err())
	}
}

func (e *Engine) spawn(in *Instance, def Definition) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if in.DeadlineAt != nil {
		runCtx, cancel = context.WithDeadline(e.baseCtx, *in.DeadlineAt)
	} else {
		runCtx, cancel = context.WithTimeout(e.baseCtx, def.Timeout())
	}
	h := &handle{cancel: cancel, signals: make(chan Signal, 4)}
	e.running[in.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(runCtx, in, def, h)
}

func (e *Engine) run(ctx context.Context, in *Instance, def Definition, h *handle) {
	defer e.wg.Done()
	defer h.cancel()
	defer func() {
		e.mu.Lock()
		delete(e.running, in.ID)
		e.mu.Unlock()
	}()

	go e.heartbeatLoop(ctx, in.ID)

	run := newRun(in, e.store, h.signals, e.logger)
	state, err := def.Execute(ctx, run)

	switch {
	case err == nil:
		if state == "" {
			state = StateCompleted
		}
		e.finish(in.ID, state, "")

	case errors.Is(err, context.Canceled):
		// Shutdown and the cancel signal both surface as Canceled; the row
		// says which one happened.
		cur, gerr := e.store.Get(context.Background(), in.ID)
		if gerr == nil && cur.CancelRequested {
			e.finish(in.ID, StateCancelled, "")
			return
		}
		e.logger.Warn("⚠️ Workflow interrupted, will recover on next boot", "workflow_id", in.ID)

	case errors.Is(err, context.DeadlineExceeded):
		e.finish(in.ID, StateFailed, "execution timeout exceeded")

	default:
		e.finish(in.ID, StateFailed, err.Error())
	}
}

func (e *Engine) finish(id, state, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.Finish(ctx, id, state, msg); err != nil {
		e.logger.Error("❌ Failed to record workflow terminal state",
			"workflow_id", id, "state", state, "error", err)
		return
	}
	if err := e.store.AppendEvent(ctx, id, EventFinished, map[string]string{
		"state": state, "error": msg,
	}); err != nil {
		e.logger.Warn("finish event append failed", "workflow_id", id, "error", err)
	}

	if state == StateFailed {
		e.logger.Error("❌ Workflow failed", "workflow_id", id, "error", msg)
	} else {
		e.logger.Info("✅ Workflow finished", "workflow_id", id, "state", state)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context, id string) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.store.Heartbeat(hctx, id); err != nil {
				e.logger.Warn("heartbeat failed", "workflow_id", id, "error", err)
			}
			cancel()
		}
	}
}
