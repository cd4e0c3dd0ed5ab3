package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/engine"
	"github.com/basket/lemongate/internal/shared"
	"github.com/basket/lemongate/internal/store"
)

// preemptiveCompactionRatio marks a session for compaction before the next
// run when token usage crosses this share of the context window.
const preemptiveCompactionRatio = 0.9

// retryPrefix frames the single zero-answer retry so the engine knows the
// previous attempt produced nothing.
const retryPrefix = "The previous attempt returned no answer. Please respond to the following request.\n\n"

type runState int

const (
	runInit runState = iota
	runRunning
	runTerminating
	runTerminated
)

// Run drives one job end to end: it owns the engine handle, re-sequences
// engine events onto the bus, and guarantees that its lock and slot are
// released on every exit path.
type Run struct {
	id        string
	job       engine.Job
	threadKey string
	sched     *Scheduler
	slot      *Slot
	cfg       config.Config
	logger    *slog.Logger

	mu       sync.Mutex
	state    runState
	handle   engine.Handle
	sawDelta bool
	seq      int

	startedAt time.Time
	cancelCh  chan string
	keepCh    chan struct{}
	done      chan struct{}
}

func newRun(sched *Scheduler, job engine.Job, threadKey string, slot *Slot, cfg config.Config) *Run {
	return &Run{
		id:        job.RunID,
		job:       job,
		threadKey: threadKey,
		sched:     sched,
		slot:      slot,
		cfg:       cfg,
		logger:    sched.logger.With("run_id", job.RunID, "session_key", job.SessionKey),
		cancelCh:  make(chan string, 1),
		keepCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Done is closed when the run has fully terminated and released its
// resources.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel requests termination. Cancelling an already-terminated run is a
// no-op; duplicate cancels collapse to the first.
func (r *Run) Cancel(reason string) {
	r.mu.Lock()
	if r.state == runTerminating || r.state == runTerminated {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case r.cancelCh <- reason:
	default:
	}
}

// Steer injects text into the active engine session. Returns
// engine.ErrSteerRejected when the engine cannot apply it, including the race
// where the run just completed.
func (r *Run) Steer(text string) error {
	r.mu.Lock()
	handle := r.handle
	state := r.state
	r.mu.Unlock()
	if handle == nil || state != runRunning {
		return engine.ErrSteerRejected
	}
	return handle.Steer(text)
}

// KeepWaiting confirms an idle-watchdog prompt, resetting the watchdog.
func (r *Run) KeepWaiting() {
	select {
	case r.keepCh <- struct{}{}:
	default:
	}
}

// execute runs the lifecycle. Called once, on its own goroutine, by the
// owning ThreadWorker.
func (r *Run) execute(parent context.Context) {
	defer close(r.done)
	// The slot must never leak, even on a panicking run; Release is
	// idempotent so the normal completion path is unaffected.
	defer func() {
		if r.slot != nil {
			r.slot.Release()
		}
	}()

	ctx := shared.WithRunID(parent, r.id)
	runCtx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	// Register in the run and session registries. A departing previous run
	// may still hold the session slot; back off rather than fail.
	backoff := 25 * time.Millisecond
	for !r.sched.registry.register(r) {
		select {
		case <-runCtx.Done():
			r.finish(runCtx, engine.Completed{OK: false, Error: ClassInterrupt}, nil)
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 250*time.Millisecond {
			backoff = 250 * time.Millisecond
		}
	}
	defer r.sched.registry.unregister(r)

	// Engine lock. Keyed by the shared resume value when present so two
	// sessions attached to one engine session cannot overlap.
	lockKey := r.job.SessionKey
	if r.job.Resume != nil && r.job.Resume.Value != "" {
		lockKey = r.job.Resume.Value
	}
	release := func() {}
	if r.cfg.RequireEngineLock() {
		lockStart := time.Now()
		var err error
		release, err = r.sched.locks.Acquire(runCtx, lockKey, r.cfg.EngineLockTimeout())
		if m := r.sched.metrics; m != nil {
			m.LockWait.Record(runCtx, time.Since(lockStart).Seconds())
		}
		if err != nil {
			r.logger.Warn("engine lock timeout", "lock_key", lockKey)
			r.finish(runCtx, engine.Completed{OK: false, Error: ClassLockTimeout}, nil)
			return
		}
	}
	// release is idempotent; the deferred call covers panic and early-return
	// paths, finish covers the normal one.
	defer release()

	eng, err := r.sched.engines.Get(r.job.EngineID)
	if err != nil {
		// Submit validates engine ids; reaching this means the registry
		// changed under us. Degrade to a failed completion.
		r.logger.Error("engine resolution failed after admission", "engine_id", r.job.EngineID, "error", err)
		r.finish(runCtx, engine.Completed{OK: false, Error: ClassEngineLost}, release)
		return
	}

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	started := bus.RunStartedEvent{
		RunID:      r.id,
		SessionKey: r.job.SessionKey,
		AgentID:    r.job.AgentID,
		EngineID:   eng.ID(),
		Origin:     r.job.Origin,
	}
	r.publish(started)
	if m := r.sched.metrics; m != nil {
		m.ActiveRuns.Add(runCtx, 1)
		defer m.ActiveRuns.Add(runCtx, -1)
	}
	r.logger.Info("run started", "engine_id", eng.ID(), "thread_key", r.threadKey, "origin", r.job.Origin)

	events := make(chan engine.Event, 64)
	handle, err := eng.Start(runCtx, r.job, engine.SinkFunc(func(ev engine.Event) {
		select {
		case events <- ev:
		case <-runCtx.Done():
		}
	}))
	if err != nil {
		r.logger.Warn("engine start failed", "error", err)
		r.finish(runCtx, engine.Completed{OK: false, Error: ClassEngineLost}, release)
		return
	}
	r.mu.Lock()
	r.handle = handle
	r.state = runRunning
	r.mu.Unlock()

	idleWatchdog := time.Duration(r.cfg.Lifecycle.IdleWatchdogMs) * time.Millisecond
	confirmWindow := time.Duration(r.cfg.Lifecycle.IdleWatchdogConfirmMs) * time.Millisecond
	deathGrace := time.Duration(r.cfg.Lifecycle.EngineDeathGraceMs) * time.Millisecond

	idle := time.NewTimer(idleWatchdog)
	defer idle.Stop()

	handleDone := handle.Done()
	var graceTimer <-chan time.Time
	var confirmTimer <-chan time.Time

	for {
		select {
		case ev := <-events:
			switch ev := ev.(type) {
			case engine.Started:
				es := bus.EngineStartedEvent{
					RunID:      r.id,
					SessionKey: r.job.SessionKey,
					EngineID:   ev.Engine,
					Title:      ev.Title,
				}
				if ev.Resume != nil {
					es.ResumeEngine = ev.Resume.EngineID
					es.ResumeValue = ev.Resume.Value
				}
				r.publish(es)
			case engine.Delta:
				r.mu.Lock()
				seq := r.seq
				r.seq++
				first := !r.sawDelta
				r.sawDelta = true
				r.mu.Unlock()
				if first {
					if m := r.sched.metrics; m != nil {
						m.FirstTokenLatency.Record(runCtx, time.Since(r.startedAt).Seconds())
					}
				}
				r.publish(bus.DeltaEvent{
					RunID:      r.id,
					SessionKey: r.job.SessionKey,
					Seq:        seq,
					Text:       ev.Text,
				})
				resetTimer(idle, idleWatchdog)
			case engine.ActionEvent:
				r.publish(bus.EngineActionEvent{
					RunID:      r.id,
					SessionKey: r.job.SessionKey,
					ActionID:   ev.Action.ID,
					Kind:       string(ev.Action.Kind),
					Title:      ev.Action.Title,
					Phase:      string(ev.Phase),
					OK:         ev.OK,
					Detail:     ev.Detail,
				})
				resetTimer(idle, idleWatchdog)
			case engine.Completed:
				r.finish(runCtx, ev, release)
				return
			}

		case reason := <-r.cancelCh:
			r.mu.Lock()
			r.state = runTerminating
			r.mu.Unlock()
			handle.Cancel(reason)
			r.finish(runCtx, engine.Completed{OK: false, Error: reason}, release)
			return

		case <-handleDone:
			// Engine died; allow a grace window for a buffered terminal
			// event to arrive before synthesizing one.
			handleDone = nil
			graceTimer = time.After(deathGrace)

		case <-graceTimer:
			if comp, ok := drainForCompleted(events); ok {
				r.finish(runCtx, comp, release)
				return
			}
			r.logger.Warn("engine lost without terminal event")
			r.finish(runCtx, engine.Completed{OK: false, Error: ClassEngineLost}, release)
			return

		case <-idle.C:
			// The channel surface may offer "Keep Waiting"/"Stop Run";
			// without confirmation within the window, force a cancel.
			r.logger.Warn("run idle past watchdog", "idle", idleWatchdog)
			r.publish(bus.IdleWarningEvent{
				RunID:      r.id,
				SessionKey: r.job.SessionKey,
				ConfirmBy:  time.Now().Add(confirmWindow),
			})
			confirmTimer = time.After(confirmWindow)

		case <-confirmTimer:
			handle.Cancel(ClassTimeout)
			r.finish(runCtx, engine.Completed{OK: false, Error: ClassTimeout}, release)
			return

		case <-r.keepCh:
			confirmTimer = nil
			resetTimer(idle, idleWatchdog)

		case <-runCtx.Done():
			handle.Cancel(ClassInterrupt)
			r.finish(runCtx, engine.Completed{OK: false, Error: ClassInterrupt}, release)
			return
		}
	}
}

// drainForCompleted pulls buffered events looking for a terminal one.
func drainForCompleted(events <-chan engine.Event) (engine.Completed, bool) {
	for {
		select {
		case ev := <-events:
			if comp, ok := ev.(engine.Completed); ok {
				return comp, true
			}
		default:
			return engine.Completed{}, false
		}
	}
}

// finish runs the completion sequence exactly once: classification, durable
// state, history, the terminal bus event, and resource release.
func (r *Run) finish(ctx context.Context, comp engine.Completed, release func()) {
	r.mu.Lock()
	if r.state == runTerminated {
		r.mu.Unlock()
		return
	}
	r.state = runTerminated
	sawDelta := r.sawDelta
	startedAt := r.startedAt
	r.mu.Unlock()

	// Store writes must survive the run context ending.
	bgCtx := shared.WithRunID(shared.WithTraceID(context.Background(), shared.TraceID(ctx)), r.id)

	class := ""
	if !comp.OK {
		class = classifyError(comp.Error)
	}
	overflow := class == ClassContextOverflow ||
		(comp.OK && IsContextOverflow(comp.Error))

	st := r.sched.store
	if overflow {
		comp.Resume = nil
		if st != nil {
			if err := st.MarkPendingCompaction(bgCtx, r.job.SessionKey, ClassContextOverflow); err != nil {
				r.logger.Warn("mark pending compaction failed", "error", err)
			}
			if err := st.DeleteChatState(bgCtx, r.job.SessionKey); err != nil {
				r.logger.Warn("delete chat state failed", "error", err)
			}
		}
	} else if comp.Usage != nil && comp.Usage.ContextWindow > 0 &&
		float64(comp.Usage.TotalTokens()) >= preemptiveCompactionRatio*float64(comp.Usage.ContextWindow) {
		if st != nil {
			if err := st.MarkPendingCompaction(bgCtx, r.job.SessionKey, "usage_threshold"); err != nil {
				r.logger.Warn("mark pending compaction failed", "error", err)
			}
		}
	}

	if comp.OK && comp.Resume != nil && st != nil {
		engineID := r.job.EngineID
		if engineID == "" {
			engineID = comp.Resume.EngineID
		}
		err := st.PutChatState(bgCtx, store.ChatState{
			SessionKey: r.job.SessionKey,
			EngineID:   engineID,
			Resume:     comp.Resume,
			ExpiresAt:  time.Now().Add(store.ChatStateTTL),
		})
		if err != nil {
			// Auto-resume becomes unavailable; the run still succeeds.
			r.logger.Warn("put chat state failed", "error", err)
		}
	}

	completed := bus.RunCompletedEvent{
		RunID:      r.id,
		SessionKey: r.job.SessionKey,
		OK:         comp.OK,
		Answer:     comp.Answer,
		Error:      class,
		ErrorText:  shared.Redact(comp.Error),
	}
	if comp.Resume != nil {
		completed.ResumeEngine = comp.Resume.EngineID
		completed.ResumeValue = comp.Resume.Value
	}
	if comp.Usage != nil {
		completed.InputTokens = comp.Usage.InputTokens
		completed.OutputTokens = comp.Usage.OutputTokens
	}

	if st != nil {
		r.mu.Lock()
		finalSeq := r.seq
		r.mu.Unlock()
		if err := st.AppendRunEvent(bgCtx, r.id, finalSeq, completed); err != nil {
			r.logger.Warn("append run event failed", "error", err)
		}
		sum := store.RunSummary{
			RunID:        r.id,
			SessionKey:   r.job.SessionKey,
			OK:           comp.OK,
			Answer:       comp.Answer,
			Error:        class,
			Resume:       comp.Resume,
			Scope:        string(r.job.Lane),
			InputTokens:  completed.InputTokens,
			OutputTokens: completed.OutputTokens,
			FinalizedAt:  time.Now(),
		}
		if err := st.PutRunSummary(bgCtx, sum); err != nil {
			r.logger.Warn("put run summary failed", "error", err)
		}
	}

	r.publish(completed)

	if m := r.sched.metrics; m != nil {
		m.CompletedRuns.Add(bgCtx, 1)
		if !startedAt.IsZero() {
			m.RunDuration.Record(bgCtx, time.Since(startedAt).Seconds())
		}
	}

	if release != nil {
		release()
	}
	if r.slot != nil {
		r.slot.Release()
	}
	r.sched.noteCompleted()

	if r.job.Notify != nil {
		select {
		case r.job.Notify <- comp:
		default:
		}
	}

	r.logger.Info("run completed", "ok", comp.OK, "error_class", class, "saw_delta", sawDelta)

	// Zero-answer retry: one re-submission of the same prompt, unless the
	// failure class forbids it.
	if !comp.OK && class == ClassAssistantError && comp.Answer == "" &&
		!r.job.MetaFlag("retry_attempted") && !noRetryClass(class) {
		retry := r.job.WithMeta("retry_attempted", "1")
		retry.RunID = ""
		retry.Prompt = retryPrefix + r.job.Prompt
		retry.QueueMode = engine.ModeCollect
		go func() {
			if _, err := r.sched.Submit(bgCtx, retry); err != nil {
				r.logger.Warn("zero-answer retry submit failed", "error", err)
			}
		}()
	}
}

// publish sends an event to the run topic, mirroring lifecycle events to the
// session topic.
func (r *Run) publish(payload interface{}) {
	b := r.sched.bus
	b.Publish(bus.RunTopic(r.id), payload)
	switch payload.(type) {
	case bus.RunStartedEvent, bus.RunCompletedEvent:
		b.Publish(bus.SessionTopic(r.job.SessionKey), payload)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
