package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/engine"
)

// queueEntry wraps a queued job with the bookkeeping queue modes need.
type queueEntry struct {
	job       engine.Job
	at        time.Time
	coalesced bool // produced by collect/followup merging; protected at head
}

// ThreadWorker serializes jobs for one thread key. It is created on first
// job and terminates when its queue empties with no active run.
type ThreadWorker struct {
	threadKey string
	sched     *Scheduler
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []queueEntry
	active *Run
	wake   chan struct{}
}

func newThreadWorker(sched *Scheduler, threadKey string) *ThreadWorker {
	return &ThreadWorker{
		threadKey: threadKey,
		sched:     sched,
		logger:    sched.logger.With("thread_key", threadKey),
		wake:      make(chan struct{}, 1),
	}
}

func (w *ThreadWorker) queueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *ThreadWorker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) == 0 && w.active == nil
}

// enqueue applies queue-mode semantics and signals the dispatch loop.
func (w *ThreadWorker) enqueue(job engine.Job) {
	mode := job.QueueMode
	if !engine.ValidQueueMode(mode) {
		mode = engine.ModeCollect
	}

	switch mode {
	case engine.ModeSteer:
		if w.trySteer(job) {
			return
		}
		job.QueueMode = engine.ModeFollowup
		w.enqueueFollowup(job)
	case engine.ModeSteerBacklog:
		if w.trySteer(job) {
			return
		}
		job.QueueMode = engine.ModeCollect
		w.enqueueCollect(job)
	case engine.ModeInterrupt:
		w.enqueueInterrupt(job)
	case engine.ModeFollowup:
		w.enqueueFollowup(job)
	default:
		w.enqueueCollect(job)
	}
	w.signal()
}

// trySteer forwards the prompt into the active run's engine session.
// Returns false when there is no active run or the engine rejects it;
// callers fall back to their queueing mode.
func (w *ThreadWorker) trySteer(job engine.Job) bool {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active == nil {
		return false
	}
	if err := active.Steer(job.Prompt); err != nil {
		if !errors.Is(err, engine.ErrSteerRejected) {
			w.logger.Warn("steer failed", "run_id", active.ID(), "error", err)
		}
		return false
	}
	w.logger.Info("job steered into active run", "run_id", active.ID())
	return true
}

func (w *ThreadWorker) enqueueCollect(job engine.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Consecutive collects with no active run coalesce into one job:
	// earlier text retained verbatim, later job's metadata wins.
	if w.active == nil && len(w.queue) > 0 {
		last := &w.queue[len(w.queue)-1]
		if last.job.QueueMode == engine.ModeCollect || last.job.QueueMode == "" {
			merged := job
			merged.Prompt = last.job.Prompt + "\n" + job.Prompt
			last.job = merged
			last.at = time.Now()
			last.coalesced = true
			return
		}
	}
	w.push(queueEntry{job: job, at: time.Now()})
}

func (w *ThreadWorker) enqueueFollowup(job engine.Job) {
	// A followup arriving while a task-style run is active promotes to
	// steer_backlog so the instruction reaches the running session.
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active != nil && job.MetaFlag(engine.MetaTaskAutoFollowup) {
		if w.trySteer(job) {
			return
		}
		job.QueueMode = engine.ModeCollect
		w.enqueueCollect(job)
		return
	}

	debounce := time.Duration(w.sched.cfg.Snapshot().Lifecycle.FollowupDebounceMs) * time.Millisecond

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.queue) - 1; i >= 0; i-- {
		entry := &w.queue[i]
		if entry.job.QueueMode != engine.ModeFollowup {
			continue
		}
		if time.Since(entry.at) <= debounce {
			entry.job.Prompt = entry.job.Prompt + "\n" + job.Prompt
			entry.coalesced = true
			return
		}
		break
	}
	w.push(queueEntry{job: job, at: time.Now()})
}

func (w *ThreadWorker) enqueueInterrupt(job engine.Job) {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active == nil {
		// Interrupt with nothing to interrupt behaves as collect.
		job.QueueMode = engine.ModeCollect
		w.enqueueCollect(job)
		return
	}
	active.Cancel(ClassUserRequested)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append([]queueEntry{{job: job, at: time.Now()}}, w.queue...)
	w.noteQueued(1)
}

// push appends an entry, enforcing the queue cap.
// Caller holds w.mu.
func (w *ThreadWorker) push(entry queueEntry) {
	w.queue = append(w.queue, entry)
	w.noteQueued(1)

	cfg := w.sched.cfg.Snapshot()
	if cfg.Queue.Cap <= 0 || len(w.queue) <= cfg.Queue.Cap {
		return
	}
	if cfg.Queue.Drop == "newest" {
		dropped := w.queue[len(w.queue)-1]
		w.queue = w.queue[:len(w.queue)-1]
		w.noteQueued(-1)
		w.logger.Warn("queue cap reached, dropped newest", "run_id", dropped.job.RunID, "cap", cfg.Queue.Cap)
		return
	}
	// Oldest policy: a coalesced head entry carries merged user input and is
	// never dropped; fall through to the next entry.
	idx := 0
	if w.queue[idx].coalesced && len(w.queue) > 1 {
		idx = 1
	}
	dropped := w.queue[idx]
	w.queue = append(w.queue[:idx], w.queue[idx+1:]...)
	w.noteQueued(-1)
	w.logger.Warn("queue cap reached, dropped oldest", "run_id", dropped.job.RunID, "cap", cfg.Queue.Cap)
}

// noteQueued records queue depth changes. Caller holds w.mu.
func (w *ThreadWorker) noteQueued(delta int64) {
	if m := w.sched.metrics; m != nil {
		m.QueuedJobs.Add(context.Background(), delta)
	}
}

func (w *ThreadWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// loop is the dispatch loop: pop the head, wait for a slot, run the job to
// completion, repeat. Terminates when the queue empties with no active run.
func (w *ThreadWorker) loop(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 && w.active == nil {
			w.mu.Unlock()
			if w.sched.removeWorkerIfIdle(w) {
				return
			}
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				w.sched.removeWorker(w)
				return
			}
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
			case <-ctx.Done():
				w.sched.removeWorker(w)
				return
			}
			continue
		}
		entry := w.queue[0]
		w.queue = w.queue[1:]
		w.noteQueued(-1)
		w.mu.Unlock()

		slot, ok := w.acquireSlot(ctx)
		if !ok {
			w.sched.removeWorker(w)
			return
		}

		run := newRun(w.sched, entry.job, w.threadKey, slot, w.sched.cfg.Snapshot())
		w.mu.Lock()
		w.active = run
		w.mu.Unlock()

		go run.execute(ctx)
		<-run.Done()

		w.mu.Lock()
		w.active = nil
		w.mu.Unlock()
	}
}

// acquireSlot blocks until a slot is granted, re-requesting after stale
// drops. Returns false only when ctx ends.
func (w *ThreadWorker) acquireSlot(ctx context.Context) (*Slot, bool) {
	for {
		slot, err := w.sched.requestSlot(ctx, w.threadKey)
		if err == nil {
			return slot, true
		}
		if errors.Is(err, ErrSlotStale) {
			w.logger.Warn("slot request went stale, re-requesting")
			continue
		}
		return nil, false
	}
}
