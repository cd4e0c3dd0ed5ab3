// Package scheduler is the gateway's admission and execution fabric: bounded
// concurrent runs, per-session serialization via thread workers, and the run
// lifecycle itself.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/engine"
	"github.com/basket/lemongate/internal/lock"
	"github.com/basket/lemongate/internal/otel"
	"github.com/basket/lemongate/internal/shared"
	"github.com/basket/lemongate/internal/store"
)

// Counts is the admission metrics snapshot.
type Counts struct {
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	CompletedToday int `json:"completed_today"`
}

// Slot is a granted concurrency slot. Release is idempotent: the slot counter
// decrements exactly once per grant.
type Slot struct {
	once  sync.Once
	sched *Scheduler
}

// Release returns the slot to the pool and grants the next waiter.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.sched.releaseSlot()
	})
}

type slotReq struct {
	ch chan *Slot
	at time.Time
}

// Scheduler routes submits to per-thread-key workers and allocates bounded
// concurrency slots.
type Scheduler struct {
	cfg     *config.Live
	bus     *bus.Bus
	store   *store.Store
	engines *engine.Registry
	locks   *lock.Lock
	metrics *otel.Metrics
	logger  *slog.Logger

	registry *registry

	mu             sync.Mutex
	workers        map[string]*ThreadWorker
	inFlight       int
	slotWaitq      []*slotReq
	completedToday int
	completedDay   string // UTC day the counter belongs to
	resumeSeen     map[string]string // resume value -> session key that first used it

	baseCtx context.Context
}

// Options bundles the scheduler's collaborators.
type Options struct {
	Config  *config.Live
	Bus     *bus.Bus
	Store   *store.Store // nil degrades auto-resume and durable history
	Engines *engine.Registry
	Locks   *lock.Lock
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// New creates a Scheduler. ctx bounds all workers and runs it spawns.
func New(ctx context.Context, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:          opts.Config,
		bus:          opts.Bus,
		store:        opts.Store,
		engines:      opts.Engines,
		locks:        opts.Locks,
		metrics:      opts.Metrics,
		logger:       logger,
		registry:     newRegistry(),
		workers:      make(map[string]*ThreadWorker),
		resumeSeen:   make(map[string]string),
		completedDay: utcDay(time.Now()),
		baseCtx:      ctx,
	}
}

// Submit enqueues a job, assigning a run id when absent. Non-blocking: the
// job is queued in its session's worker and executes when a slot frees up.
func (s *Scheduler) Submit(ctx context.Context, job engine.Job) (string, error) {
	if job.EngineID != "" && !s.engines.Known(job.EngineID) {
		return "", &UnknownEngineError{EngineID: job.EngineID}
	}
	if job.RunID == "" {
		job.RunID = newRunID()
	}
	if job.Lane == "" {
		job.Lane = engine.LaneMain
	}

	s.applyAutoResume(ctx, &job)
	if job.EngineID == "" {
		job.EngineID = s.engines.DefaultID()
		if !s.engines.Known(job.EngineID) {
			return "", &UnknownEngineError{EngineID: job.EngineID}
		}
	}

	threadKey := s.deriveThreadKey(job)

	s.mu.Lock()
	w, ok := s.workers[threadKey]
	if !ok {
		w = newThreadWorker(s, threadKey)
		s.workers[threadKey] = w
		go w.loop(s.baseCtx)
	}
	w.enqueue(job)
	s.mu.Unlock()

	s.logger.Info("job submitted",
		"run_id", job.RunID, "session_key", job.SessionKey,
		"thread_key", threadKey, "queue_mode", string(job.QueueMode),
		"engine_id", job.EngineID, "origin", job.Origin)
	return job.RunID, nil
}

// applyAutoResume attaches the stored resume token when the job carries none
// and the stored engine matches after compositional fallback. Store failures
// degrade to no resume.
func (s *Scheduler) applyAutoResume(ctx context.Context, job *engine.Job) {
	if !s.cfg.Snapshot().AutoResume() || job.Resume != nil || s.store == nil {
		return
	}
	if job.MetaFlag(engine.MetaDisableAutoResume) {
		return
	}
	cs, found, err := s.store.GetChatState(ctx, job.SessionKey)
	if err != nil {
		s.logger.Warn("auto-resume read failed", "session_key", job.SessionKey, "error", err)
		return
	}
	if !found || cs.Resume == nil {
		return
	}
	if job.EngineID == "" {
		job.EngineID = cs.EngineID
		job.Resume = cs.Resume
		return
	}
	if engine.SameSession(job.EngineID, cs.EngineID) {
		job.Resume = cs.Resume
	}
}

// deriveThreadKey serializes jobs at the worker level. When a resume value is
// shared across sessions, the value itself becomes the thread key so the two
// sessions never run concurrently against the same engine session.
func (s *Scheduler) deriveThreadKey(job engine.Job) string {
	if job.Resume == nil || job.Resume.Value == "" {
		return job.SessionKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first, seen := s.resumeSeen[job.Resume.Value]
	if !seen {
		s.resumeSeen[job.Resume.Value] = job.SessionKey
		return job.SessionKey
	}
	if first != job.SessionKey {
		return job.Resume.Value
	}
	return job.SessionKey
}

// requestSlot grants a concurrency slot, blocking while the pool is full.
// Requests that wait past the stale threshold are garbage-collected and
// return ErrSlotStale; the worker re-requests.
func (s *Scheduler) requestSlot(ctx context.Context, threadKey string) (*Slot, error) {
	cfg := s.cfg.Snapshot()

	s.mu.Lock()
	if s.inFlight < cfg.Scheduling.MaxConcurrentRuns {
		s.inFlight++
		s.mu.Unlock()
		return &Slot{sched: s}, nil
	}
	req := &slotReq{ch: make(chan *Slot, 1), at: time.Now()}
	s.slotWaitq = append(s.slotWaitq, req)
	s.mu.Unlock()

	stale := time.NewTimer(cfg.SlotStale())
	defer stale.Stop()

	select {
	case slot := <-req.ch:
		return slot, nil
	case <-stale.C:
		s.dropSlotReq(req)
		// A grant may have raced the timer; prefer it.
		select {
		case slot := <-req.ch:
			return slot, nil
		default:
		}
		s.logger.Warn("slot request dropped as stale", "thread_key", threadKey)
		return nil, ErrSlotStale
	case <-ctx.Done():
		s.dropSlotReq(req)
		select {
		case slot := <-req.ch:
			slot.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

func (s *Scheduler) dropSlotReq(req *slotReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.slotWaitq {
		if cand == req {
			s.slotWaitq = append(s.slotWaitq[:i], s.slotWaitq[i+1:]...)
			return
		}
	}
}

// releaseSlot decrements the counter and grants the next waiter.
func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if len(s.slotWaitq) == 0 {
		return
	}
	req := s.slotWaitq[0]
	s.slotWaitq = s.slotWaitq[1:]
	s.inFlight++
	req.ch <- &Slot{sched: s}
}

// removeWorkerIfIdle unregisters a worker that has nothing left to do.
func (s *Scheduler) removeWorkerIfIdle(w *ThreadWorker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !w.idle() {
		return false
	}
	if cur := s.workers[w.threadKey]; cur == w {
		delete(s.workers, w.threadKey)
	}
	return true
}

// removeWorker unregisters a worker unconditionally (shutdown path).
func (s *Scheduler) removeWorker(w *ThreadWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.workers[w.threadKey]; cur == w {
		delete(s.workers, w.threadKey)
	}
}

// noteCompleted updates the daily completion counter, resetting across UTC
// midnight.
func (s *Scheduler) noteCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	s.completedToday++
}

// ResetDailyCounters rolls the completed_today counter if the UTC day
// changed. Invoked by maintenance at midnight; reads also roll lazily.
func (s *Scheduler) ResetDailyCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
}

func (s *Scheduler) rollDayLocked() {
	if day := utcDay(time.Now()); day != s.completedDay {
		s.completedDay = day
		s.completedToday = 0
	}
}

// CountsSnapshot reports admission metrics.
func (s *Scheduler) CountsSnapshot() Counts {
	s.mu.Lock()
	workers := make([]*ThreadWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.rollDayLocked()
	c := Counts{
		Active:         s.inFlight,
		CompletedToday: s.completedToday,
	}
	s.mu.Unlock()

	for _, w := range workers {
		c.Queued += w.queueLen()
	}
	return c
}

// CancelByRunID cancels a live run. Unknown or already-terminated runs are a
// no-op.
func (s *Scheduler) CancelByRunID(runID, reason string) {
	if run := s.registry.ByRun(runID); run != nil {
		run.Cancel(reason)
	}
}

// CancelBySession cancels whatever run is currently registered for the
// session.
func (s *Scheduler) CancelBySession(sessionKey, reason string) {
	if run := s.registry.BySession(sessionKey); run != nil {
		run.Cancel(reason)
	}
}

// SteerRun forwards text into a live run's engine session.
func (s *Scheduler) SteerRun(runID, text string) error {
	run := s.registry.ByRun(runID)
	if run == nil {
		return engine.ErrSteerRejected
	}
	return run.Steer(text)
}

// KeepWaiting confirms an idle-watchdog prompt for a live run.
func (s *Scheduler) KeepWaiting(runID string) {
	if run := s.registry.ByRun(runID); run != nil {
		run.KeepWaiting()
	}
}

// RunForSession returns the live run id for a session, if any.
func (s *Scheduler) RunForSession(sessionKey string) (string, bool) {
	if run := s.registry.BySession(sessionKey); run != nil {
		return run.ID(), true
	}
	return "", false
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func newRunID() string {
	return shared.NewRunID()
}
