// Package lock provides the per-key mutex that serializes engine access.
// At most one run may interact with the same engine resource (session key, or
// a resume-token value shared across sessions) at a time.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned when a waiter's timer fires before it reaches the
// head of the queue. It is the only acquisition error.
var ErrTimeout = errors.New("engine lock: acquire timeout")

// DefaultMaxAge is the stale-reap horizon for configuration defaults. It is a
// last-resort safety valve, not a primary correctness mechanism; production
// deployments set it much higher.
const DefaultMaxAge = 120 * time.Second

// Options configures a Lock.
type Options struct {
	// Disabled turns locking off: Acquire returns immediately and the
	// release func is a no-op.
	Disabled bool
	// MaxAge forcibly releases a holder that has held the lock longer than
	// this. Zero means DefaultMaxAge.
	MaxAge time.Duration
	Logger *slog.Logger
}

type holder struct {
	id         uint64
	acquiredAt time.Time
	released   chan struct{} // closed exactly once on release
	releaseFn  func()
}

type waiter struct {
	claimed atomic.Bool     // CAS'd by whichever of grant/timeout wins
	grant   chan func()     // carries the release func on grant
	ctx     context.Context // prospective owner's lifetime
}

type keyState struct {
	holder  *holder
	waiters []*waiter
}

// Lock is a per-key mutex with FIFO waiters, acquisition timeouts,
// owner-death release, and stale-reap.
type Lock struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	nextID atomic.Uint64

	disabled bool
	maxAge   time.Duration
	logger   *slog.Logger
}

// New creates a Lock.
func New(opts Options) *Lock {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		keys:     make(map[string]*keyState),
		disabled: opts.Disabled,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Acquire blocks until the lock for key is granted or timeout elapses.
// ctx is the owner's lifetime: when it is cancelled while the lock is held,
// the lock is released and handed to the next waiter (owner-death release).
// The returned release func is idempotent; calling it after the holder has
// already been reaped or replaced is ignored.
func (l *Lock) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if l.disabled {
		return func() {}, nil
	}

	l.mu.Lock()
	ks := l.keys[key]
	if ks == nil {
		ks = &keyState{}
		l.keys[key] = ks
	}
	if ks.holder == nil {
		h := l.install(key, ks, ctx)
		l.mu.Unlock()
		return h.releaseFn, nil
	}

	if timeout <= 0 {
		l.mu.Unlock()
		return nil, ErrTimeout
	}

	w := &waiter{grant: make(chan func(), 1), ctx: ctx}
	ks.waiters = append(ks.waiters, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case release := <-w.grant:
		return release, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out (or the prospective owner died while queued). If the grant
	// raced ahead of the cancellation, we must observe it and hand the lock
	// straight to the next waiter.
	if w.claimed.CompareAndSwap(false, true) {
		l.removeWaiter(key, w)
		return nil, ErrTimeout
	}
	release := <-w.grant
	release()
	return nil, ErrTimeout
}

// install makes a new holder for key and spawns its monitor.
// Caller holds l.mu; ks must have no current holder.
func (l *Lock) install(key string, ks *keyState, ownerCtx context.Context) *holder {
	h := &holder{
		id:         l.nextID.Add(1),
		acquiredAt: time.Now(),
		released:   make(chan struct{}),
	}
	h.releaseFn = func() { l.release(key, h.id, "released") }
	ks.holder = h
	go l.monitor(key, h, ownerCtx)
	return h
}

// monitor watches a holder for owner death and stale age.
func (l *Lock) monitor(key string, h *holder, ownerCtx context.Context) {
	stale := time.NewTimer(l.maxAge)
	defer stale.Stop()

	select {
	case <-h.released:
	case <-ownerCtx.Done():
		l.logger.Warn("engine lock released by owner death", "key", key)
		l.release(key, h.id, "owner_death")
	case <-stale.C:
		l.logger.Warn("engine lock reaped stale holder", "key", key, "held_for", time.Since(h.acquiredAt))
		l.release(key, h.id, "stale_reap")
	}
}

// release drops the holder identified by id and grants the next live waiter.
// Double release and release by a non-current holder are ignored.
func (l *Lock) release(key string, id uint64, _ string) {
	l.mu.Lock()
	ks := l.keys[key]
	if ks == nil || ks.holder == nil || ks.holder.id != id {
		l.mu.Unlock()
		return
	}
	close(ks.holder.released)
	ks.holder = nil

	// FIFO handoff, skipping waiters that already timed out.
	for len(ks.waiters) > 0 {
		w := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		if !w.claimed.CompareAndSwap(false, true) {
			continue
		}
		h := l.install(key, ks, w.ctx)
		l.mu.Unlock()
		w.grant <- h.releaseFn
		return
	}

	if len(ks.waiters) == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

func (l *Lock) removeWaiter(key string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	if ks == nil {
		return
	}
	for i, cand := range ks.waiters {
		if cand == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			break
		}
	}
	if ks.holder == nil && len(ks.waiters) == 0 {
		delete(l.keys, key)
	}
}

// Held reports whether key currently has a holder. Intended for tests and
// status surfaces.
func (l *Lock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	return ks != nil && ks.holder != nil
}

// WaiterCount returns the number of queued waiters for key.
func (l *Lock) WaiterCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	if ks == nil {
		return 0
	}
	return len(ks.waiters)
}
