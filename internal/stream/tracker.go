package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/otel"
	"github.com/basket/lemongate/internal/session"
	"github.com/basket/lemongate/internal/store"
)

// coalescerIdleWindow is how long an inactive surface survives before the
// tracker reaps it.
const coalescerIdleWindow = 5 * time.Minute

type surface struct {
	answer *Coalescer
	status *ToolStatusCoalescer
	runs   map[string]struct{} // live runs referencing this surface
}

// OutputTracker subscribes to the run event stream and dispatches events to
// per-{session, channel} coalescers for one channel adapter.
type OutputTracker struct {
	adapter ChannelAdapter
	outbox  Outbox
	store   *store.Store // nil skips progress-index persistence
	bus     *bus.Bus
	th      Thresholds
	logger  *slog.Logger
	metrics *otel.Metrics

	mu       sync.Mutex
	surfaces map[string]*surface // keyed by session key
}

// TrackerOptions bundles the tracker's collaborators.
type TrackerOptions struct {
	Adapter    ChannelAdapter
	Outbox     Outbox
	Store      *store.Store
	Bus        *bus.Bus
	Thresholds Thresholds
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// NewOutputTracker creates a tracker for one channel.
func NewOutputTracker(opts TrackerOptions) *OutputTracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	th := opts.Thresholds
	if th.MinChars <= 0 {
		th = DefaultThresholds()
	}
	return &OutputTracker{
		adapter:  opts.Adapter,
		outbox:   opts.Outbox,
		store:    opts.Store,
		bus:      opts.Bus,
		th:       th,
		logger:   logger,
		metrics:  opts.Metrics,
		surfaces: make(map[string]*surface),
	}
}

// Run subscribes to all run topics and dispatches until ctx ends.
func (o *OutputTracker) Run(ctx context.Context) {
	sub := o.bus.Subscribe("run:")
	defer o.bus.Unsubscribe(sub)

	reap := time.NewTicker(time.Minute)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			o.reapIdle()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.dispatch(ev)
		}
	}
}

// dispatch routes one bus event to the owning surface.
func (o *OutputTracker) dispatch(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.RunStartedEvent:
		if target, ok := o.targetFor(payload.SessionKey); ok {
			o.surfaceFor(payload.SessionKey, target).trackRun(payload.RunID)
		}
	case bus.DeltaEvent:
		if target, ok := o.targetFor(payload.SessionKey); ok {
			o.surfaceFor(payload.SessionKey, target).answer.OnDelta(payload)
		}
	case bus.EngineActionEvent:
		if target, ok := o.targetFor(payload.SessionKey); ok {
			o.surfaceFor(payload.SessionKey, target).status.OnAction(payload)
		}
	case bus.IdleWarningEvent:
		if target, ok := o.targetFor(payload.SessionKey); ok {
			for _, p := range o.adapter.RenderIdlePrompt(target, payload.RunID, payload.ConfirmBy) {
				if err := o.outbox.Enqueue(context.Background(), p); err != nil {
					o.logger.Warn("idle prompt enqueue failed", "run_id", payload.RunID, "error", err)
				}
			}
		}
	case bus.RunCompletedEvent:
		o.finalize(payload)
	}
}

func (o *OutputTracker) finalize(ev bus.RunCompletedEvent) {
	target, ok := o.targetFor(ev.SessionKey)
	if !ok {
		return
	}
	s := o.surfaceFor(ev.SessionKey, target)
	s.status.Finalize(ev)
	s.answer.Finalize(ev)

	// Correlate the delivered progress message with the run for later
	// message interactions.
	if o.store != nil {
		if msgID := s.answer.AnswerMsgID(); msgID != "" {
			if err := o.store.MapProgress(context.Background(), ev.SessionKey, msgID, ev.RunID); err != nil {
				o.logger.Warn("progress index write failed", "run_id", ev.RunID, "error", err)
			}
		}
	}

	o.mu.Lock()
	if s, ok := o.surfaces[ev.SessionKey]; ok {
		delete(s.runs, ev.RunID)
		// The surface is per run-sequence; a finalized answer coalescer
		// never flushes again, so drop the surface once unreferenced.
		if len(s.runs) == 0 {
			delete(o.surfaces, ev.SessionKey)
		}
	}
	o.mu.Unlock()
}

// targetFor derives the delivery target from a session key. Sessions not on
// this tracker's channel are ignored.
func (o *OutputTracker) targetFor(sessionKey string) (Target, bool) {
	key, err := session.Parse(sessionKey)
	if err != nil || key.Main {
		return Target{}, false
	}
	if key.ChannelID != o.adapter.ChannelID() {
		return Target{}, false
	}
	return Target{
		ChannelID: key.ChannelID,
		AccountID: key.AccountID,
		PeerKind:  string(key.PeerKind),
		PeerID:    key.PeerID,
		ThreadID:  key.ThreadID,
	}, true
}

func (o *OutputTracker) surfaceFor(sessionKey string, target Target) *surface {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.surfaces[sessionKey]
	if !ok {
		s = &surface{
			answer: NewCoalescer(target, o.adapter, o.outbox, o.th, o.logger, o.metrics),
			status: NewToolStatusCoalescer(target, o.adapter, o.outbox, o.logger),
			runs:   make(map[string]struct{}),
		}
		o.surfaces[sessionKey] = s
	}
	return s
}

func (s *surface) trackRun(runID string) {
	s.runs[runID] = struct{}{}
}

// reapIdle drops surfaces that have been inactive past the idle window with
// no referencing runs.
func (o *OutputTracker) reapIdle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, s := range o.surfaces {
		if len(s.runs) == 0 && s.answer.Idle(coalescerIdleWindow) {
			delete(o.surfaces, key)
		}
	}
}
