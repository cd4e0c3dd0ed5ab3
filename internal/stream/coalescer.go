package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/otel"
)

// bufferCap bounds the coalescer's total buffered text; the oldest text is
// truncated first.
const bufferCap = 100_000

// reorderWindow bounds how many out-of-order deltas are held for
// re-sequencing before they are dropped.
const reorderWindow = 64

// Thresholds control when buffered deltas flush.
type Thresholds struct {
	MinChars   int
	Idle       time.Duration
	MaxLatency time.Duration
}

// DefaultThresholds returns the stock flush thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MinChars: 48, Idle: 400 * time.Millisecond, MaxLatency: 1200 * time.Millisecond}
}

// Coalescer buffers delta text for one {session, channel} pair and emits at
// most one answer edit per flush.
type Coalescer struct {
	target  Target
	adapter ChannelAdapter
	outbox  Outbox
	logger  *slog.Logger
	metrics *otel.Metrics
	th      Thresholds

	mu               sync.Mutex
	runID            string
	nextSeq          int
	pending          map[int]string // out-of-order deltas keyed by seq
	full             string // complete coalesced text, capped
	flushedLen       int    // prefix of full already delivered
	lastDeltaAt      time.Time
	firstUnflushedAt time.Time
	answerMsgID      string
	finalized        bool
	timer            *time.Timer
}

// NewCoalescer creates a stream coalescer for one conversation surface.
func NewCoalescer(target Target, adapter ChannelAdapter, outbox Outbox, th Thresholds, logger *slog.Logger, metrics *otel.Metrics) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	if th.MinChars <= 0 {
		th = DefaultThresholds()
	}
	return &Coalescer{
		target:  target,
		adapter: adapter,
		outbox:  outbox,
		logger:  logger,
		metrics: metrics,
		th:      th,
		pending: make(map[int]string),
	}
}

// OnDelta ingests one sequenced text fragment. Duplicates are ignored;
// out-of-order fragments are held and replayed in order within a bounded
// window.
func (c *Coalescer) OnDelta(ev bus.DeltaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	if c.runID == "" {
		c.runID = ev.RunID
	}
	if ev.RunID != c.runID {
		// A new run took over this surface; reset sequencing.
		c.runID = ev.RunID
		c.nextSeq = 0
		c.pending = make(map[int]string)
	}

	switch {
	case ev.Seq < c.nextSeq:
		return // duplicate
	case ev.Seq == c.nextSeq:
		c.appendLocked(ev.Text)
		c.nextSeq++
		for {
			text, ok := c.pending[c.nextSeq]
			if !ok {
				break
			}
			delete(c.pending, c.nextSeq)
			c.appendLocked(text)
			c.nextSeq++
		}
	default:
		if len(c.pending) < reorderWindow {
			if _, dup := c.pending[ev.Seq]; !dup {
				c.pending[ev.Seq] = ev.Text
			}
		}
		return
	}

	now := time.Now()
	c.lastDeltaAt = now
	if c.firstUnflushedAt.IsZero() {
		c.firstUnflushedAt = now
	}
	c.scheduleLocked()
}

func (c *Coalescer) appendLocked(text string) {
	c.full += text
	if over := len(c.full) - bufferCap; over > 0 {
		c.full = c.full[over:]
		if c.flushedLen -= over; c.flushedLen < 0 {
			c.flushedLen = 0
		}
	}
}

// scheduleLocked arms the flush timer for the earliest trigger.
func (c *Coalescer) scheduleLocked() {
	unflushed := len(c.full) - c.flushedLen
	if unflushed <= 0 {
		return
	}
	idleAt := c.lastDeltaAt.Add(c.th.Idle)
	latestAt := c.firstUnflushedAt.Add(c.th.MaxLatency)

	next := latestAt
	if unflushed >= c.th.MinChars && idleAt.Before(next) {
		next = idleAt
	}
	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(wait, c.tick)
}

// tick re-checks the flush triggers; deltas that arrived since arming push
// the flush out again.
func (c *Coalescer) tick() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	unflushed := len(c.full) - c.flushedLen
	if unflushed <= 0 {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	idleElapsed := now.Sub(c.lastDeltaAt) >= c.th.Idle
	latencyHit := now.Sub(c.firstUnflushedAt) >= c.th.MaxLatency
	if (unflushed >= c.th.MinChars && idleElapsed) || latencyHit {
		c.flushLocked(false, "")
		c.mu.Unlock()
		return
	}
	c.scheduleLocked()
	c.mu.Unlock()
}

// Finalize forces the last flush with the full text and the resume suffix,
// then stops the coalescer.
func (c *Coalescer) Finalize(ev bus.RunCompletedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	if c.timer != nil {
		c.timer.Stop()
	}

	if !ev.OK {
		// The user sees a plain-language explanation of the error class,
		// below whatever partial answer streamed out.
		msg := userMessage(ev.Error)
		if c.full != "" {
			c.full += "\n\n"
		}
		c.appendLocked(msg)
	} else if ev.Answer != "" && c.full == "" {
		// Engines that never streamed still deliver their answer.
		c.appendLocked(ev.Answer)
	}

	resumeLine := ""
	if ev.ResumeValue != "" && !resumeOmitted(ev.Error) {
		resumeLine = fmt.Sprintf("%s resume %s", ev.ResumeEngine, ev.ResumeValue)
	}
	c.flushLocked(true, resumeLine)
}

// flushLocked renders and enqueues one flush. Caller holds c.mu.
func (c *Coalescer) flushLocked(final bool, resumeLine string) {
	chunk := c.full[c.flushedLen:]
	if chunk == "" && !final {
		return
	}
	snap := AnswerSnapshot{
		Target:     c.target,
		RunID:      c.runID,
		Chunk:      chunk,
		FullText:   c.full,
		MsgID:      c.answerMsgID,
		Final:      final,
		ResumeLine: resumeLine,
	}
	c.flushedLen = len(c.full)
	c.firstUnflushedAt = time.Time{}

	payloads := c.adapter.RenderAnswer(snap)
	for i := range payloads {
		if payloads[i].Ack == nil {
			payloads[i].Ack = c.ackAnswer
		}
		if err := c.outbox.Enqueue(context.Background(), payloads[i]); err != nil {
			c.logger.Warn("outbox enqueue failed", "run_id", c.runID, "error", err)
		}
	}
	if m := c.metrics; m != nil {
		m.CoalescerFlushes.Add(context.Background(), 1)
		m.OutboundPayloads.Add(context.Background(), int64(len(payloads)))
	}
}

// ackAnswer persists the delivered answer message id so later flushes edit
// instead of re-sending.
func (c *Coalescer) ackAnswer(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerMsgID == "" {
		c.answerMsgID = msgID
	}
}

// AnswerMsgID returns the acked answer message id, if any.
func (c *Coalescer) AnswerMsgID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answerMsgID
}

// Idle reports whether the coalescer is finalized or has seen no deltas for
// the given window. Unflushed text is not checked.
func (c *Coalescer) Idle(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return true
	}
	return !c.lastDeltaAt.IsZero() && time.Since(c.lastDeltaAt) > window
}

// userMessage maps an error class to the text shown to the user.
func userMessage(class string) string {
	switch class {
	case "lock_timeout":
		return "Another run is still holding this conversation's engine. Try again in a moment."
	case "engine_lost":
		return "The engine stopped unexpectedly before finishing."
	case "context_overflow":
		return "The conversation no longer fits the model's context window. It will be compacted on your next message."
	case "timeout":
		return "The run was stopped after a long period without activity."
	case "user_requested":
		return "Run stopped."
	case "interrupt":
		return "Run interrupted."
	default:
		return "The engine reported an error and produced no answer."
	}
}

// resumeOmitted reports whether the final message should omit the resume
// token for this error class.
func resumeOmitted(class string) bool {
	return class == "context_overflow" || class == "user_requested"
}
