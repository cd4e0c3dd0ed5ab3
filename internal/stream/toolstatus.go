package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/engine"
)

const (
	// maxTrackedActions caps the status surface at the most recent entries.
	maxTrackedActions = 40
	titleLimit        = 80
	detailLimit       = 140
)

type actionEntry struct {
	id     string
	kind   string
	title  string
	phase  string
	ok     bool
	detail string
}

// ToolStatusCoalescer folds action lifecycle events into an editable
// "Tool calls" surface, separate from the answer stream.
type ToolStatusCoalescer struct {
	target  Target
	adapter ChannelAdapter
	outbox  Outbox
	logger  *slog.Logger

	mu           sync.Mutex
	runID        string
	order        []string
	actions      map[string]*actionEntry
	statusMsgID  string
	lastRendered string
	finalized    bool
}

// NewToolStatusCoalescer creates the status surface for one conversation.
func NewToolStatusCoalescer(target Target, adapter ChannelAdapter, outbox Outbox, logger *slog.Logger) *ToolStatusCoalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolStatusCoalescer{
		target:  target,
		adapter: adapter,
		outbox:  outbox,
		logger:  logger,
		actions: make(map[string]*actionEntry),
	}
}

// OnAction ingests one action event. Events without an id or with a kind
// outside the whitelist are dropped.
func (t *ToolStatusCoalescer) OnAction(ev bus.EngineActionEvent) {
	if ev.ActionID == "" || !engine.ValidActionKind(engine.ActionKind(ev.Kind)) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	if t.runID == "" {
		t.runID = ev.RunID
	}

	entry, known := t.actions[ev.ActionID]
	if !known {
		entry = &actionEntry{id: ev.ActionID, kind: ev.Kind, title: ev.Title}
		t.actions[ev.ActionID] = entry
		t.order = append(t.order, ev.ActionID)
		if len(t.order) > maxTrackedActions {
			evicted := t.order[0]
			t.order = t.order[1:]
			delete(t.actions, evicted)
		}
	}
	entry.phase = ev.Phase
	if ev.Phase == string(engine.PhaseCompleted) {
		entry.ok = ev.OK
	}
	if ev.Detail != "" {
		entry.detail = ev.Detail
	}
	if ev.Title != "" {
		entry.title = ev.Title
	}

	t.emitLocked(false)
}

// Finalize marks still-running actions with the run's outcome, renders once
// more, and stops.
func (t *ToolStatusCoalescer) Finalize(ev bus.RunCompletedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	for _, id := range t.order {
		entry := t.actions[id]
		if entry.phase != string(engine.PhaseCompleted) {
			entry.phase = string(engine.PhaseCompleted)
			entry.ok = ev.OK
		}
	}
	t.emitLocked(true)
	t.finalized = true
}

// emitLocked renders the surface and enqueues an edit when the rendering
// changed. Caller holds t.mu.
func (t *ToolStatusCoalescer) emitLocked(final bool) {
	if len(t.order) == 0 {
		return
	}
	rendered := t.renderLocked()
	if rendered == t.lastRendered {
		return
	}
	t.lastRendered = rendered

	snap := StatusSnapshot{
		Target: t.target,
		RunID:  t.runID,
		Text:   rendered,
		MsgID:  t.statusMsgID,
		Final:  final,
	}
	payloads := t.adapter.RenderStatus(snap)
	for i := range payloads {
		if payloads[i].Ack == nil {
			payloads[i].Ack = t.ackStatus
		}
		if err := t.outbox.Enqueue(context.Background(), payloads[i]); err != nil {
			t.logger.Warn("status outbox enqueue failed", "run_id", t.runID, "error", err)
		}
	}
}

func (t *ToolStatusCoalescer) renderLocked() string {
	var b strings.Builder
	b.WriteString("Tool calls\n")
	for i, id := range t.order {
		entry := t.actions[id]
		state := "running"
		if entry.phase == string(engine.PhaseCompleted) {
			if entry.ok {
				state = "ok"
			} else {
				state = "err"
			}
		}
		title := t.adapter.Truncate(entry.title, titleLimit)
		fmt.Fprintf(&b, "%d. %s [%s]", i+1, title, state)
		if entry.detail != "" && entry.phase == string(engine.PhaseCompleted) {
			fmt.Fprintf(&b, ": %s", t.adapter.Truncate(entry.detail, detailLimit))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *ToolStatusCoalescer) ackStatus(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusMsgID == "" {
		t.statusMsgID = msgID
	}
}

// StatusMsgID returns the acked status message id, if any.
func (t *ToolStatusCoalescer) StatusMsgID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusMsgID
}
