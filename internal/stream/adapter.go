// Package stream turns the run event firehose into bounded channel output:
// the stream coalescer buffers delta text into minimal edits, the tool-status
// coalescer maintains an editable tool-call surface, and the output tracker
// dispatches bus events to both.
package stream

import (
	"context"
	"time"
)

// OutboundKind classifies an outbound payload.
type OutboundKind string

const (
	OutboundText     OutboundKind = "text"
	OutboundEdit     OutboundKind = "edit"
	OutboundDelete   OutboundKind = "delete"
	OutboundFile     OutboundKind = "file"
	OutboundReaction OutboundKind = "reaction"
)

// Target addresses one conversation on one channel.
type Target struct {
	ChannelID string
	AccountID string
	PeerKind  string
	PeerID    string
	ThreadID  string
}

// OutboundPayload is one unit of channel output handed to the outbox.
type OutboundPayload struct {
	Target
	Kind           OutboundKind
	Content        string
	TargetMsgID    string // message to edit/delete; empty for new messages
	ReplyTo        string
	IdempotencyKey string
	Meta           map[string]string

	// Ack, when non-nil, is invoked by the sender with the delivered
	// message id so coalescer state survives across flushes.
	Ack func(msgID string)
}

// Outbox receives outbound payloads for delivery. Implementations must not
// block the caller for the duration of delivery.
type Outbox interface {
	Enqueue(ctx context.Context, payload OutboundPayload) error
}

// OutboxFunc adapts a function to the Outbox interface.
type OutboxFunc func(ctx context.Context, payload OutboundPayload) error

// Enqueue calls f.
func (f OutboxFunc) Enqueue(ctx context.Context, payload OutboundPayload) error {
	return f(ctx, payload)
}

// AnswerSnapshot is the stream coalescer's view handed to the adapter at each
// flush.
type AnswerSnapshot struct {
	Target
	RunID      string
	Chunk      string // unflushed text since the previous flush
	FullText   string // complete coalesced text, capped
	MsgID      string // answer message id, empty before the first ack
	Final      bool
	ResumeLine string // compact resume suffix; empty when omitted
}

// StatusSnapshot is the tool-status coalescer's rendered view.
type StatusSnapshot struct {
	Target
	RunID string
	Text  string
	MsgID string
	Final bool
}

// ChannelAdapter is the per-channel output strategy: given a coalescer
// snapshot, produce zero or more outbound payloads.
type ChannelAdapter interface {
	ChannelID() string
	SupportsEdit() bool
	MaxMessageChars() int
	Truncate(text string, limit int) string
	RenderAnswer(snap AnswerSnapshot) []OutboundPayload
	RenderStatus(snap StatusSnapshot) []OutboundPayload
	RenderIdlePrompt(target Target, runID string, confirmBy time.Time) []OutboundPayload
	BatchFiles(files []string) [][]string
}
