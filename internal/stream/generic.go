package stream

import (
	"fmt"
	"time"
)

// GenericAdapter is the stock channel strategy: plain text messages, one per
// flush, no edits. Edit-capable channels embed it and override the render
// methods, or implement ChannelAdapter directly.
type GenericAdapter struct {
	Channel  string
	MaxChars int
}

// ChannelID returns the channel this adapter serves.
func (g GenericAdapter) ChannelID() string { return g.Channel }

// SupportsEdit reports false: generic channels get one message per flush.
func (g GenericAdapter) SupportsEdit() bool { return false }

// MaxMessageChars bounds a single message. Zero means 4000.
func (g GenericAdapter) MaxMessageChars() int {
	if g.MaxChars <= 0 {
		return 4000
	}
	return g.MaxChars
}

// Truncate clips text to limit bytes, marking the cut.
func (g GenericAdapter) Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "…"
}

// RenderAnswer emits one new text message per flush carrying the unflushed
// chunk; the final flush appends the resume suffix.
func (g GenericAdapter) RenderAnswer(snap AnswerSnapshot) []OutboundPayload {
	content := snap.Chunk
	if snap.Final && snap.ResumeLine != "" {
		if content != "" {
			content += "\n\n"
		}
		content += snap.ResumeLine
	}
	if content == "" {
		return nil
	}
	return []OutboundPayload{{
		Target:         snap.Target,
		Kind:           OutboundText,
		Content:        g.Truncate(content, g.MaxMessageChars()),
		IdempotencyKey: fmt.Sprintf("%s:answer:%d", snap.RunID, len(snap.FullText)),
	}}
}

// RenderStatus emits the tool-status surface as a text message.
func (g GenericAdapter) RenderStatus(snap StatusSnapshot) []OutboundPayload {
	return []OutboundPayload{{
		Target:         snap.Target,
		Kind:           OutboundText,
		Content:        g.Truncate(snap.Text, g.MaxMessageChars()),
		IdempotencyKey: fmt.Sprintf("%s:status:%d", snap.RunID, len(snap.Text)),
	}}
}

// RenderIdlePrompt asks the user whether to keep waiting. Generic channels
// have no interactive buttons; the prompt is informational.
func (g GenericAdapter) RenderIdlePrompt(target Target, runID string, confirmBy time.Time) []OutboundPayload {
	return []OutboundPayload{{
		Target:         target,
		Kind:           OutboundText,
		Content:        "Still working on your request. Reply 'stop' to cancel.",
		IdempotencyKey: runID + ":idle",
	}}
}

// BatchFiles groups file deliveries one per message.
func (g GenericAdapter) BatchFiles(files []string) [][]string {
	batches := make([][]string, 0, len(files))
	for _, f := range files {
		batches = append(batches, []string{f})
	}
	return batches
}
