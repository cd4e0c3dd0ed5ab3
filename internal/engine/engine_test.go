package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_CompositionalFallback(t *testing.T) {
	r := NewRegistry("lemon")
	r.Register(NewEcho("lemon"))
	r.Register(NewEcho("claude"))

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"", "lemon", false}, // default
		{"lemon", "lemon", false},
		{"claude", "claude", false},
		{"claude:claude-3-opus", "claude", false},
		{"codex", "", true},
		{"codex:gpt-5", "", true},
	}
	for _, tt := range tests {
		e, err := r.Get(tt.id)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Get(%q): expected error", tt.id)
			}
			continue
		}
		if err != nil {
			t.Errorf("Get(%q): %v", tt.id, err)
			continue
		}
		if e.ID() != tt.want {
			t.Errorf("Get(%q).ID() = %q, want %q", tt.id, e.ID(), tt.want)
		}
	}
}

func TestSameSession(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"claude", "claude", true},
		{"claude:claude-3-opus", "claude", true},
		{"claude", "claude:claude-3-opus", true},
		{"claude", "codex", false},
		{"lemon", "lemon", true},
	}
	for _, tt := range tests {
		if got := SameSession(tt.a, tt.b); got != tt.want {
			t.Errorf("SameSession(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestScripted_ResumeRoundTrip(t *testing.T) {
	e := NewEcho("lemon")
	token := ResumeToken{EngineID: "lemon", Value: "abc123"}
	line := e.FormatResume(token)
	if line != "lemon resume abc123" {
		t.Fatalf("FormatResume = %q", line)
	}
	got, ok := e.ExtractResume(line)
	if !ok || got != token {
		t.Fatalf("ExtractResume(%q) = %+v, %v", line, got, ok)
	}
	if _, ok := e.ExtractResume("claude resume xyz"); ok {
		t.Fatal("extracted resume for a different engine")
	}
	if _, ok := e.ExtractResume("just some text"); ok {
		t.Fatal("extracted resume from plain text")
	}
}

func collectEvents(t *testing.T, e *ScriptedEngine, job Job) []Event {
	t.Helper()
	events := make(chan Event, 64)
	h, err := e.Start(context.Background(), job, SinkFunc(func(ev Event) { events <- ev }))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine never finished")
	}
	close(events)
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestScripted_EchoStream(t *testing.T) {
	e := NewEcho("lemon")
	events := collectEvents(t, e, Job{RunID: "r1", Prompt: "hello streaming world"})

	if len(events) < 3 {
		t.Fatalf("got %d events, want at least Started+Delta+Completed", len(events))
	}
	if _, ok := events[0].(Started); !ok {
		t.Fatalf("first event = %T, want Started", events[0])
	}
	last, ok := events[len(events)-1].(Completed)
	if !ok {
		t.Fatalf("last event = %T, want Completed", events[len(events)-1])
	}
	if !last.OK || last.Answer != "hello streaming world" {
		t.Fatalf("completed = %+v", last)
	}
	if last.Resume == nil || last.Resume.EngineID != "lemon" {
		t.Fatalf("completed resume = %+v", last.Resume)
	}

	var text string
	for _, ev := range events[1 : len(events)-1] {
		d, ok := ev.(Delta)
		if !ok {
			t.Fatalf("middle event = %T, want Delta", ev)
		}
		text += d.Text
	}
	if text != "hello streaming world" {
		t.Fatalf("reassembled deltas = %q", text)
	}
}

func TestScripted_DieWithoutCompleted(t *testing.T) {
	e := NewScripted("lemon", false)
	e.Script = func(Job) ScriptedRun {
		return ScriptedRun{
			Events:         []Event{Started{Engine: "lemon"}, Delta{Text: "partial"}},
			DieAfterEvents: true,
		}
	}
	events := collectEvents(t, e, Job{RunID: "r1", Prompt: "x"})
	for _, ev := range events {
		if _, ok := ev.(Completed); ok {
			t.Fatal("dying engine should not emit Completed")
		}
	}
}

func TestScripted_Steer(t *testing.T) {
	steerable := NewScripted("lemon", true)
	steerable.Script = func(Job) ScriptedRun {
		return ScriptedRun{Events: []Event{Started{Engine: "lemon"}}, HangAfterEvents: true}
	}
	h, err := steerable.Start(context.Background(), Job{RunID: "r1"}, SinkFunc(func(Event) {}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Steer("also do y"); err != nil {
		t.Fatalf("steer: %v", err)
	}
	if got := steerable.Steered(); len(got) != 1 || got[0] != "also do y" {
		t.Fatalf("steered = %v", got)
	}
	h.Cancel("test_done")

	fixed := NewScripted("other", false)
	h2, err := fixed.Start(context.Background(), Job{RunID: "r2", Prompt: "x"}, SinkFunc(func(Event) {}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h2.Steer("nope"); !errors.Is(err, ErrSteerRejected) {
		t.Fatalf("steer on non-steerable engine = %v, want ErrSteerRejected", err)
	}
}

func TestScripted_CancelStopsEmission(t *testing.T) {
	e := NewScripted("lemon", false)
	e.Script = func(Job) ScriptedRun {
		events := []Event{Started{Engine: "lemon"}}
		for i := 0; i < 100; i++ {
			events = append(events, Delta{Text: "x"})
		}
		events = append(events, Completed{OK: true})
		return ScriptedRun{Events: events, StepDelay: 10 * time.Millisecond}
	}

	var count int
	h, err := e.Start(context.Background(), Job{RunID: "r1"}, SinkFunc(func(Event) { count++ }))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	h.Cancel("user_requested")
	h.Cancel("duplicate") // idempotent

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not done after cancel")
	}
	if count >= 100 {
		t.Fatalf("cancel did not stop emission, %d events", count)
	}
	if got := e.Canceled(); len(got) != 1 || got[0] != "user_requested" {
		t.Fatalf("canceled reasons = %v", got)
	}
}
