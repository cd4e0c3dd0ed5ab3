package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/lemongate/internal/tokenutil"
)

// ScriptedRun describes the event stream a ScriptedEngine emits for one job.
type ScriptedRun struct {
	// Events are emitted in order after Start. When empty, the engine
	// behaves as an echo: Started, one Delta per prompt word, Completed.
	Events []Event

	// StepDelay is inserted between events.
	StepDelay time.Duration

	// HangAfterEvents stops emission after Events without a terminal
	// Completed; the run's watchdog paths are exercised this way.
	HangAfterEvents bool

	// DieAfterEvents closes the handle's Done channel after Events without
	// emitting Completed, simulating an engine process crash.
	DieAfterEvents bool
}

// ScriptedEngine is an in-process engine driven by per-job scripts. It backs
// tests and the built-in echo engine; it performs no AI work.
type ScriptedEngine struct {
	id        string
	steerable bool

	// Script selects the run for a job. Nil scripts echo.
	Script func(job Job) ScriptedRun

	mu       sync.Mutex
	started  int
	jobs     []Job
	canceled []string
	steered  []string
}

// NewScripted creates a scripted engine.
func NewScripted(id string, steerable bool) *ScriptedEngine {
	return &ScriptedEngine{id: id, steerable: steerable}
}

// NewEcho returns a scripted engine with echo behavior, suitable as a
// stand-in local engine.
func NewEcho(id string) *ScriptedEngine {
	return NewScripted(id, true)
}

func (e *ScriptedEngine) ID() string          { return e.id }
func (e *ScriptedEngine) SupportsSteer() bool { return e.steerable }

// StartCount returns how many runs were started.
func (e *ScriptedEngine) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Jobs returns the jobs passed to Start, in order.
func (e *ScriptedEngine) Jobs() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Job(nil), e.jobs...)
}

// Canceled returns the reasons passed to Cancel, in order.
func (e *ScriptedEngine) Canceled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.canceled...)
}

// Steered returns the texts accepted by Steer, in order.
func (e *ScriptedEngine) Steered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.steered...)
}

func (e *ScriptedEngine) FormatResume(token ResumeToken) string {
	return fmt.Sprintf("%s resume %s", token.EngineID, token.Value)
}

func (e *ScriptedEngine) ExtractResume(text string) (ResumeToken, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) != 3 || fields[0] != e.id || fields[1] != "resume" {
		return ResumeToken{}, false
	}
	return ResumeToken{EngineID: e.id, Value: fields[2]}, true
}

type scriptedHandle struct {
	cancelOnce sync.Once
	cancelCh   chan string
	done       chan struct{}
	eng        *ScriptedEngine
}

func (h *scriptedHandle) Cancel(reason string) {
	h.cancelOnce.Do(func() {
		h.eng.mu.Lock()
		h.eng.canceled = append(h.eng.canceled, reason)
		h.eng.mu.Unlock()
		close(h.cancelCh)
	})
}

func (h *scriptedHandle) Steer(text string) error {
	if !h.eng.steerable {
		return ErrSteerRejected
	}
	select {
	case <-h.done:
		return ErrSteerRejected
	default:
	}
	h.eng.mu.Lock()
	h.eng.steered = append(h.eng.steered, text)
	h.eng.mu.Unlock()
	return nil
}

func (h *scriptedHandle) Done() <-chan struct{} { return h.done }

func (e *ScriptedEngine) Start(ctx context.Context, job Job, sink Sink) (Handle, error) {
	e.mu.Lock()
	e.started++
	e.jobs = append(e.jobs, job)
	script := ScriptedRun{}
	if e.Script != nil {
		script = e.Script(job)
	}
	e.mu.Unlock()

	h := &scriptedHandle{
		cancelCh: make(chan string),
		done:     make(chan struct{}),
		eng:      e,
	}

	events := script.Events
	if len(events) == 0 && !script.HangAfterEvents && !script.DieAfterEvents {
		events = e.echoScript(job)
	}

	go func() {
		defer func() {
			if !script.HangAfterEvents {
				close(h.done)
			}
		}()
		for _, ev := range events {
			if script.StepDelay > 0 {
				select {
				case <-time.After(script.StepDelay):
				case <-ctx.Done():
					return
				case <-h.cancelCh:
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-h.cancelCh:
				return
			default:
			}
			sink.Emit(ev)
		}
		if script.HangAfterEvents {
			// Keep the session alive until cancel or ctx end, then die
			// silently without a terminal event.
			select {
			case <-ctx.Done():
			case <-h.cancelCh:
			}
			close(h.done)
		}
	}()

	return h, nil
}

func (e *ScriptedEngine) echoScript(job Job) []Event {
	resume := &ResumeToken{EngineID: e.id, Value: uuid.NewString()}
	if job.Resume != nil {
		resume = &ResumeToken{EngineID: e.id, Value: job.Resume.Value}
	}
	events := []Event{Started{Engine: e.id, Resume: resume}}
	for i, word := range strings.Fields(job.Prompt) {
		text := word
		if i > 0 {
			text = " " + word
		}
		events = append(events, Delta{Text: text})
	}
	events = append(events, Completed{
		OK:     true,
		Answer: job.Prompt,
		Resume: resume,
		Usage: &Usage{
			InputTokens:  tokenutil.EstimateTokens(job.Prompt),
			OutputTokens: tokenutil.EstimateTokens(job.Prompt),
		},
	})
	return events
}
