package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/lemongate/internal/bus"
	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/engine"
	"github.com/basket/lemongate/internal/lock"
	"github.com/basket/lemongate/internal/store"
)

type testEnv struct {
	sched   *Scheduler
	bus     *bus.Bus
	store   *store.Store
	engines *engine.Registry
	locks   *lock.Lock
}

func newTestEnv(t *testing.T, mutate func(*config.Config), engines ...engine.Engine) *testEnv {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := engine.NewRegistry(cfg.DefaultEngine)
	if len(engines) == 0 {
		reg.Register(engine.NewEcho("lemon"))
	}
	for _, e := range engines {
		reg.Register(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	locks := lock.New(lock.Options{MaxAge: cfg.MaxLockAge()})
	sched := New(ctx, Options{
		Config:  config.NewLive(cfg),
		Bus:     b,
		Store:   st,
		Engines: reg,
		Locks:   locks,
	})
	return &testEnv{sched: sched, bus: b, store: st, engines: reg, locks: locks}
}

// awaitCompleted reads a subscription until a terminal event arrives.
func awaitCompleted(t *testing.T, sub *bus.Subscription, timeout time.Duration) bus.RunCompletedEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Ch():
			if comp, ok := ev.Payload.(bus.RunCompletedEvent); ok {
				return comp
			}
		case <-deadline:
			t.Fatal("timeout waiting for run completion")
		}
	}
}

func awaitStarted(t *testing.T, sub *bus.Subscription, timeout time.Duration) bus.RunStartedEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Ch():
			if started, ok := ev.Payload.(bus.RunStartedEvent); ok {
				return started
			}
		case <-deadline:
			t.Fatal("timeout waiting for run start")
		}
	}
}

const testSession = "agent:default:telegram:a1:dm:99"

func TestSubmit_HappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	runID, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession,
		AgentID:    "default",
		Prompt:     "hello",
		Origin:     "telegram",
		QueueMode:  engine.ModeCollect,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if runID == "" {
		t.Fatal("submit returned empty run id")
	}

	started := awaitStarted(t, sub, 2*time.Second)
	if started.RunID != runID || started.EngineID != "lemon" {
		t.Fatalf("started = %+v", started)
	}
	comp := awaitCompleted(t, sub, 2*time.Second)
	if !comp.OK || comp.Answer != "hello" || comp.RunID != runID {
		t.Fatalf("completed = %+v", comp)
	}
	if comp.ResumeValue == "" {
		t.Fatal("completed event missing resume token")
	}

	cs, found, err := env.store.GetChatState(context.Background(), testSession)
	if err != nil || !found {
		t.Fatalf("chat state = (%v, %v)", found, err)
	}
	if cs.EngineID != "lemon" || cs.Resume == nil || cs.Resume.Value != comp.ResumeValue {
		t.Fatalf("chat state = %+v", cs)
	}
	if ttl := time.Until(cs.ExpiresAt); ttl < 23*time.Hour || ttl > 25*time.Hour {
		t.Fatalf("chat state ttl = %v, want ~24h", ttl)
	}

	// The terminal event publishes before the slot is returned, so poll.
	waitForCounts(t, env.sched, func(c Counts) bool {
		return c.CompletedToday == 1 && c.Active == 0
	})
}

func waitForCounts(t *testing.T, sched *Scheduler, cond func(Counts) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if cond(sched.CountsSnapshot()) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts never converged: %+v", sched.CountsSnapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmit_UnknownEngine(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession,
		Prompt:     "x",
		EngineID:   "nonexistent",
	})
	if !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("err = %v, want ErrUnknownEngine", err)
	}
	if c := env.sched.CountsSnapshot(); c.Queued != 0 {
		t.Fatalf("rejected job was queued: %+v", c)
	}
}

func TestAutoResume_RoundTrip(t *testing.T) {
	echo := engine.NewEcho("lemon")
	env := newTestEnv(t, nil, echo)

	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "first",
	}); err != nil {
		t.Fatal(err)
	}
	first := awaitCompleted(t, sub, 2*time.Second)
	if first.ResumeValue == "" {
		t.Fatal("first run produced no resume token")
	}

	// Second submit with empty resume and empty engine must pick up the
	// stored token via auto-resume.
	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "second",
	}); err != nil {
		t.Fatal(err)
	}
	awaitCompleted(t, sub, 2*time.Second)

	jobs := echo.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("engine saw %d jobs, want 2", len(jobs))
	}
	if jobs[1].Resume == nil || jobs[1].Resume.Value != first.ResumeValue {
		t.Fatalf("second job resume = %+v, want %q", jobs[1].Resume, first.ResumeValue)
	}
}

func TestAutoResume_DisabledByMeta(t *testing.T) {
	echo := engine.NewEcho("lemon")
	env := newTestEnv(t, nil, echo)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "first"}); err != nil {
		t.Fatal(err)
	}
	awaitCompleted(t, sub, 2*time.Second)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "second",
		Meta: map[string]string{engine.MetaDisableAutoResume: "1"},
	}); err != nil {
		t.Fatal(err)
	}
	awaitCompleted(t, sub, 2*time.Second)

	jobs := echo.Jobs()
	if jobs[1].Resume != nil {
		t.Fatalf("auto-resume attached despite disable flag: %+v", jobs[1].Resume)
	}
}

// hangingEngine returns a scripted engine whose runs emit Started then stay
// alive until cancelled.
func hangingEngine(id string, steerable bool) *engine.ScriptedEngine {
	e := engine.NewScripted(id, steerable)
	e.Script = func(engine.Job) engine.ScriptedRun {
		return engine.ScriptedRun{
			Events:          []engine.Event{engine.Started{Engine: id}},
			HangAfterEvents: true,
		}
	}
	return e
}

func TestInterrupt_CancelsActiveAndRunsNext(t *testing.T) {
	eng := engine.NewScripted("lemon", false)
	eng.Script = func(job engine.Job) engine.ScriptedRun {
		if strings.Contains(job.Prompt, "stop and do X") {
			return engine.ScriptedRun{} // echo: completes immediately
		}
		return engine.ScriptedRun{
			Events:          []engine.Event{engine.Started{Engine: "lemon"}},
			HangAfterEvents: true,
		}
	}
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "long task",
	}); err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, sub, 2*time.Second)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "stop and do X",
		QueueMode: engine.ModeInterrupt,
	}); err != nil {
		t.Fatal(err)
	}

	first := awaitCompleted(t, sub, 2*time.Second)
	if first.OK || first.Error != ClassUserRequested {
		t.Fatalf("interrupted run = %+v, want user_requested failure", first)
	}
	second := awaitCompleted(t, sub, 2*time.Second)
	if !second.OK || second.Answer != "stop and do X" {
		t.Fatalf("interrupt job = %+v", second)
	}
	if reasons := eng.Canceled(); len(reasons) == 0 || reasons[0] != ClassUserRequested {
		t.Fatalf("cancel reasons = %v", reasons)
	}
}

func TestInterrupt_NoActiveRunBehavesAsCollect(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "just run",
		QueueMode: engine.ModeInterrupt,
	}); err != nil {
		t.Fatal(err)
	}
	comp := awaitCompleted(t, sub, 2*time.Second)
	if !comp.OK || comp.Answer != "just run" {
		t.Fatalf("completed = %+v", comp)
	}
}

func TestSlotSaturation_SecondWaitsForFirst(t *testing.T) {
	eng := engine.NewScripted("lemon", false)
	eng.Script = func(job engine.Job) engine.ScriptedRun {
		if job.SessionKey == testSession {
			return engine.ScriptedRun{
				Events:          []engine.Event{engine.Started{Engine: "lemon"}},
				HangAfterEvents: true,
			}
		}
		return engine.ScriptedRun{}
	}
	env := newTestEnv(t, func(c *config.Config) {
		c.Scheduling.MaxConcurrentRuns = 1
	}, eng)

	otherSession := "agent:default:telegram:a1:dm:100"
	sub1 := env.bus.Subscribe(bus.SessionTopic(testSession))
	sub2 := env.bus.Subscribe(bus.SessionTopic(otherSession))
	defer env.bus.Unsubscribe(sub1)
	defer env.bus.Unsubscribe(sub2)

	run1, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "hold"})
	if err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, sub1, 2*time.Second)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: otherSession, Prompt: "wait"}); err != nil {
		t.Fatal(err)
	}

	// Second run must not start while the only slot is held.
	select {
	case ev := <-sub2.Ch():
		if _, ok := ev.Payload.(bus.RunStartedEvent); ok {
			t.Fatal("second run started while slot was held")
		}
	case <-time.After(150 * time.Millisecond):
	}

	env.sched.CancelByRunID(run1, ClassUserRequested)
	awaitCompleted(t, sub1, 2*time.Second)
	awaitStarted(t, sub2, 2*time.Second)
	comp := awaitCompleted(t, sub2, 2*time.Second)
	if !comp.OK {
		t.Fatalf("second run = %+v", comp)
	}

	waitForCounts(t, env.sched, func(c Counts) bool { return c.Active == 0 })
}

func TestEngineLost_SynthesizesCompletion(t *testing.T) {
	eng := engine.NewScripted("lemon", false)
	eng.Script = func(engine.Job) engine.ScriptedRun {
		return engine.ScriptedRun{
			Events: []engine.Event{
				engine.Started{Engine: "lemon"},
				engine.Delta{Text: "partial"},
			},
			DieAfterEvents: true,
		}
	}
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	comp := awaitCompleted(t, sub, 3*time.Second)
	if comp.OK || comp.Error != ClassEngineLost {
		t.Fatalf("completed = %+v, want engine_lost", comp)
	}
	if env.locks.Held(testSession) {
		t.Fatal("engine lock leaked after engine loss")
	}

	// Slot was released: another run can start immediately.
	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "y"}); err != nil {
		t.Fatal(err)
	}
	awaitCompleted(t, sub, 3*time.Second)
}

func TestContextOverflow_ClearsChatStateAndMarksCompaction(t *testing.T) {
	eng := engine.NewScripted("lemon", false)
	eng.Script = func(engine.Job) engine.ScriptedRun {
		return engine.ScriptedRun{
			Events: []engine.Event{
				engine.Started{Engine: "lemon"},
				engine.Completed{OK: false, Error: "request failed: context length exceeded"},
			},
		}
	}
	env := newTestEnv(t, nil, eng)
	ctx := context.Background()

	// Seed prior resume state that must be cleared.
	if err := env.store.PutChatState(ctx, store.ChatState{
		SessionKey: testSession,
		EngineID:   "lemon",
		Resume:     &engine.ResumeToken{EngineID: "lemon", Value: "stale"},
		ExpiresAt:  time.Now().Add(store.ChatStateTTL),
	}); err != nil {
		t.Fatal(err)
	}

	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(ctx, engine.Job{
		SessionKey: testSession, Prompt: "x",
		Meta: map[string]string{engine.MetaDisableAutoResume: "1"},
	}); err != nil {
		t.Fatal(err)
	}
	comp := awaitCompleted(t, sub, 2*time.Second)
	if comp.Error != ClassContextOverflow {
		t.Fatalf("error class = %q, want context_overflow", comp.Error)
	}
	if comp.ResumeValue != "" {
		t.Fatal("overflow completion must not carry a resume token")
	}

	if _, found, _ := env.store.GetChatState(ctx, testSession); found {
		t.Fatal("chat state survived context overflow")
	}
	reason, ok, err := env.store.PendingCompaction(ctx, testSession)
	if err != nil || !ok {
		t.Fatalf("pending compaction = (%v, %v)", ok, err)
	}
	if reason != ClassContextOverflow {
		t.Fatalf("compaction reason = %q", reason)
	}
}

func TestLockTimeout_FailsCompletion(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Scheduling.EngineLockTimeoutMs = 50
	})

	// Hold the session's engine lock externally.
	release, err := env.locks.Acquire(context.Background(), testSession, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	comp := awaitCompleted(t, sub, 2*time.Second)
	if comp.OK || comp.Error != ClassLockTimeout {
		t.Fatalf("completed = %+v, want lock_timeout", comp)
	}
	waitForCounts(t, env.sched, func(c Counts) bool { return c.Active == 0 })
}

func TestCancelByRunID_Idempotent(t *testing.T) {
	eng := hangingEngine("lemon", false)
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	runID, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, sub, 2*time.Second)

	env.sched.CancelByRunID(runID, ClassUserRequested)
	env.sched.CancelByRunID(runID, ClassUserRequested)

	awaitCompleted(t, sub, 2*time.Second)

	// Exactly one terminal event: no second completion arrives.
	select {
	case ev := <-sub.Ch():
		if _, ok := ev.Payload.(bus.RunCompletedEvent); ok {
			t.Fatal("second terminal event after double cancel")
		}
	case <-time.After(200 * time.Millisecond):
	}

	// Cancelling a terminated run is a no-op.
	env.sched.CancelByRunID(runID, ClassUserRequested)
}

func TestCollect_CoalescesConsecutivePrompts(t *testing.T) {
	blocker := engine.NewScripted("lemon", false)
	blocker.Script = func(job engine.Job) engine.ScriptedRun {
		if job.SessionKey == "agent:blocker:main" {
			return engine.ScriptedRun{
				Events:          []engine.Event{engine.Started{Engine: "lemon"}},
				HangAfterEvents: true,
			}
		}
		return engine.ScriptedRun{}
	}
	env := newTestEnv(t, func(c *config.Config) {
		c.Scheduling.MaxConcurrentRuns = 1
	}, blocker)

	blockerSub := env.bus.Subscribe(bus.SessionTopic("agent:blocker:main"))
	defer env.bus.Unsubscribe(blockerSub)
	blockRun, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: "agent:blocker:main", Prompt: "hold"})
	if err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, blockerSub, 2*time.Second)

	// With the slot held, the session's first job is popped and parked on
	// the slot queue; the next two collects sit in the queue and coalesce.
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)
	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "first line"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "second line"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "third line",
		Meta: map[string]string{"origin_msg": "m3"},
	}); err != nil {
		t.Fatal(err)
	}

	env.sched.CancelByRunID(blockRun, ClassUserRequested)
	first := awaitCompleted(t, sub, 3*time.Second)
	if first.Answer != "first line" {
		t.Fatalf("first answer = %q", first.Answer)
	}
	second := awaitCompleted(t, sub, 3*time.Second)
	if second.Answer != "second line\nthird line" {
		t.Fatalf("second answer = %q, want coalesced prompts", second.Answer)
	}

	jobs := blocker.Jobs()
	last := jobs[len(jobs)-1]
	if last.Prompt != "second line\nthird line" {
		t.Fatalf("engine prompt = %q", last.Prompt)
	}
	// Later job's metadata wins.
	if last.Meta["origin_msg"] != "m3" {
		t.Fatalf("meta = %v, want later job's metadata", last.Meta)
	}
}

func TestSteer_IntoActiveRun(t *testing.T) {
	eng := hangingEngine("lemon", true)
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	runID, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "task"})
	if err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, sub, 2*time.Second)
	// Give the run a beat to install its engine handle.
	time.Sleep(50 * time.Millisecond)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "also consider Y",
		QueueMode: engine.ModeSteer,
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(eng.Steered()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("steer never reached the engine")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := eng.Steered(); got[0] != "also consider Y" {
		t.Fatalf("steered = %v", got)
	}
	// The steered job was dropped, not queued.
	if c := env.sched.CountsSnapshot(); c.Queued != 0 {
		t.Fatalf("queued = %d, want 0", c.Queued)
	}
	env.sched.CancelByRunID(runID, ClassUserRequested)
	awaitCompleted(t, sub, 2*time.Second)
}

func TestSteer_FallsBackToFollowupWhenUnsupported(t *testing.T) {
	eng := engine.NewScripted("lemon", false) // not steerable
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{
		SessionKey: testSession, Prompt: "do it anyway",
		QueueMode: engine.ModeSteer,
	}); err != nil {
		t.Fatal(err)
	}
	comp := awaitCompleted(t, sub, 2*time.Second)
	if !comp.OK || comp.Answer != "do it anyway" {
		t.Fatalf("fallback run = %+v", comp)
	}
}

func TestZeroAnswerRetry_Once(t *testing.T) {
	eng := engine.NewScripted("lemon", false)
	eng.Script = func(job engine.Job) engine.ScriptedRun {
		return engine.ScriptedRun{
			Events: []engine.Event{
				engine.Started{Engine: "lemon"},
				engine.Completed{OK: false, Error: "upstream 500"},
			},
		}
	}
	env := newTestEnv(t, nil, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "please"}); err != nil {
		t.Fatal(err)
	}

	first := awaitCompleted(t, sub, 2*time.Second)
	if first.Error != ClassAssistantError {
		t.Fatalf("first = %+v", first)
	}
	second := awaitCompleted(t, sub, 2*time.Second)
	if second.Error != ClassAssistantError {
		t.Fatalf("second = %+v", second)
	}

	// No third attempt.
	select {
	case ev := <-sub.Ch():
		if _, ok := ev.Payload.(bus.RunCompletedEvent); ok {
			t.Fatal("retried more than once")
		}
	case <-time.After(300 * time.Millisecond):
	}

	jobs := eng.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("engine saw %d jobs, want 2", len(jobs))
	}
	if !strings.Contains(jobs[1].Prompt, "please") || !strings.HasPrefix(jobs[1].Prompt, retryPrefix) {
		t.Fatalf("retry prompt = %q", jobs[1].Prompt)
	}
}

func TestWorkerTerminatesWhenIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	awaitCompleted(t, sub, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		env.sched.mu.Lock()
		n := len(env.sched.workers)
		env.sched.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers still registered: %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompletedToday_ResetsAcrossUTCMidnight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sched.noteCompleted()
	env.sched.noteCompleted()
	if c := env.sched.CountsSnapshot(); c.CompletedToday != 2 {
		t.Fatalf("completed = %d", c.CompletedToday)
	}

	// Simulate the day rolling over.
	env.sched.mu.Lock()
	env.sched.completedDay = "1999-12-31"
	env.sched.mu.Unlock()

	env.sched.ResetDailyCounters()
	if c := env.sched.CountsSnapshot(); c.CompletedToday != 0 {
		t.Fatalf("completed after reset = %d", c.CompletedToday)
	}
}

func TestSessionRegistry_SingleRunPerSession(t *testing.T) {
	eng := hangingEngine("lemon", false)
	env := newTestEnv(t, func(c *config.Config) {
		c.Scheduling.MaxConcurrentRuns = 4
	}, eng)
	sub := env.bus.Subscribe(bus.SessionTopic(testSession))
	defer env.bus.Unsubscribe(sub)

	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "one"}); err != nil {
		t.Fatal(err)
	}
	awaitStarted(t, sub, 2*time.Second)
	if _, err := env.sched.Submit(context.Background(), engine.Job{SessionKey: testSession, Prompt: "two"}); err != nil {
		t.Fatal(err)
	}

	// The second job queues behind the first; only one run is registered.
	time.Sleep(100 * time.Millisecond)
	if eng.StartCount() != 1 {
		t.Fatalf("engine started %d runs concurrently for one session", eng.StartCount())
	}
	if c := env.sched.CountsSnapshot(); c.Queued != 1 {
		t.Fatalf("queued = %d, want 1", c.Queued)
	}

	env.sched.CancelBySession(testSession, ClassUserRequested)
	awaitCompleted(t, sub, 2*time.Second)
	awaitStarted(t, sub, 2*time.Second)
	env.sched.CancelBySession(testSession, ClassUserRequested)
	awaitCompleted(t, sub, 2*time.Second)
}
