package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/lemongate/internal/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKV_ReadYourWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "routes", "k1", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.Get(ctx, "routes", "k1")
	if err != nil || !found || got != "v1" {
		t.Fatalf("get = (%q, %v, %v), want (v1, true, nil)", got, found, err)
	}

	// Overwrite is visible.
	if err := s.Put(ctx, "routes", "k1", "v2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, _ = s.Get(ctx, "routes", "k1")
	if got != "v2" {
		t.Fatalf("get after overwrite = %q, want v2", got)
	}

	// Buckets are independent.
	_, found, _ = s.Get(ctx, "other", "k1")
	if found {
		t.Fatal("key leaked across buckets")
	}

	if err := s.Delete(ctx, "routes", "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, _ = s.Get(ctx, "routes", "k1")
	if found {
		t.Fatal("key present after delete")
	}
	// Deleting an absent key is a no-op.
	if err := s.Delete(ctx, "routes", "k1"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestKV_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a", "c"} {
		if err := s.Put(ctx, "bucket", k, "v-"+k); err != nil {
			t.Fatal(err)
		}
	}
	pairs, err := s.List(ctx, "bucket")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 3 || pairs[0].Key != "a" || pairs[2].Key != "c" {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestChatState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:default:telegram:a1:dm:99"

	cs := ChatState{
		SessionKey: key,
		EngineID:   "lemon",
		Resume:     &engine.ResumeToken{EngineID: "lemon", Value: "tok-1"},
		ExpiresAt:  time.Now().Add(ChatStateTTL),
	}
	if err := s.PutChatState(ctx, cs); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := s.GetChatState(ctx, key)
	if err != nil || !found {
		t.Fatalf("get = (%v, %v)", found, err)
	}
	if got.EngineID != "lemon" || got.Resume == nil || got.Resume.Value != "tok-1" {
		t.Fatalf("state = %+v", got)
	}

	if err := s.DeleteChatState(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, _ = s.GetChatState(ctx, key)
	if found {
		t.Fatal("chat state present after delete")
	}
}

func TestChatState_ExpiredReadsAsAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:default:main"

	cs := ChatState{
		SessionKey: key,
		EngineID:   "lemon",
		Resume:     &engine.ResumeToken{EngineID: "lemon", Value: "old"},
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	if err := s.PutChatState(ctx, cs); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.GetChatState(ctx, key); found {
		t.Fatal("expired chat state should read as absent")
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n == 0 {
		t.Fatal("sweep removed nothing")
	}
}

func TestPendingCompaction_TakeConsumesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:default:main"

	if err := s.MarkPendingCompaction(ctx, key, "context_overflow"); err != nil {
		t.Fatal(err)
	}
	reason, ok, err := s.TakePendingCompaction(ctx, key)
	if err != nil || !ok || reason != "context_overflow" {
		t.Fatalf("take = (%q, %v, %v)", reason, ok, err)
	}
	if _, ok, _ := s.TakePendingCompaction(ctx, key); ok {
		t.Fatal("marker consumed twice")
	}
}

func TestRunSummary_HistoryOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:default:main"

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := s.PutRunSummary(ctx, RunSummary{
			RunID:       string(rune('a' + i)),
			SessionKey:  key,
			OK:          true,
			Answer:      "done",
			Scope:       "main",
			FinalizedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	hist, err := s.RunHistory(ctx, key, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len = %d", len(hist))
	}
	if hist[0].RunID != "c" || hist[2].RunID != "a" {
		t.Fatalf("history order = %s,%s,%s, want c,b,a", hist[0].RunID, hist[1].RunID, hist[2].RunID)
	}
}

func TestRunEvents_AppendAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for seq := 0; seq < 3; seq++ {
		if err := s.AppendRunEvent(ctx, "r1", seq, map[string]any{"seq": seq}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.RunEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events len = %d", len(events))
	}
}

func TestPruneRunHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := RunSummary{RunID: "old", SessionKey: "k", FinalizedAt: time.Now().Add(-48 * time.Hour)}
	fresh := RunSummary{RunID: "fresh", SessionKey: "k", FinalizedAt: time.Now()}
	for _, sum := range []RunSummary{old, fresh} {
		if err := s.PutRunSummary(ctx, sum); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendRunEvent(ctx, "old", 0, "x"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.PruneRunHistory(ctx, 24*time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, found, _ := s.GetRunSummary(ctx, "old"); found {
		t.Fatal("old summary survived prune")
	}
	if _, found, _ := s.GetRunSummary(ctx, "fresh"); !found {
		t.Fatal("fresh summary pruned")
	}
	events, _ := s.RunEvents(ctx, "old")
	if len(events) != 0 {
		t.Fatal("old run events survived prune")
	}
}

func TestProgressIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MapProgress(ctx, "sess", "msg-7", "run-1"); err != nil {
		t.Fatal(err)
	}
	runID, found, err := s.RunForProgress(ctx, "sess", "msg-7")
	if err != nil || !found || runID != "run-1" {
		t.Fatalf("run for progress = (%q, %v, %v)", runID, found, err)
	}

	// Re-mapping the same message points at the newer run.
	if err := s.MapProgress(ctx, "sess", "msg-7", "run-2"); err != nil {
		t.Fatal(err)
	}
	runID, _, _ = s.RunForProgress(ctx, "sess", "msg-7")
	if runID != "run-2" {
		t.Fatalf("run for progress after remap = %q", runID)
	}
}

func TestEndpoints_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	routes := map[string]string{"inbound": "telegram", "fallback": "email"}
	if err := s.PutEndpoint(ctx, "default", "primary", routes); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.GetEndpoint(ctx, "default", "primary")
	if err != nil || !found {
		t.Fatalf("get endpoint = (%v, %v)", found, err)
	}
	if got["inbound"] != "telegram" {
		t.Fatalf("route map = %v", got)
	}
	if _, found, _ := s.GetEndpoint(ctx, "default", "absent"); found {
		t.Fatal("absent endpoint found")
	}
}
