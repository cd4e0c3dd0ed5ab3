package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_AppendsRedactedEntries(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	log.Record("submit", "r1", "agent:default:main", "telegram", "ok")
	log.Record("cancel", "r1", "agent:default:main", "control_plane", "api_key=abcdefghijklmnop1234 rejected")
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"action":"submit"`) {
		t.Fatalf("first line = %s", lines[0])
	}
	if strings.Contains(out, "abcdefghijklmnop1234") {
		t.Fatalf("secret leaked into audit log: %s", out)
	}
}

func TestRecord_NilAndClosedAreNoOps(t *testing.T) {
	var nilLog *Log
	nilLog.Record("submit", "r1", "k", "o", "d") // must not panic

	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	log.Record("submit", "r1", "k", "o", "d") // closed: dropped silently
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
}
