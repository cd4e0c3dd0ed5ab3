// Package audit appends a durable trail of routing decisions: submissions,
// cancellations, and session aborts. Entries are JSON lines with secrets
// redacted before persistence.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/lemongate/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"` // submit, cancel, abort
	RunID      string `json:"run_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Log appends entries to an audit file. The zero value discards entries.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates the audit log under homeDir/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one entry. A nil or closed log is a no-op so callers never
// branch on audit availability.
func (l *Log) Record(action, runID, sessionKey, origin, detail string) {
	if l == nil {
		return
	}
	entry := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Action:     action,
		RunID:      runID,
		SessionKey: sessionKey,
		Origin:     origin,
		Detail:     shared.Redact(detail),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.Write(append(data, '\n'))
}
