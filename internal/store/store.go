// Package store provides keyed persistence for chat state, run events, the
// progress-message index and pending-compaction markers. Callers treat a
// failing store as degraded, never fatal: reads fall back to absence, writes
// are best-effort.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "lg-v1-2026-05-19-gateway-core"
)

// ErrUnavailable is the only error kind the store surfaces. Callers degrade:
// routing continues with in-memory defaults, auto-resume becomes unavailable.
var ErrUnavailable = errors.New("store unavailable")

// Store is the sqlite-backed persistence layer. A single writer connection
// keeps writes from the same logical writer serialized (read-your-writes).
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lemongate", "lemongate.db")
}

// Open opens (creating if necessary) the database at path. An empty path uses
// DefaultDBPath; ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (bucket, key)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_state (
			session_key TEXT PRIMARY KEY,
			engine_id TEXT NOT NULL,
			resume_engine TEXT NOT NULL DEFAULT '',
			resume_value TEXT NOT NULL DEFAULT '',
			expires_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, seq);`,
		`CREATE TABLE IF NOT EXISTS run_summaries (
			run_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			ok INTEGER NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			resume_engine TEXT NOT NULL DEFAULT '',
			resume_value TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			scope TEXT NOT NULL DEFAULT '',
			finalized_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_summaries_session ON run_summaries(session_key, finalized_at_ms);`,
		`CREATE TABLE IF NOT EXISTS progress_index (
			session_key TEXT NOT NULL,
			progress_msg_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			PRIMARY KEY (session_key, progress_msg_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_compaction (
			session_key TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			ts_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			route_map TEXT NOT NULL,
			PRIMARY KEY (agent_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions_index (
			session_key TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			last_active_ms INTEGER NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// The error string is matched to avoid importing the sqlite3 package into
// non-CGO-importing code paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Get reads one value from a named bucket. Absence is (value, found=false),
// not an error.
func (s *Store) Get(ctx context.Context, bucket, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?;`, bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return value, true, nil
}

// Put writes one value to a named bucket.
func (s *Store) Put(ctx context.Context, bucket, key, value string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (bucket, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, bucket, key, value)
		return err
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Delete removes one key from a bucket. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?;`, bucket, key)
		return err
	})
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// KVPair is one row of a bucket listing.
type KVPair struct {
	Key   string
	Value string
}

// List returns all pairs in a bucket ordered by key.
func (s *Store) List(ctx context.Context, bucket string) ([]KVPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE bucket = ? ORDER BY key;`, bucket)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []KVPair
	for rows.Next() {
		var p KVPair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, unavailable("list scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rows", err)
	}
	return out, nil
}
