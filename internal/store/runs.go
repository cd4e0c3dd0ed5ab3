package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/lemongate/internal/engine"
)

// RunSummary is the durable terminal record of one run.
type RunSummary struct {
	RunID        string
	SessionKey   string
	OK           bool
	Answer       string
	Error        string
	Resume       *engine.ResumeToken
	InputTokens  int
	OutputTokens int
	Scope        string // lane the run executed in
	FinalizedAt  time.Time
}

// AppendRunEvent appends one event to the run's durable event log. The
// payload is stored as JSON.
func (s *Store) AppendRunEvent(ctx context.Context, runID string, seq int, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return unavailable("encode run event", err)
	}
	execErr := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_events (run_id, seq, payload) VALUES (?, ?, ?);`,
			runID, seq, string(encoded))
		return err
	})
	if execErr != nil {
		return unavailable("append run event", execErr)
	}
	return nil
}

// RunEvents returns the raw JSON payloads of a run's event log in seq order.
func (s *Store) RunEvents(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq, id;`, runID)
	if err != nil {
		return nil, unavailable("run events", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable("run events scan", err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("run events rows", err)
	}
	return out, nil
}

// PutRunSummary records the terminal state of a run.
func (s *Store) PutRunSummary(ctx context.Context, sum RunSummary) error {
	var resumeEngine, resumeValue string
	if sum.Resume != nil {
		resumeEngine = sum.Resume.EngineID
		resumeValue = sum.Resume.Value
	}
	finalized := sum.FinalizedAt
	if finalized.IsZero() {
		finalized = time.Now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_summaries
				(run_id, session_key, ok, answer, error, resume_engine, resume_value,
				 input_tokens, output_tokens, scope, finalized_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id) DO UPDATE SET
				ok = excluded.ok,
				answer = excluded.answer,
				error = excluded.error,
				resume_engine = excluded.resume_engine,
				resume_value = excluded.resume_value,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				scope = excluded.scope,
				finalized_at_ms = excluded.finalized_at_ms;
		`, sum.RunID, sum.SessionKey, boolToInt(sum.OK), sum.Answer, sum.Error,
			resumeEngine, resumeValue, sum.InputTokens, sum.OutputTokens,
			sum.Scope, finalized.UnixMilli())
		return err
	})
	if err != nil {
		return unavailable("put run summary", err)
	}
	return nil
}

// GetRunSummary reads the terminal record of a run.
func (s *Store) GetRunSummary(ctx context.Context, runID string) (RunSummary, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_key, ok, answer, error, resume_engine, resume_value,
		       input_tokens, output_tokens, scope, finalized_at_ms
		FROM run_summaries WHERE run_id = ?;
	`, runID)
	sum, err := scanRunSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, false, nil
	}
	if err != nil {
		return RunSummary{}, false, unavailable("get run summary", err)
	}
	return sum, true, nil
}

// RunHistory returns a session's finished runs, newest first, up to limit.
func (s *Store) RunHistory(ctx context.Context, sessionKey string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, session_key, ok, answer, error, resume_engine, resume_value,
		       input_tokens, output_tokens, scope, finalized_at_ms
		FROM run_summaries WHERE session_key = ?
		ORDER BY finalized_at_ms DESC LIMIT ?;
	`, sessionKey, limit)
	if err != nil {
		return nil, unavailable("run history", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanRunSummary(rows)
		if err != nil {
			return nil, unavailable("run history scan", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("run history rows", err)
	}
	return out, nil
}

// PruneRunHistory deletes run summaries and event logs finalized before the
// retention horizon. Returns rows removed.
func (s *Store) PruneRunHistory(ctx context.Context, retention time.Duration) (int64, error) {
	horizon := time.Now().Add(-retention).UnixMilli()
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM run_events WHERE run_id IN
				(SELECT run_id FROM run_summaries WHERE finalized_at_ms < ?);
		`, horizon)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM run_summaries WHERE finalized_at_ms < ?;`, horizon)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return total, unavailable("prune run history", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(row rowScanner) (RunSummary, error) {
	var sum RunSummary
	var ok int
	var resumeEngine, resumeValue string
	var finalizedMs int64
	if err := row.Scan(&sum.RunID, &sum.SessionKey, &ok, &sum.Answer, &sum.Error,
		&resumeEngine, &resumeValue, &sum.InputTokens, &sum.OutputTokens,
		&sum.Scope, &finalizedMs); err != nil {
		return RunSummary{}, err
	}
	sum.OK = ok != 0
	sum.FinalizedAt = time.UnixMilli(finalizedMs)
	if resumeValue != "" {
		sum.Resume = &engine.ResumeToken{EngineID: resumeEngine, Value: resumeValue}
	}
	return sum, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
