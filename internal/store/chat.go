package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/lemongate/internal/engine"
)

// ChatStateTTL is how long a resume token stays attachable.
const ChatStateTTL = 24 * time.Hour

// PendingCompactionTTL bounds how long a compaction marker is honored.
const PendingCompactionTTL = 12 * time.Hour

// ChatState is the durable per-session record used by auto-resume.
type ChatState struct {
	SessionKey string
	EngineID   string
	Resume     *engine.ResumeToken
	ExpiresAt  time.Time
}

// PutChatState upserts the session's resume state.
func (s *Store) PutChatState(ctx context.Context, cs ChatState) error {
	var resumeEngine, resumeValue string
	if cs.Resume != nil {
		resumeEngine = cs.Resume.EngineID
		resumeValue = cs.Resume.Value
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_state (session_key, engine_id, resume_engine, resume_value, expires_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_key) DO UPDATE SET
				engine_id = excluded.engine_id,
				resume_engine = excluded.resume_engine,
				resume_value = excluded.resume_value,
				expires_at_ms = excluded.expires_at_ms;
		`, cs.SessionKey, cs.EngineID, resumeEngine, resumeValue, cs.ExpiresAt.UnixMilli())
		return err
	})
	if err != nil {
		return unavailable("put chat state", err)
	}
	return nil
}

// GetChatState reads the session's resume state. Expired state reads as
// absent; the row is left for the sweep.
func (s *Store) GetChatState(ctx context.Context, sessionKey string) (ChatState, bool, error) {
	var cs ChatState
	var resumeEngine, resumeValue string
	var expiresAtMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, engine_id, resume_engine, resume_value, expires_at_ms
		FROM chat_state WHERE session_key = ?;
	`, sessionKey).Scan(&cs.SessionKey, &cs.EngineID, &resumeEngine, &resumeValue, &expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatState{}, false, nil
	}
	if err != nil {
		return ChatState{}, false, unavailable("get chat state", err)
	}
	cs.ExpiresAt = time.UnixMilli(expiresAtMs)
	if time.Now().After(cs.ExpiresAt) {
		return ChatState{}, false, nil
	}
	if resumeValue != "" {
		cs.Resume = &engine.ResumeToken{EngineID: resumeEngine, Value: resumeValue}
	}
	return cs, true, nil
}

// DeleteChatState clears the session's resume state. Called on
// context-overflow completions so the next job starts fresh.
func (s *Store) DeleteChatState(ctx context.Context, sessionKey string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_state WHERE session_key = ?;`, sessionKey)
		return err
	})
	if err != nil {
		return unavailable("delete chat state", err)
	}
	return nil
}

// MarkPendingCompaction records that the session's next submit should carry a
// compaction instruction.
func (s *Store) MarkPendingCompaction(ctx context.Context, sessionKey, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_compaction (session_key, reason, ts_ms)
			VALUES (?, ?, ?)
			ON CONFLICT (session_key) DO UPDATE SET reason = excluded.reason, ts_ms = excluded.ts_ms;
		`, sessionKey, reason, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return unavailable("mark pending compaction", err)
	}
	return nil
}

// PendingCompaction reads the marker for a session if present and fresh.
func (s *Store) PendingCompaction(ctx context.Context, sessionKey string) (reason string, ok bool, err error) {
	var tsMs int64
	scanErr := s.db.QueryRowContext(ctx,
		`SELECT reason, ts_ms FROM pending_compaction WHERE session_key = ?;`, sessionKey,
	).Scan(&reason, &tsMs)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return "", false, nil
	}
	if scanErr != nil {
		return "", false, unavailable("pending compaction", scanErr)
	}
	if time.Since(time.UnixMilli(tsMs)) > PendingCompactionTTL {
		return "", false, nil
	}
	return reason, true, nil
}

// TakePendingCompaction consumes a fresh marker: it reads and deletes it in
// one step so only one submit prepends the compaction instruction.
func (s *Store) TakePendingCompaction(ctx context.Context, sessionKey string) (reason string, ok bool, err error) {
	reason, ok, err = s.PendingCompaction(ctx, sessionKey)
	if err != nil || !ok {
		return "", false, err
	}
	delErr := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pending_compaction WHERE session_key = ?;`, sessionKey)
		return err
	})
	if delErr != nil {
		return "", false, unavailable("take pending compaction", delErr)
	}
	return reason, true, nil
}

// MapProgress indexes a channel progress message to the run it reports on,
// allowing later message interactions to be correlated to the run.
func (s *Store) MapProgress(ctx context.Context, sessionKey, progressMsgID, runID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO progress_index (session_key, progress_msg_id, run_id)
			VALUES (?, ?, ?)
			ON CONFLICT (session_key, progress_msg_id) DO UPDATE SET run_id = excluded.run_id;
		`, sessionKey, progressMsgID, runID)
		return err
	})
	if err != nil {
		return unavailable("map progress", err)
	}
	return nil
}

// RunForProgress resolves a progress message back to its run id.
func (s *Store) RunForProgress(ctx context.Context, sessionKey, progressMsgID string) (string, bool, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM progress_index WHERE session_key = ? AND progress_msg_id = ?;`,
		sessionKey, progressMsgID,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("run for progress", err)
	}
	return runID, true, nil
}

// TouchSession updates the sessions index for activity tracking.
func (s *Store) TouchSession(ctx context.Context, sessionKey, agentID, channelID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions_index (session_key, agent_id, channel_id, last_active_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_key) DO UPDATE SET
				agent_id = excluded.agent_id,
				channel_id = excluded.channel_id,
				last_active_ms = excluded.last_active_ms;
		`, sessionKey, agentID, channelID, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return unavailable("touch session", err)
	}
	return nil
}

// PutEndpoint stores a named route map for an agent.
func (s *Store) PutEndpoint(ctx context.Context, agentID, name string, routeMap map[string]string) error {
	payload, err := json.Marshal(routeMap)
	if err != nil {
		return unavailable("encode endpoint", err)
	}
	execErr := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO endpoints (agent_id, name, route_map)
			VALUES (?, ?, ?)
			ON CONFLICT (agent_id, name) DO UPDATE SET route_map = excluded.route_map;
		`, agentID, name, string(payload))
		return err
	})
	if execErr != nil {
		return unavailable("put endpoint", execErr)
	}
	return nil
}

// GetEndpoint reads a named route map for an agent.
func (s *Store) GetEndpoint(ctx context.Context, agentID, name string) (map[string]string, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT route_map FROM endpoints WHERE agent_id = ? AND name = ?;`, agentID, name,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get endpoint", err)
	}
	routeMap := make(map[string]string)
	if err := json.Unmarshal([]byte(payload), &routeMap); err != nil {
		return nil, false, unavailable("decode endpoint", err)
	}
	return routeMap, true, nil
}

// SweepExpired removes expired chat state and stale pending-compaction
// markers. Run periodically by maintenance.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_state WHERE expires_at_ms < ?;`, now.UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM pending_compaction WHERE ts_ms < ?;`,
			now.Add(-PendingCompactionTTL).UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return total, unavailable("sweep expired", err)
	}
	return total, nil
}
