package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/session"
)

const sessionColumns = `session_id, source_app, session_type, parent_session_id, start_time,
	end_time, duration_ms, status, agent_count, total_tokens, session_metadata, created_at, updated_at`

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// UpsertSession inserts the session or, when the row exists, refreshes
// its updated_at. Existing type, parent and status are preserved: the
// first writer wins on identity fields, later events only touch
// liveness.
func (s *Store) UpsertSession(ctx context.Context, sess *session.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = session.StatusActive
	}

	meta, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionID, err)
	}

	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO sessions (session_id, source_app, session_type, parent_session_id, start_time,
		                       status, agent_count, total_tokens, session_metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
		sess.SessionID, sess.SourceApp, string(sess.SessionType), nullString(sess.ParentSessionID),
		sess.StartTime, string(sess.Status), sess.AgentCount, sess.TotalTokens, meta,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// UpdateSessionStatus moves the session to the given status. Terminal
// states are sticky: a transition from a terminal state is a no-op
// reported as domain.ErrConflict. endTime (ms) also sets duration when
// non-zero.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status session.Status, endTime int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?,
		     end_time = CASE WHEN ? > 0 THEN ? ELSE end_time END,
		     duration_ms = CASE WHEN ? > 0 THEN ? - start_time ELSE duration_ms END,
		     updated_at = ?
		 WHERE session_id = ? AND status = 'active'`,
		string(status), endTime, endTime, endTime, endTime,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update session status %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status %s: %w", id, err)
	}
	if n == 0 {
		// Either missing or already terminal.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("update session status %s: %w", id, domain.ErrConflict)
	}
	return nil
}

// IncrementAgentCount bumps the direct-children counter.
func (s *Store) IncrementAgentCount(ctx context.Context, id string) error {
	return s.touchCounter(ctx, id,
		`UPDATE sessions SET agent_count = agent_count + 1, updated_at = ? WHERE session_id = ?`)
}

// AddSessionTokens adds tokens to the session accumulator.
func (s *Store) AddSessionTokens(ctx context.Context, id string, tokens int64) error {
	if tokens == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sessions SET total_tokens = total_tokens + ?, updated_at = ? WHERE session_id = ?`,
		tokens, now, id)
	if err != nil {
		return fmt.Errorf("add session tokens %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SetSessionMetadata sets one key in the session metadata blob.
func (s *Store) SetSessionMetadata(ctx context.Context, id, key, value string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]string{}
	}
	sess.Metadata[key] = value

	meta, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("set session metadata %s: %w", id, err)
	}

	_, err = s.q(ctx).ExecContext(ctx,
		`UPDATE sessions SET session_metadata = ?, updated_at = ? WHERE session_id = ?`,
		meta, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set session metadata %s: %w", id, err)
	}
	return nil
}

// ActiveSessionsIdleSince returns active sessions whose last update is
// older than cutoff. The timeout sweeper uses this to mark stalled
// sessions.
func (s *Store) ActiveSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("idle sessions: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) touchCounter(ctx context.Context, id, query string) error {
	res, err := s.q(ctx).ExecContext(ctx, query, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess                 session.Session
		parent, meta         sql.NullString
		endTime, durationMS  sql.NullInt64
		createdMS, updatedMS int64
	)
	if err := row.Scan(&sess.SessionID, &sess.SourceApp, (*string)(&sess.SessionType), &parent,
		&sess.StartTime, &endTime, &durationMS, (*string)(&sess.Status),
		&sess.AgentCount, &sess.TotalTokens, &meta, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	sess.ParentSessionID = parent.String
	sess.EndTime = endTime.Int64
	sess.DurationMS = durationMS.Int64
	sess.CreatedAt = time.UnixMilli(createdMS)
	sess.UpdatedAt = time.UnixMilli(updatedMS)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
