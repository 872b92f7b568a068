package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

// Store implements database.Store using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier abstracts *sql.DB and *sql.Tx so store methods run either
// standalone or inside a transaction placed on the context by InTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn within a single transaction. Store methods called with
// the context passed to fn join that transaction. The ingest path uses
// this so the event insert and its relationship updates commit
// atomically.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		// Already inside a transaction; nested scopes join it.
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Events ---

const eventColumns = `id, source_app, session_id, hook_event_type, payload, chat, summary,
	timestamp, parent_session_id, session_depth, wave_id, delegation_context, correlation_id`

// InsertEvent persists a new event, assigning its id. A zero timestamp
// is replaced with the current time.
func (s *Store) InsertEvent(ctx context.Context, ev *event.HookEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO events (source_app, session_id, hook_event_type, payload, chat, summary,
		                     timestamp, parent_session_id, session_depth, wave_id, delegation_context, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SourceApp, ev.SessionID, string(ev.Type), string(payload),
		nullString(string(ev.Chat)), nullString(ev.Summary),
		ev.Timestamp, nullString(ev.ParentSessionID), ev.SessionDepth,
		nullString(ev.WaveID), nullString(ev.DelegationContext), nullString(ev.CorrelationID))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert event id: %w", err)
	}
	ev.ID = id
	ev.Payload = payload
	return nil
}

// RecentEvents returns the most recent events, oldest-first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]event.HookEvent, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM
		   (SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBySession returns all events for one session ordered by
// timestamp, then id.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]event.HookEvent, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("events by session: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// FilterOptions returns distinct source apps, session ids and event
// types for dashboard filters.
func (s *Store) FilterOptions(ctx context.Context) (*database.FilterOptions, error) {
	opts := &database.FilterOptions{}

	for _, col := range []struct {
		query string
		dst   *[]string
	}{
		{`SELECT DISTINCT source_app FROM events ORDER BY source_app`, &opts.SourceApps},
		{`SELECT DISTINCT session_id FROM events ORDER BY session_id`, &opts.SessionIDs},
		{`SELECT DISTINCT hook_event_type FROM events ORDER BY hook_event_type`, &opts.EventTypes},
	} {
		rows, err := s.q(ctx).QueryContext(ctx, col.query)
		if err != nil {
			return nil, fmt.Errorf("filter options: %w", err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, fmt.Errorf("filter options scan: %w", err)
			}
			*col.dst = append(*col.dst, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("filter options rows: %w", err)
		}
		rows.Close()
	}

	return opts, nil
}

func scanEvents(rows *sql.Rows) ([]event.HookEvent, error) {
	var events []event.HookEvent
	for rows.Next() {
		var (
			ev                                       event.HookEvent
			payload                                  string
			chat, summary, parent, wave, deleg, corr sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SourceApp, &ev.SessionID, (*string)(&ev.Type), &payload,
			&chat, &summary, &ev.Timestamp, &parent, &ev.SessionDepth, &wave, &deleg, &corr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		if chat.Valid {
			ev.Chat = []byte(chat.String)
		}
		ev.Summary = summary.String
		ev.ParentSessionID = parent.String
		ev.WaveID = wave.String
		ev.DelegationContext = deleg.String
		ev.CorrelationID = corr.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// nullString maps "" to NULL for optional text columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
