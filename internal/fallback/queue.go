// Package fallback keeps the cache tier repairable across outages: a
// durable on-disk queue of failed cache operations, a connectivity
// monitor that tracks the operating mode, and a sync service that
// drains the queue once the cache tier is reachable again.
package fallback

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

// Op is the kind of queued cache operation.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Operation is one queued cache write that failed while the cache tier
// was unreachable. Values are full snapshots (last-write-wins), so
// replaying an operation twice is safe.
type Operation struct {
	ID         int64     `json:"id"`
	Op         Op        `json:"op"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// Queue is the durable on-disk fallback queue. It lives in its own
// SQLite file under the fallback directory so queued operations survive
// restarts, independent of the main durable store. The pending counter
// mirrors the row count so hot-path callers can skip the database when
// the queue is empty.
type Queue struct {
	db      *sql.DB
	pending atomic.Int64
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS fallback_operations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    op          TEXT    NOT NULL,
    key         TEXT    NOT NULL,
    payload     BLOB,
    enqueued_at INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT
);`

// OpenQueue opens (creating if needed) the fallback queue under dir.
func OpenQueue(ctx context.Context, dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create fallback dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "fallback.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fallback queue %s: %w", path, err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("fallback queue pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fallback schema: %w", err)
	}

	q := &Queue{db: db}
	depth, err := q.Depth(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.pending.Store(int64(depth))
	return q, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends an operation. Replay order is FIFO by id.
func (q *Queue) Enqueue(ctx context.Context, op Op, key string, payload []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO fallback_operations (op, key, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		string(op), key, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", op, key, err)
	}
	q.pending.Add(1)
	return nil
}

// DequeueBatch returns up to n operations in FIFO order without
// removing them; callers Ack successful replays.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]Operation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, op, key, payload, enqueued_at, attempts, COALESCE(last_error, '')
		 FROM fallback_operations ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// Ack removes confirmed operations.
func (q *Queue) Ack(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		res, err := q.db.ExecContext(ctx,
			`DELETE FROM fallback_operations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("ack %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			q.pending.Add(-n)
		}
	}
	return nil
}

// Supersede removes every pending operation for key. The dual-write
// coordinator calls it after a successful direct cache write: the live
// snapshot is newer than anything queued for that key, so replaying
// the queued values would regress the cache tier.
func (q *Queue) Supersede(ctx context.Context, key string) (int, error) {
	if q.pending.Load() == 0 {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM fallback_operations WHERE key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("supersede %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("supersede %s: %w", key, err)
	}
	q.pending.Add(-n)
	return int(n), nil
}

// Fail records a replay failure, incrementing the attempt counter.
func (q *Queue) Fail(ctx context.Context, id int64, cause string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE fallback_operations SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		cause, id)
	if err != nil {
		return fmt.Errorf("fail %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of queued operations.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fallback_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// List returns up to limit queued operations in FIFO order, for the
// admin inspection endpoint.
func (q *Queue) List(ctx context.Context, limit int) ([]Operation, error) {
	return q.DequeueBatch(ctx, limit)
}

// Purge removes every queued operation and returns how many were dropped.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM fallback_operations`)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	q.pending.Store(0)
	return int(n), nil
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	var ops []Operation
	for rows.Next() {
		var (
			op         Operation
			enqueuedMS int64
		)
		if err := rows.Scan(&op.ID, (*string)(&op.Op), &op.Key, &op.Payload,
			&enqueuedMS, &op.Attempts, &op.LastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.EnqueuedAt = time.UnixMilli(enqueuedMS)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
