// Package worker implements the at-least-once ingestion consumer of §5: a
// local durable queue of ingestion batches, drained by a single goroutine
// that calls into internal/orchestrator and only acknowledges a batch once
// the orchestrator's transaction has actually committed.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed durable queue of ingestion
// batches, adapted from the agent's alert queue to hold whole batches
// (a session_id plus its raw events and seal flag) instead of single
// alerts. The queue itself only acks; Worker writes a rejected batch to its
// dead-letter directory and then acks it.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// NewSQLiteQueue opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. path may be ":memory:" for tests.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("worker: open queue %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("worker: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("worker: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("worker: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM ingest_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("worker: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS ingest_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL,
    events      TEXT    NOT NULL,
    seal        INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingest_queue_pending
    ON ingest_queue (delivered, id);
`

// Batch is one queued ingestion batch: the raw producer-submitted events for
// a session plus whether this batch should seal the chain once committed.
type Batch struct {
	SessionID string
	Events    [][]byte
	Seal      bool
}

// Enqueue persists b durably. It is not removed until Ack is called for its
// returned ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, b Batch) (int64, error) {
	events, err := json.Marshal(b.Events)
	if err != nil {
		return 0, fmt.Errorf("worker: marshal batch events: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO ingest_queue (session_id, events, seal) VALUES (?, ?, ?)`,
		b.SessionID, string(events), boolToInt(b.Seal),
	)
	if err != nil {
		return 0, fmt.Errorf("worker: enqueue batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("worker: enqueue batch: last insert id: %w", err)
	}
	q.depth.Add(1)
	return id, nil
}

// PendingBatch is an unacknowledged queued batch returned by Dequeue.
type PendingBatch struct {
	ID    int64
	Batch Batch
}

// Dequeue returns up to n unacknowledged batches in insertion order.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingBatch, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, events, seal
		 FROM   ingest_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("worker: dequeue query: %w", err)
	}
	defer rows.Close()

	var batches []PendingBatch
	for rows.Next() {
		var (
			pb        PendingBatch
			eventsStr string
			seal      int
		)
		if err := rows.Scan(&pb.ID, &pb.Batch.SessionID, &eventsStr, &seal); err != nil {
			return nil, fmt.Errorf("worker: dequeue scan: %w", err)
		}
		if err := json.Unmarshal([]byte(eventsStr), &pb.Batch.Events); err != nil {
			return nil, fmt.Errorf("worker: dequeue unmarshal events for id %d: %w", pb.ID, err)
		}
		pb.Batch.Seal = seal != 0
		batches = append(batches, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker: dequeue rows: %w", err)
	}
	return batches, nil
}

// Ack marks id as delivered. Ack is idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE ingest_queue SET delivered = 1 WHERE id = ? AND delivered = 0`, id)
	if err != nil {
		return fmt.Errorf("worker: ack %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) batches.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
