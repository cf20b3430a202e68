// Package retryqueue implements PersistentRetryQueue (spec.md §4.9): a
// durable on-disk FIFO of failed publishes, gated by priority then age, that
// survives a process restart. The schema and WAL/busy-timeout pragmas follow
// the pack's ArmorClaw bridge message queue
// (other_examples/.../bridge-internal-queue-queue.go.go), adapted from a
// chat-message queue to a publish-payload replay queue.
package retryqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/suriota/edge/internal/logging"
)

// Priority is the retry-record priority band from spec.md §4.9.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Record is one durable retry-queue entry.
type Record struct {
	ID          int64
	Topic       string
	Payload     []byte
	Priority    Priority
	EnqueueTime time.Time
	ExpiryTime  time.Time
	Attempts    int
}

// enqueue_time is stored with nanosecond resolution so same-priority FIFO
// ordering holds even when several records are enqueued within one second;
// expiry_time stays second-resolution since nothing needs finer granularity.

const schema = `
CREATE TABLE IF NOT EXISTS retry_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	priority INTEGER NOT NULL,
	enqueue_time INTEGER NOT NULL,
	expiry_time INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_retry_priority_age ON retry_records(priority DESC, enqueue_time ASC);
`

// Queue is the PersistentRetryQueue, backed by a SQLite file.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite-backed retry queue at path,
// applies the schema, and sweeps expired records per spec.md §4.9's
// startup contract.
func Open(ctx context.Context, path string) (*Queue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("retryqueue: open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("retryqueue: create schema: %w", err)
	}
	q := &Queue{db: db}
	n, err := q.sweepExpired(ctx, time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		logging.Info("retryqueue: dropped expired records on startup", "count", n)
	}
	return q, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// sweepExpired drops every record whose expiry_time has passed.
func (q *Queue) sweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM retry_records WHERE expiry_time < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("retryqueue: sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Enqueue appends a failed publish payload for later replay.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, priority Priority, expiry time.Duration) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO retry_records (topic, payload, priority, enqueue_time, expiry_time, attempts) VALUES (?, ?, ?, ?, ?, 0)`,
		topic, payload, int(priority), now.UnixNano(), now.Add(expiry).Unix(),
	)
	if err != nil {
		return fmt.Errorf("retryqueue: enqueue: %w", err)
	}
	return nil
}

// Peek returns the oldest highest-priority non-expired record without
// removing it, or ok=false if the queue is empty.
func (q *Queue) Peek(ctx context.Context) (rec Record, ok bool, err error) {
	if _, serr := q.sweepExpired(ctx, time.Now()); serr != nil {
		return Record{}, false, serr
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, priority, enqueue_time, expiry_time, attempts
		 FROM retry_records ORDER BY priority DESC, enqueue_time ASC LIMIT 1`)
	var enq, exp int64
	var pr int
	if err := row.Scan(&rec.ID, &rec.Topic, &rec.Payload, &pr, &enq, &exp, &rec.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("retryqueue: peek: %w", err)
	}
	rec.Priority = Priority(pr)
	rec.EnqueueTime = time.Unix(0, enq)
	rec.ExpiryTime = time.Unix(exp, 0)
	return rec, true, nil
}

// Ack deletes a record after its replay published successfully.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM retry_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("retryqueue: ack: %w", err)
	}
	return nil
}

// Nack increments the attempts counter and requeues the record at the tail
// of its priority band (by bumping enqueue_time to now).
func (q *Queue) Nack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE retry_records SET attempts = attempts + 1, enqueue_time = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("retryqueue: nack: %w", err)
	}
	return nil
}

// Len reports the number of records currently held, including expired ones
// not yet swept.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("retryqueue: len: %w", err)
	}
	return n, nil
}

// Drain attempts to replay every record in priority/age order via publish,
// stopping at the first failure (the transport is presumed down again).
// publish receives the record's topic and payload and reports success.
func (q *Queue) Drain(ctx context.Context, publish func(topic string, payload []byte) error) (replayed int, err error) {
	for {
		rec, ok, err := q.Peek(ctx)
		if err != nil {
			return replayed, err
		}
		if !ok {
			return replayed, nil
		}
		if perr := publish(rec.Topic, rec.Payload); perr != nil {
			logging.Warn("retryqueue: replay failed", "topic", rec.Topic, "attempts", rec.Attempts+1, "error", perr)
			if err := q.Nack(ctx, rec.ID); err != nil {
				return replayed, err
			}
			return replayed, nil
		}
		if err := q.Ack(ctx, rec.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
}
