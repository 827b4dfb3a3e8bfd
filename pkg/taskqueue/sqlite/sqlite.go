// Package sqlite provides an embedded SQLite-backed task queue for
// single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memoryx/memoryx/pkg/taskqueue"
)

const (
	// pollInterval is how often a consumer checks for new rows when idle.
	pollInterval = 250 * time.Millisecond

	// claimTimeout is how long a claimed row stays invisible before it is
	// assumed abandoned (consumer crash) and redelivered.
	claimTimeout = 2 * time.Minute
)

// Queue implements taskqueue.Queue on a SQLite table. Rows are claimed
// optimistically so several consumers can share the queue, delivered in
// insertion order per owner, and deleted only after the handler succeeds.
type Queue struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool

	// wake lets Enqueue nudge idle consumers in the same process.
	wake chan struct{}
}

// NewQueue opens (or creates) the queue database at dbPath. Use ":memory:"
// for tests.
func NewQueue(dbPath string) (*Queue, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("queue database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not
	// fan out.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS task_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			task TEXT NOT NULL,
			enqueued_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating queue table: %w", err)
	}

	return &Queue{db: db, wake: make(chan struct{}, 1)}, nil
}

// Enqueue appends a task.
func (q *Queue) Enqueue(ctx context.Context, task taskqueue.Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return taskqueue.ErrClosed
	}

	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO task_queue (owner, task, enqueued_at) VALUES (?, ?, ?)
	`, task.Owner.Partition(), string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume delivers tasks until ctx is cancelled. A row is deleted only
// after the handler returns nil; handler failures clear the claim so the
// row is redelivered.
func (q *Queue) Consume(ctx context.Context, handle taskqueue.Handler) error {
	for {
		delivered, err := q.deliverNext(ctx, handle)
		if err != nil {
			return err
		}
		if delivered {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-time.After(pollInterval):
		}
	}
}

// claimNext atomically claims the oldest unclaimed row whose owner has no
// earlier unfinished row, preserving per-owner FIFO across consumers.
func (q *Queue) claimNext(ctx context.Context) (int64, string, bool, error) {
	now := time.Now().UTC()
	stale := now.Add(-claimTimeout)

	var seq int64
	var value string
	err := q.db.QueryRowContext(ctx, `
		SELECT seq, task FROM task_queue t
		WHERE (t.claimed_at IS NULL OR t.claimed_at < ?)
		AND NOT EXISTS (
			SELECT 1 FROM task_queue earlier
			WHERE earlier.owner = t.owner AND earlier.seq < t.seq
		)
		ORDER BY t.seq ASC LIMIT 1
	`, stale).Scan(&seq, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("reading queue head: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE task_queue SET claimed_at = ?
		WHERE seq = ? AND (claimed_at IS NULL OR claimed_at < ?)
	`, now, seq, stale)
	if err != nil {
		return 0, "", false, fmt.Errorf("claiming row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another consumer won the race; report progress so the caller
		// retries immediately.
		return 0, "", true, errRaced
	}

	return seq, value, true, nil
}

var errRaced = errors.New("claim raced")

func (q *Queue) deliverNext(ctx context.Context, handle taskqueue.Handler) (bool, error) {
	seq, value, found, err := q.claimNext(ctx)
	if errors.Is(err, errRaced) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	var task taskqueue.Task
	if err := json.Unmarshal([]byte(value), &task); err != nil {
		// A poisoned row blocks its owner forever; remove it.
		if _, derr := q.db.ExecContext(ctx, `DELETE FROM task_queue WHERE seq = ?`, seq); derr != nil {
			return false, fmt.Errorf("removing poisoned row: %w", derr)
		}
		return true, nil
	}

	if err := handle(ctx, task); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Clear the claim after a pause so the row is redelivered.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
		if _, uerr := q.db.ExecContext(ctx, `UPDATE task_queue SET claimed_at = NULL WHERE seq = ?`, seq); uerr != nil {
			return false, fmt.Errorf("releasing claim: %w", uerr)
		}
		return true, nil
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM task_queue WHERE seq = ?`, seq); err != nil {
		return false, fmt.Errorf("removing delivered row: %w", err)
	}
	return true, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}
