package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// deadLetterRetention is how long dead-letter rows are kept for diagnosis.
const deadLetterRetention = 30 * 24 * time.Hour

// Outbox is the client's durable queue: pending memory writes, pending
// conversation segments, and a dead-letter table for items that exhausted
// their retries. One SQLite file per install.
type Outbox struct {
	db *sql.DB
}

var outboxSchema = []string{
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		queued_at TIMESTAMP NOT NULL,
		last_attempt_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_queue_segment
		ON conversation_queue (conversation_id, id)`,
	`CREATE TABLE IF NOT EXISTS conversation_segments (
		conversation_id TEXT PRIMARY KEY,
		sealed INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		queued_at TIMESTAMP NOT NULL,
		last_attempt_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		last_error TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		queued_at TIMESTAMP NOT NULL,
		dead_at TIMESTAMP NOT NULL
	)`,
}

// OpenOutbox opens (or creates) the outbox database at path.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}

	// An in-memory database exists per connection; the pool must not
	// fan out.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range outboxSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating outbox schema: %w", err)
		}
	}

	o := &Outbox{db: db}
	if err := o.sweepDeadLetters(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// Close releases the database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// getConfig reads one config value, returning "" when absent.
func (o *Outbox) getConfig(key string) (string, error) {
	var value string
	err := o.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading config %s: %w", key, err)
	}
	return value, nil
}

func (o *Outbox) setConfig(key, value string) error {
	_, err := o.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("writing config %s: %w", key, err)
	}
	return nil
}

// EnqueueMemory appends a memory write and returns its local id.
func (o *Outbox) EnqueueMemory(content string, metadata map[string]string) (int64, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}

	res, err := o.db.Exec(`
		INSERT INTO memory_queue (content, metadata, queued_at) VALUES (?, ?, ?)
	`, content, string(meta), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueuing memory: %w", err)
	}
	return res.LastInsertId()
}

// currentConversationKey holds the active segment id in the config table.
const currentConversationKey = "current_conversation"

// CurrentConversation returns the active segment id, minting one on first
// use so ids survive restarts.
func (o *Outbox) CurrentConversation() (string, error) {
	id, err := o.getConfig(currentConversationKey)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := o.setConfig(currentConversationKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueMessage appends one turn to the active segment and returns its
// local id.
func (o *Outbox) EnqueueMessage(role, content string, tokens int) (int64, error) {
	conversationID, err := o.CurrentConversation()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	_, err = o.db.Exec(`
		INSERT INTO conversation_segments (conversation_id, queued_at)
		VALUES (?, ?)
		ON CONFLICT (conversation_id) DO NOTHING
	`, conversationID, now)
	if err != nil {
		return 0, fmt.Errorf("tracking segment: %w", err)
	}

	res, err := o.db.Exec(`
		INSERT INTO conversation_queue (conversation_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, role, content, tokens, now)
	if err != nil {
		return 0, fmt.Errorf("enqueuing message: %w", err)
	}
	return res.LastInsertId()
}

// SealConversation marks the active segment complete (it stays queued) and
// mints a new segment id.
func (o *Outbox) SealConversation() error {
	conversationID, err := o.getConfig(currentConversationKey)
	if err != nil {
		return err
	}
	if conversationID != "" {
		_, err = o.db.Exec(`
			UPDATE conversation_segments SET sealed = 1 WHERE conversation_id = ?
		`, conversationID)
		if err != nil {
			return fmt.Errorf("sealing segment: %w", err)
		}
	}
	return o.setConfig(currentConversationKey, uuid.NewString())
}

// PendingMemory is one queued memory write.
type PendingMemory struct {
	ID            int64
	Content       string
	Metadata      map[string]string
	RetryCount    int
	QueuedAt      time.Time
	LastAttemptAt time.Time
}

// PendingMemories returns queued memory writes whose backoff window has
// elapsed, in insertion order.
func (o *Outbox) PendingMemories(eligibleBefore func(retry int, lastAttempt time.Time) bool) ([]PendingMemory, error) {
	rows, err := o.db.Query(`
		SELECT id, content, metadata, retry_count, queued_at, last_attempt_at
		FROM memory_queue ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("reading memory queue: %w", err)
	}
	defer rows.Close()

	var pending []PendingMemory
	for rows.Next() {
		var m PendingMemory
		var meta string
		var lastAttempt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Content, &meta, &m.RetryCount, &m.QueuedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		if lastAttempt.Valid {
			m.LastAttemptAt = lastAttempt.Time
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		if eligibleBefore == nil || eligibleBefore(m.RetryCount, m.LastAttemptAt) {
			pending = append(pending, m)
		}
	}
	return pending, rows.Err()
}

// PendingSegment is one queued conversation segment with its ordered
// messages.
type PendingSegment struct {
	ConversationID string
	Sealed         bool
	RetryCount     int
	QueuedAt       time.Time
	LastAttemptAt  time.Time
	Messages       []PendingMessage
}

// PendingMessage is one queued conversation turn.
type PendingMessage struct {
	ID        int64
	Role      string
	Content   string
	Tokens    int
	CreatedAt time.Time
}

// PendingSegments returns queued segments (with messages in insertion
// order) whose backoff window has elapsed.
func (o *Outbox) PendingSegments(eligibleBefore func(retry int, lastAttempt time.Time) bool) ([]PendingSegment, error) {
	rows, err := o.db.Query(`
		SELECT conversation_id, sealed, retry_count, queued_at, last_attempt_at
		FROM conversation_segments ORDER BY queued_at ASC, conversation_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("reading segments: %w", err)
	}
	defer rows.Close()

	var segments []PendingSegment
	for rows.Next() {
		var seg PendingSegment
		var sealed int
		var lastAttempt sql.NullTime
		if err := rows.Scan(&seg.ConversationID, &sealed, &seg.RetryCount, &seg.QueuedAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scanning segment row: %w", err)
		}
		seg.Sealed = sealed != 0
		if lastAttempt.Valid {
			seg.LastAttemptAt = lastAttempt.Time
		}
		if eligibleBefore == nil || eligibleBefore(seg.RetryCount, seg.LastAttemptAt) {
			segments = append(segments, seg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range segments {
		messages, err := o.segmentMessages(segments[i].ConversationID)
		if err != nil {
			return nil, err
		}
		segments[i].Messages = messages
	}
	return segments, nil
}

func (o *Outbox) segmentMessages(conversationID string) ([]PendingMessage, error) {
	rows, err := o.db.Query(`
		SELECT id, role, content, tokens, created_at
		FROM conversation_queue WHERE conversation_id = ? ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading segment messages: %w", err)
	}
	defer rows.Close()

	var messages []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RemoveMemories deletes delivered memory rows atomically.
func (o *Outbox) RemoveMemories(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := o.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning removal: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM memory_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("removing memory %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// RemoveSegment deletes a delivered segment and its messages atomically.
func (o *Outbox) RemoveSegment(conversationID string) error {
	tx, err := o.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning removal: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversation_queue WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("removing segment messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversation_segments WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("removing segment: %w", err)
	}
	return tx.Commit()
}

// RecordMemoryFailure bumps a memory item's retry counter. When the
// counter passes maxRetry the item moves to the dead-letter table with the
// error text; it is never silently dropped.
func (o *Outbox) RecordMemoryFailure(item PendingMemory, lastError string, maxRetry int) (deadLettered bool, err error) {
	retries := item.RetryCount + 1
	if retries > maxRetry {
		payload, _ := json.Marshal(map[string]any{
			"content":  item.Content,
			"metadata": item.Metadata,
		})
		return true, o.moveToDeadLetter("memory", string(payload), lastError, retries, item.QueuedAt, func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM memory_queue WHERE id = ?`, item.ID)
			return err
		})
	}

	_, err = o.db.Exec(`
		UPDATE memory_queue SET retry_count = ?, last_attempt_at = ? WHERE id = ?
	`, retries, time.Now().UTC(), item.ID)
	if err != nil {
		return false, fmt.Errorf("recording memory failure: %w", err)
	}
	return false, nil
}

// RecordSegmentFailure bumps a segment's retry counter, dead-lettering the
// whole segment past maxRetry.
func (o *Outbox) RecordSegmentFailure(seg PendingSegment, lastError string, maxRetry int) (deadLettered bool, err error) {
	retries := seg.RetryCount + 1
	if retries > maxRetry {
		payload, _ := json.Marshal(seg)
		return true, o.moveToDeadLetter("conversation", string(payload), lastError, retries, seg.QueuedAt, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM conversation_queue WHERE conversation_id = ?`, seg.ConversationID); err != nil {
				return err
			}
			_, err := tx.Exec(`DELETE FROM conversation_segments WHERE conversation_id = ?`, seg.ConversationID)
			return err
		})
	}

	_, err = o.db.Exec(`
		UPDATE conversation_segments SET retry_count = ?, last_attempt_at = ? WHERE conversation_id = ?
	`, retries, time.Now().UTC(), seg.ConversationID)
	if err != nil {
		return false, fmt.Errorf("recording segment failure: %w", err)
	}
	return false, nil
}

// ResetRetries clears retry counters after a successful flush pass so
// recovered items start fresh.
func (o *Outbox) ResetRetries() error {
	if _, err := o.db.Exec(`UPDATE memory_queue SET retry_count = 0`); err != nil {
		return fmt.Errorf("resetting memory retries: %w", err)
	}
	if _, err := o.db.Exec(`UPDATE conversation_segments SET retry_count = 0`); err != nil {
		return fmt.Errorf("resetting segment retries: %w", err)
	}
	return nil
}

func (o *Outbox) moveToDeadLetter(kind, payload, lastError string, retries int, queuedAt time.Time, remove func(*sql.Tx) error) error {
	tx, err := o.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning dead-letter move: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO dead_letter_queue (kind, payload, last_error, retry_count, queued_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, payload, lastError, retries, queuedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	if err := remove(tx); err != nil {
		return fmt.Errorf("removing dead item: %w", err)
	}
	return tx.Commit()
}

// DeadLetter is one permanently failed item kept for diagnosis.
type DeadLetter struct {
	ID         int64
	Kind       string
	Payload    string
	LastError  string
	RetryCount int
	QueuedAt   time.Time
	DeadAt     time.Time
}

// DeadLetters returns the retained dead-letter rows, newest first.
func (o *Outbox) DeadLetters() ([]DeadLetter, error) {
	rows, err := o.db.Query(`
		SELECT id, kind, payload, last_error, retry_count, queued_at, dead_at
		FROM dead_letter_queue ORDER BY dead_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Kind, &d.Payload, &d.LastError, &d.RetryCount, &d.QueuedAt, &d.DeadAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// sweepDeadLetters drops dead-letter rows older than the retention window.
func (o *Outbox) sweepDeadLetters() error {
	_, err := o.db.Exec(`
		DELETE FROM dead_letter_queue WHERE dead_at < ?
	`, time.Now().UTC().Add(-deadLetterRetention))
	if err != nil {
		return fmt.Errorf("sweeping dead letters: %w", err)
	}
	return nil
}
