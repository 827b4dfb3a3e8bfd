// Package sqlstore implements storage.Store over database/sql. The SQLite
// and Postgres drivers wrap it with their own DDL and placeholder dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
)

// Dialect adjusts SQL text for the underlying engine.
type Dialect int

const (
	// DialectSQLite uses "?" placeholders.
	DialectSQLite Dialect = iota

	// DialectPostgres rewrites "?" placeholders to "$n".
	DialectPostgres
)

// SQLStore implements storage.Store on a database/sql handle.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database handle. The caller owns schema creation.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind rewrites "?" placeholders for the active dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

const memoryColumns = "id, version, user_id, project_id, content, encrypted, category, created_at, updated_at, deleted, source_ids"

func scanMemory(scanner interface{ Scan(...any) error }) (storage.MemoryRecord, error) {
	var rec storage.MemoryRecord
	var encrypted, deleted int
	var category, sourceIDs string
	err := scanner.Scan(
		&rec.ID, &rec.Version, &rec.Owner.UserID, &rec.Owner.ProjectID,
		&rec.Content, &encrypted, &category,
		&rec.CreatedAt, &rec.UpdatedAt, &deleted, &sourceIDs,
	)
	if err != nil {
		return rec, err
	}
	rec.Encrypted = encrypted != 0
	rec.Deleted = deleted != 0
	rec.Category = memory.Category(category)
	if sourceIDs != "" {
		if err := json.Unmarshal([]byte(sourceIDs), &rec.SourceIDs); err != nil {
			return rec, fmt.Errorf("decoding source ids: %w", err)
		}
	}
	return rec, nil
}

// InsertMemory inserts a version row.
func (s *SQLStore) InsertMemory(ctx context.Context, rec storage.MemoryRecord) error {
	sourceIDs, err := json.Marshal(rec.SourceIDs)
	if err != nil {
		return fmt.Errorf("encoding source ids: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Version, rec.Owner.UserID, rec.Owner.ProjectID,
		rec.Content, boolInt(rec.Encrypted), string(rec.Category),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), boolInt(rec.Deleted), string(sourceIDs),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: memory %s version %d", storage.ErrConflict, rec.ID, rec.Version)
		}
		return fmt.Errorf("inserting memory: %w", err)
	}
	return nil
}

// GetMemory returns the highest-version row for id.
func (s *SQLStore) GetMemory(ctx context.Context, owner memory.Owner, id string) (storage.MemoryRecord, error) {
	row := s.queryRow(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND project_id = ? AND id = ?
		ORDER BY version DESC LIMIT 1
	`, owner.UserID, owner.ProjectID, id)

	rec, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("getting memory: %w", err)
	}
	return rec, nil
}

// GetMemories returns the highest-version rows for the given ids.
func (s *SQLStore) GetMemories(ctx context.Context, owner memory.Owner, ids []string) ([]storage.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{owner.UserID, owner.ProjectID}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.query(ctx, `
		SELECT `+memoryColumns+` FROM memories m
		WHERE user_id = ? AND project_id = ? AND id IN (`+placeholders+`)
		AND version = (SELECT MAX(version) FROM memories WHERE id = m.id AND user_id = m.user_id AND project_id = m.project_id)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("getting memories: %w", err)
	}
	defer rows.Close()

	var recs []storage.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListMemories pages through the owner's live memories, newest first.
func (s *SQLStore) ListMemories(ctx context.Context, owner memory.Owner, limit, offset int) ([]storage.MemoryRecord, int, error) {
	const liveFilter = `
		FROM memories m
		WHERE m.user_id = ? AND m.project_id = ? AND m.deleted = 0
		AND m.version = (SELECT MAX(version) FROM memories WHERE id = m.id AND user_id = m.user_id AND project_id = m.project_id)
	`

	var total int
	err := s.queryRow(ctx, "SELECT COUNT(*) "+liveFilter, owner.UserID, owner.ProjectID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting memories: %w", err)
	}

	rows, err := s.query(ctx, `
		SELECT `+memoryColumns+" "+liveFilter+`
		ORDER BY m.updated_at DESC LIMIT ? OFFSET ?
	`, owner.UserID, owner.ProjectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var recs []storage.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning memory: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// ListMemoryIDs returns the ids of every live memory in the partition.
func (s *SQLStore) ListMemoryIDs(ctx context.Context, owner memory.Owner) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT m.id FROM memories m
		WHERE m.user_id = ? AND m.project_id = ? AND m.deleted = 0
		AND m.version = (SELECT MAX(version) FROM memories WHERE id = m.id AND user_id = m.user_id AND project_id = m.project_id)
	`, owner.UserID, owner.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing memory ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TombstoneMemory appends a tombstoned version row.
func (s *SQLStore) TombstoneMemory(ctx context.Context, owner memory.Owner, id string) error {
	current, err := s.GetMemory(ctx, owner, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return nil
	}

	current.Version++
	current.Deleted = true
	current.UpdatedAt = time.Now().UTC()
	return s.InsertMemory(ctx, current)
}

// DeleteMemoryVersion removes one exact version row.
func (s *SQLStore) DeleteMemoryVersion(ctx context.Context, owner memory.Owner, id string, version int) error {
	_, err := s.exec(ctx, `
		DELETE FROM memories
		WHERE user_id = ? AND project_id = ? AND id = ? AND version = ?
	`, owner.UserID, owner.ProjectID, id, version)
	if err != nil {
		return fmt.Errorf("deleting memory version: %w", err)
	}
	return nil
}

// ListOwners returns every owner partition holding at least one memory row.
func (s *SQLStore) ListOwners(ctx context.Context) ([]memory.Owner, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT user_id, project_id FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("listing owners: %w", err)
	}
	defer rows.Close()

	var owners []memory.Owner
	for rows.Next() {
		var o memory.Owner
		if err := rows.Scan(&o.UserID, &o.ProjectID); err != nil {
			return nil, fmt.Errorf("scanning owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

const taskColumns = "id, user_id, project_id, kind, status, dedup_key, payload, result, error, created_at, updated_at"

func scanTask(scanner interface{ Scan(...any) error }) (storage.TaskRecord, error) {
	var rec storage.TaskRecord
	var status string
	err := scanner.Scan(
		&rec.ID, &rec.Owner.UserID, &rec.Owner.ProjectID, &rec.Kind, &status,
		&rec.DedupKey, &rec.Payload, &rec.Result, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	rec.Status = storage.TaskStatus(status)
	return rec, err
}

// CreateTask inserts a PENDING task, deduplicating on dedupKey within the
// window.
func (s *SQLStore) CreateTask(ctx context.Context, rec storage.TaskRecord, window time.Duration) (storage.TaskRecord, bool, error) {
	if rec.DedupKey != "" {
		row := s.queryRow(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE dedup_key = ? AND created_at > ?
			ORDER BY created_at DESC LIMIT 1
		`, rec.DedupKey, time.Now().UTC().Add(-window))

		existing, err := scanTask(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return rec, false, fmt.Errorf("checking dedup key: %w", err)
		}
	}

	now := time.Now().UTC()
	rec.Status = storage.TaskPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Owner.UserID, rec.Owner.ProjectID, rec.Kind, string(rec.Status),
		rec.DedupKey, rec.Payload, rec.Result, rec.Error,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return rec, false, fmt.Errorf("inserting task: %w", err)
	}
	return rec, true, nil
}

// GetTask returns a task by id.
func (s *SQLStore) GetTask(ctx context.Context, id string) (storage.TaskRecord, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: task %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("getting task: %w", err)
	}
	return rec, nil
}

// UpdateTask transitions a task's status.
func (s *SQLStore) UpdateTask(ctx context.Context, id string, status storage.TaskStatus, result []byte, errMsg string) error {
	res, err := s.exec(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), result, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", storage.ErrNotFound, id)
	}
	return nil
}

const agentColumns = "id, user_id, project_id, fingerprint, agent_type, agent_name, platform, tier, api_key_hash, created_at"

func scanAgent(scanner interface{ Scan(...any) error }) (storage.AgentRecord, error) {
	var rec storage.AgentRecord
	err := scanner.Scan(
		&rec.ID, &rec.UserID, &rec.ProjectID, &rec.Fingerprint,
		&rec.AgentType, &rec.AgentName, &rec.Platform, &rec.Tier,
		&rec.APIKeyHash, &rec.CreatedAt,
	)
	return rec, err
}

// UpsertAgent registers an agent by machine fingerprint.
func (s *SQLStore) UpsertAgent(ctx context.Context, rec storage.AgentRecord) (storage.AgentRecord, bool, error) {
	row := s.queryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE fingerprint = ?
	`, rec.Fingerprint)

	existing, err := scanAgent(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return rec, false, fmt.Errorf("checking fingerprint: %w", err)
	}

	rec.CreatedAt = time.Now().UTC()
	if rec.Tier == "" {
		rec.Tier = storage.TierFree
	}

	_, err = s.exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.ProjectID, rec.Fingerprint,
		rec.AgentType, rec.AgentName, rec.Platform, rec.Tier,
		rec.APIKeyHash, rec.CreatedAt,
	)
	if err != nil {
		return rec, false, fmt.Errorf("inserting agent: %w", err)
	}
	return rec, true, nil
}

// ResolveAPIKey returns the agent owning the API key hash.
func (s *SQLStore) ResolveAPIKey(ctx context.Context, keyHash string) (storage.AgentRecord, error) {
	row := s.queryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE api_key_hash = ?
	`, keyHash)

	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: api key", storage.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("resolving api key: %w", err)
	}
	return rec, nil
}

// RotateAPIKey replaces an agent's API key hash.
func (s *SQLStore) RotateAPIKey(ctx context.Context, agentID, keyHash string) error {
	res, err := s.exec(ctx, `UPDATE agents SET api_key_hash = ? WHERE id = ?`, keyHash, agentID)
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", storage.ErrNotFound, agentID)
	}
	return nil
}

// quotaDay returns the UTC day bucket for the daily search counter.
func quotaDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// ConsumeSearch atomically spends one unit of today's search quota.
func (s *SQLStore) ConsumeSearch(ctx context.Context, userID string, tier string) (int, error) {
	searchLimit, _ := storage.TierLimits(tier)
	day := quotaDay(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO quota_counters (user_id, day, searches_used)
		VALUES (?, ?, 0)
		ON CONFLICT (user_id, day) DO NOTHING
	`), userID, day)
	if err != nil {
		return 0, fmt.Errorf("seeding quota counter: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE quota_counters SET searches_used = searches_used + 1
		WHERE user_id = ? AND day = ? AND searches_used < ?
	`), userID, day, searchLimit)
	if err != nil {
		return 0, fmt.Errorf("consuming quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, storage.ErrQuotaExceeded
	}

	var used int
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT searches_used FROM quota_counters WHERE user_id = ? AND day = ?
	`), userID, day).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing quota: %w", err)
	}
	return searchLimit - used, nil
}

// AddMemoriesUsed adjusts the user's stored-memory count by delta.
func (s *SQLStore) AddMemoriesUsed(ctx context.Context, userID string, delta int) error {
	_, err := s.exec(ctx, `
		INSERT INTO memory_counters (user_id, memories_used)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			memories_used = CASE
				WHEN memory_counters.memories_used + ? < 0 THEN 0
				ELSE memory_counters.memories_used + ?
			END
	`, userID, maxInt(0, delta), delta, delta)
	if err != nil {
		return fmt.Errorf("adjusting memory counter: %w", err)
	}
	return nil
}

// GetQuota returns the user's current usage snapshot.
func (s *SQLStore) GetQuota(ctx context.Context, userID string, tier string) (storage.QuotaUsage, error) {
	searchLimit, memoryLimit := storage.TierLimits(tier)
	now := time.Now().UTC()

	usage := storage.QuotaUsage{
		Tier:           tier,
		SearchesLimit:  searchLimit,
		MemoriesLimit:  memoryLimit,
		SearchResetsAt: now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}

	err := s.queryRow(ctx, `
		SELECT searches_used FROM quota_counters WHERE user_id = ? AND day = ?
	`, userID, quotaDay(now)).Scan(&usage.SearchesUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return usage, fmt.Errorf("reading search counter: %w", err)
	}

	err = s.queryRow(ctx, `
		SELECT memories_used FROM memory_counters WHERE user_id = ?
	`, userID).Scan(&usage.MemoriesUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return usage, fmt.Errorf("reading memory counter: %w", err)
	}

	return usage, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// isUniqueViolation detects uniqueness-constraint errors across both
// supported engines without importing their error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
