// Package sqlitevec provides a SQLite-backed vector driver using sqlite-vec.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/vector"
)

// Driver implements vector.Driver using SQLite with sqlite-vec.
//
// Embeddings live in a plain table alongside their owner/category payload;
// searches filter on the payload columns and rank with
// vec_distance_cosine, so per-owner kNN stays exact rather than a global
// top-k that might miss the partition entirely.
type Driver struct {
	db     *sql.DB
	dims   int
	logger *zap.Logger
}

// Config holds configuration for the SQLite vec driver.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	DBPath string

	// Dimensions is the number of dimensions for the embedding vectors.
	Dimensions int
}

// NewDriver creates a new SQLite vector driver backed by sqlite-vec.
func NewDriver(c Config, logger *zap.Logger) (*Driver, error) {
	// enable connection to have sqlite-vec extension
	sqlite_vec.Auto()

	if c.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if c.Dimensions <= 0 {
		return nil, fmt.Errorf("sqlite-vec embedding dimensions cannot be 0, must be configured")
	}

	db, err := sql.Open("sqlite3", c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not
	// fan out.
	if c.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Verify sqlite-vec is loaded
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS vec_memories (
			memory_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vec_memories table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_vec_memories_owner
		ON vec_memories (user_id, project_id)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating owner index: %w", err)
	}

	logger.Info("sqlite-vec vector driver initialized",
		zap.String("db_path", c.DBPath),
		zap.Int("dimensions", c.Dimensions),
		zap.String("vec_version", vecVersion),
	)

	return &Driver{
		db:     db,
		dims:   c.Dimensions,
		logger: logger,
	}, nil
}

// serializeFloat32 converts a float32 slice to a little-endian byte slice
// suitable for sqlite-vec BLOB format.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Upsert stores points, replacing existing rows with the same memory id.
func (d *Driver) Upsert(ctx context.Context, points []vector.Point) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vec_memories (memory_id, user_id, project_id, category, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			user_id = excluded.user_id,
			project_id = excluded.project_id,
			category = excluded.category,
			embedding = excluded.embedding
	`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if len(p.Vector) != d.dims {
			return fmt.Errorf("%w: got %d, index configured for %d",
				vector.ErrDimensions, len(p.Vector), d.dims)
		}
		_, err := stmt.ExecContext(ctx,
			p.ID, p.Owner.UserID, p.Owner.ProjectID, string(p.Category),
			serializeFloat32(p.Vector),
		)
		if err != nil {
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// Delete removes points by their IDs.
func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := d.db.ExecContext(ctx,
		"DELETE FROM vec_memories WHERE memory_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Search ranks the owner's points by cosine similarity to the query vector.
func (d *Driver) Search(ctx context.Context, f vector.Filter, query []float32, topK int) ([]vector.Result, error) {
	if len(query) != d.dims {
		return nil, fmt.Errorf("%w: got %d, index configured for %d",
			vector.ErrDimensions, len(query), d.dims)
	}

	q := `
		SELECT memory_id, vec_distance_cosine(embedding, ?) AS distance
		FROM vec_memories
		WHERE user_id = ? AND project_id = ?
	`
	args := []any{serializeFloat32(query), f.Owner.UserID, f.Owner.ProjectID}
	if f.Category != "" {
		q += " AND category = ?"
		args = append(args, string(f.Category))
	}
	q += " ORDER BY distance ASC LIMIT ?"
	args = append(args, topK)

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		// Cosine distance is 1 - cosine similarity.
		results = append(results, vector.Result{ID: id, Score: 1 - distance})
	}

	return results, rows.Err()
}

// ListIDs returns every point id within an owner partition.
func (d *Driver) ListIDs(ctx context.Context, owner memory.Owner) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT memory_id FROM vec_memories
		WHERE user_id = ? AND project_id = ?
	`, owner.UserID, owner.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing ids: %w", err)
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

// Close releases the underlying database handle.
func (d *Driver) Close() error {
	return d.db.Close()
}
