// Package storage defines the authoritative relational store. Every memory,
// agent, task, and quota counter has its row of record here; the vector
// index and entity graph are followers reconciled by the drift sweep.
package storage

import (
	"context"
	"time"

	"github.com/memoryx/memoryx/pkg/memory"
)

// TaskStatus is the durable state of an ingestion task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskPartial TaskStatus = "PARTIAL"
	TaskFailure TaskStatus = "FAILURE"
)

// Terminal reports whether the status is durable and final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskPartial || s == TaskFailure
}

// MemoryRecord is a single version row of a memory.
type MemoryRecord struct {
	ID        string
	Owner     memory.Owner
	Content   string
	Encrypted bool
	Category  memory.Category
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
	Deleted   bool
	SourceIDs []string
}

// TaskRecord tracks one ingestion task through its state machine.
type TaskRecord struct {
	ID        string
	Owner     memory.Owner
	Kind      string
	Status    TaskStatus
	DedupKey  string
	Payload   []byte
	Result    []byte
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentRecord is an auto-registered agent identity: a user, its default
// project, and the hash of its API key.
type AgentRecord struct {
	ID          string
	UserID      string
	ProjectID   string
	Fingerprint string
	AgentType   string
	AgentName   string
	Platform    string
	Tier        string
	APIKeyHash  string
	CreatedAt   time.Time
}

// Tiers and their daily/total caps.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// TierLimits returns (searches per day, total memories) for a tier.
func TierLimits(tier string) (searches, memories int) {
	switch tier {
	case TierPro:
		return 10000, 100000
	default:
		return 100, 1000
	}
}

// QuotaUsage is a snapshot of an owner's consumption.
type QuotaUsage struct {
	Tier           string
	MemoriesUsed   int
	MemoriesLimit  int
	SearchesUsed   int
	SearchesLimit  int
	SearchResetsAt time.Time
}

// MemoryStore persists memory rows. Versions of one id form a strictly
// increasing sequence; readers see the highest version.
type MemoryStore interface {
	// InsertMemory inserts a version row. Version 1 creates the memory;
	// higher versions supersede it.
	InsertMemory(ctx context.Context, rec MemoryRecord) error

	// GetMemory returns the highest-version row for id within the owner
	// partition, tombstoned or not. Returns ErrNotFound when absent.
	GetMemory(ctx context.Context, owner memory.Owner, id string) (MemoryRecord, error)

	// GetMemories returns the highest-version rows for the given ids,
	// skipping ids that do not exist.
	GetMemories(ctx context.Context, owner memory.Owner, ids []string) ([]MemoryRecord, error)

	// ListMemories pages through the owner's live (non-tombstoned)
	// memories, newest first, and reports the live total.
	ListMemories(ctx context.Context, owner memory.Owner, limit, offset int) ([]MemoryRecord, int, error)

	// ListMemoryIDs returns the ids of every live memory in the owner
	// partition. Used by the drift sweep.
	ListMemoryIDs(ctx context.Context, owner memory.Owner) ([]string, error)

	// TombstoneMemory soft-deletes a memory by appending a tombstoned
	// version row. Returns ErrNotFound when absent.
	TombstoneMemory(ctx context.Context, owner memory.Owner, id string) error

	// DeleteMemoryVersion removes one exact version row. This is a saga
	// compensation primitive, not part of the public API surface.
	DeleteMemoryVersion(ctx context.Context, owner memory.Owner, id string, version int) error

	// ListOwners returns every owner partition that has at least one
	// memory row. Used by background jobs to iterate partitions.
	ListOwners(ctx context.Context) ([]memory.Owner, error)
}

// TaskStore persists task status rows; the polling endpoint reads them.
type TaskStore interface {
	// CreateTask inserts a PENDING task. When dedupKey is non-empty and a
	// task with the same key exists newer than the window, that task is
	// returned instead with created == false.
	CreateTask(ctx context.Context, rec TaskRecord, window time.Duration) (TaskRecord, bool, error)

	// GetTask returns a task by id. Returns ErrNotFound when absent.
	GetTask(ctx context.Context, id string) (TaskRecord, error)

	// UpdateTask transitions a task's status and records result/error.
	UpdateTask(ctx context.Context, id string, status TaskStatus, result []byte, errMsg string) error
}

// AgentStore persists agent identities and resolves API keys.
type AgentStore interface {
	// UpsertAgent registers an agent by machine fingerprint. A repeated
	// registration from the same fingerprint returns the existing record
	// with created == false.
	UpsertAgent(ctx context.Context, rec AgentRecord) (AgentRecord, bool, error)

	// ResolveAPIKey returns the agent owning the API key hash. Returns
	// ErrNotFound for unknown keys.
	ResolveAPIKey(ctx context.Context, keyHash string) (AgentRecord, error)

	// RotateAPIKey replaces an agent's API key hash. Used when a known
	// machine re-registers, since only the hash is stored.
	RotateAPIKey(ctx context.Context, agentID, keyHash string) error
}

// QuotaStore tracks per-user daily search counters and memory counts.
type QuotaStore interface {
	// ConsumeSearch atomically spends one unit of today's search quota.
	// Returns the remaining quota, or ErrQuotaExceeded without consuming
	// when the counter is exhausted.
	ConsumeSearch(ctx context.Context, userID string, tier string) (int, error)

	// AddMemoriesUsed adjusts the user's stored-memory count by delta
	// (negative on delete).
	AddMemoriesUsed(ctx context.Context, userID string, delta int) error

	// GetQuota returns the user's current usage snapshot.
	GetQuota(ctx context.Context, userID string, tier string) (QuotaUsage, error)
}

// Store is the full relational surface.
type Store interface {
	MemoryStore
	TaskStore
	AgentStore
	QuotaStore

	// Close releases the connection pool.
	Close() error
}
