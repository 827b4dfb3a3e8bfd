// Package config holds the server configuration: store locations, LLM and
// embedding endpoints, queue brokers, and the tunable constants of the
// ingestion and retrieval pipelines.
package config

import "time"

// Config is the fully-resolved server configuration.
type Config struct {
	// Listen is the address the API server binds to.
	Listen string

	// Debug enables debug-level logging.
	Debug bool

	Database  DatabaseConfig
	Vector    VectorConfig
	Graph     GraphConfig
	Queue     QueueConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Pipeline  PipelineConfig
	Retrieval RetrievalConfig

	// SecretKey is session/crypto material for API-key hashing.
	SecretKey string

	// ContentKey enables at-rest envelope encryption of memory content
	// when non-empty.
	ContentKey string
}

// DatabaseConfig locates the authoritative relational store.
type DatabaseConfig struct {
	// URL is a postgres connection URI, or a sqlite path when Driver is
	// "sqlite".
	URL    string
	Driver string
}

// VectorConfig locates the similarity index.
type VectorConfig struct {
	// Provider selects the driver: "qdrant" or "sqlitevec".
	Provider string
	Host     string
	Port     int
	// Path is the sqlite-vec database path for the embedded provider.
	Path string
}

// GraphConfig locates the entity/relation store.
type GraphConfig struct {
	// Provider selects the driver: "neo4j" or "inmemory".
	Provider string
	URI      string
	User     string
	Password string
}

// QueueConfig locates the durable task queue broker.
type QueueConfig struct {
	// Provider selects the driver: "kafka" or "sqlite".
	Provider string
	Brokers  []string
	Topic    string
	// Path is the sqlite queue path for the embedded provider.
	Path string
}

// LLMConfig locates the extraction/judging model endpoint.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxConcurrent bounds in-flight LLM calls to respect upstream rate
	// limits.
	MaxConcurrent int
}

// EmbeddingConfig locates the embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Dimensions is a deploy-time constant; the vector index is created
	// with this dimensionality.
	Dimensions int
}

// PipelineConfig tunes the ingestion workers and the reconciler.
type PipelineConfig struct {
	// Workers is the cross-owner reconciliation pool size.
	Workers int

	// TaskDeadline bounds a single reconciliation task.
	TaskDeadline time.Duration

	// SweepInterval is the drift-sweep cadence.
	SweepInterval time.Duration

	// CommunityInterval is the community-detection cadence.
	CommunityInterval time.Duration

	// ThresholdAdd is the similarity below which a candidate is ADDed.
	ThresholdAdd float64

	// ThresholdDuplicate is the similarity at or above which equal-entity
	// candidates are NOOPed without consulting the judge.
	ThresholdDuplicate float64

	// IdempotencyWindow is how long a conversation segment id deduplicates
	// resubmissions.
	IdempotencyWindow time.Duration
}

// RetrievalConfig tunes the GraphRAG retriever's fused scoring.
type RetrievalConfig struct {
	// Alpha weights vector similarity, Beta the graph boost, Gamma the
	// temporal decay. Tau is the decay time constant.
	Alpha float64
	Beta  float64
	Gamma float64
	Tau   time.Duration

	// DefaultLimit is the result count when the request omits one.
	DefaultLimit int

	// MaxDepth bounds graph expansion.
	MaxDepth int
}
