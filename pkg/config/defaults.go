package config

import "time"

// NewDefaultConfig returns the configuration defaults. This is the single
// source of truth; viper defaults are registered from it.
func NewDefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Debug:  false,
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "memoryx.db",
		},
		Vector: VectorConfig{
			Provider: "sqlitevec",
			Host:     "localhost",
			Port:     6334,
			Path:     "memoryx-vec.db",
		},
		Graph: GraphConfig{
			Provider: "inmemory",
			URI:      "neo4j://localhost:7687",
			User:     "neo4j",
		},
		Queue: QueueConfig{
			Provider: "sqlite",
			Brokers:  []string{"localhost:9092"},
			Topic:    "memoryx-ingest",
			Path:     "memoryx-queue.db",
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434/v1",
			Model:         "qwen2.5:7b",
			MaxConcurrent: 4,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:11434/v1",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Pipeline: PipelineConfig{
			Workers:            2,
			TaskDeadline:       30 * time.Second,
			SweepInterval:      time.Hour,
			CommunityInterval:  6 * time.Hour,
			ThresholdAdd:       0.80,
			ThresholdDuplicate: 0.95,
			IdempotencyWindow:  24 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			Alpha:        0.6,
			Beta:         0.25,
			Gamma:        0.15,
			Tau:          30 * 24 * time.Hour,
			DefaultLimit: 10,
			MaxDepth:     2,
		},
	}
}
