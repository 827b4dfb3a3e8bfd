package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load resolves the server configuration.
//
// Config precedence (highest to lowest):
//  1. Environment variables (MEMORYX_DATABASE_URL, MEMORYX_VECTOR_HOST, ...)
//  2. config.toml file values (from configDir when non-empty)
//  3. Defaults from NewDefaultConfig()
//
// A .env file in the working directory is folded into the environment first,
// so deployments can ship one file with all MEMORYX_* keys.
func Load(configDir string) (*Config, error) {
	// Ignore a missing .env; it is optional.
	_ = godotenv.Load()

	v := viper.New()
	setViperDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("MEMORYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v), nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of
// truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("listen", d.Listen)
	v.SetDefault("debug", d.Debug)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("vector.provider", d.Vector.Provider)
	v.SetDefault("vector.host", d.Vector.Host)
	v.SetDefault("vector.port", d.Vector.Port)
	v.SetDefault("vector.path", d.Vector.Path)

	v.SetDefault("graph.provider", d.Graph.Provider)
	v.SetDefault("graph.uri", d.Graph.URI)
	v.SetDefault("graph.user", d.Graph.User)
	v.SetDefault("graph.password", d.Graph.Password)

	v.SetDefault("queue.provider", d.Queue.Provider)
	v.SetDefault("queue.brokers", d.Queue.Brokers)
	v.SetDefault("queue.topic", d.Queue.Topic)
	v.SetDefault("queue.path", d.Queue.Path)

	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.max_concurrent", d.LLM.MaxConcurrent)

	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.task_deadline", d.Pipeline.TaskDeadline)
	v.SetDefault("pipeline.sweep_interval", d.Pipeline.SweepInterval)
	v.SetDefault("pipeline.community_interval", d.Pipeline.CommunityInterval)
	v.SetDefault("pipeline.threshold_add", d.Pipeline.ThresholdAdd)
	v.SetDefault("pipeline.threshold_duplicate", d.Pipeline.ThresholdDuplicate)
	v.SetDefault("pipeline.idempotency_window", d.Pipeline.IdempotencyWindow)

	v.SetDefault("retrieval.alpha", d.Retrieval.Alpha)
	v.SetDefault("retrieval.beta", d.Retrieval.Beta)
	v.SetDefault("retrieval.gamma", d.Retrieval.Gamma)
	v.SetDefault("retrieval.tau", d.Retrieval.Tau)
	v.SetDefault("retrieval.default_limit", d.Retrieval.DefaultLimit)
	v.SetDefault("retrieval.max_depth", d.Retrieval.MaxDepth)

	v.SetDefault("secret_key", "")
	v.SetDefault("content_key", "")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Listen: v.GetString("listen"),
		Debug:  v.GetBool("debug"),
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			URL:    v.GetString("database.url"),
		},
		Vector: VectorConfig{
			Provider: v.GetString("vector.provider"),
			Host:     v.GetString("vector.host"),
			Port:     v.GetInt("vector.port"),
			Path:     v.GetString("vector.path"),
		},
		Graph: GraphConfig{
			Provider: v.GetString("graph.provider"),
			URI:      v.GetString("graph.uri"),
			User:     v.GetString("graph.user"),
			Password: v.GetString("graph.password"),
		},
		Queue: QueueConfig{
			Provider: v.GetString("queue.provider"),
			Brokers:  v.GetStringSlice("queue.brokers"),
			Topic:    v.GetString("queue.topic"),
			Path:     v.GetString("queue.path"),
		},
		LLM: LLMConfig{
			BaseURL:       v.GetString("llm.base_url"),
			APIKey:        v.GetString("llm.api_key"),
			Model:         v.GetString("llm.model"),
			MaxConcurrent: v.GetInt("llm.max_concurrent"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:    v.GetString("embedding.base_url"),
			APIKey:     v.GetString("embedding.api_key"),
			Model:      v.GetString("embedding.model"),
			Dimensions: v.GetInt("embedding.dimensions"),
		},
		Pipeline: PipelineConfig{
			Workers:            v.GetInt("pipeline.workers"),
			TaskDeadline:       durationOr(v, "pipeline.task_deadline", 30*time.Second),
			SweepInterval:      durationOr(v, "pipeline.sweep_interval", time.Hour),
			CommunityInterval:  durationOr(v, "pipeline.community_interval", 6*time.Hour),
			ThresholdAdd:       v.GetFloat64("pipeline.threshold_add"),
			ThresholdDuplicate: v.GetFloat64("pipeline.threshold_duplicate"),
			IdempotencyWindow:  durationOr(v, "pipeline.idempotency_window", 24*time.Hour),
		},
		Retrieval: RetrievalConfig{
			Alpha:        v.GetFloat64("retrieval.alpha"),
			Beta:         v.GetFloat64("retrieval.beta"),
			Gamma:        v.GetFloat64("retrieval.gamma"),
			Tau:          durationOr(v, "retrieval.tau", 30*24*time.Hour),
			DefaultLimit: v.GetInt("retrieval.default_limit"),
			MaxDepth:     v.GetInt("retrieval.max_depth"),
		},
		SecretKey:  v.GetString("secret_key"),
		ContentKey: v.GetString("content_key"),
	}
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}
