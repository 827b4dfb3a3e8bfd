// Package app assembles the system from configuration: store drivers, LLM
// and embedding clients, and the pipeline components, as one injected
// bundle shared by the serve and sweep commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/aggregator"
	"github.com/memoryx/memoryx/pkg/community"
	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/crypto"
	"github.com/memoryx/memoryx/pkg/embeddings"
	embopenai "github.com/memoryx/memoryx/pkg/embeddings/openai"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/graph"
	graphinmemory "github.com/memoryx/memoryx/pkg/graph/inmemory"
	graphneo4j "github.com/memoryx/memoryx/pkg/graph/neo4j"
	"github.com/memoryx/memoryx/pkg/ingest"
	"github.com/memoryx/memoryx/pkg/llm"
	llmopenai "github.com/memoryx/memoryx/pkg/llm/openai"
	"github.com/memoryx/memoryx/pkg/reconciler"
	"github.com/memoryx/memoryx/pkg/retriever"
	"github.com/memoryx/memoryx/pkg/storage"
	storagepostgres "github.com/memoryx/memoryx/pkg/storage/postgres"
	storagesqlite "github.com/memoryx/memoryx/pkg/storage/sqlite"
	"github.com/memoryx/memoryx/pkg/taskqueue"
	queuekafka "github.com/memoryx/memoryx/pkg/taskqueue/kafka"
	queuesqlite "github.com/memoryx/memoryx/pkg/taskqueue/sqlite"
	"github.com/memoryx/memoryx/pkg/vector"
	vecqdrant "github.com/memoryx/memoryx/pkg/vector/qdrant"
	vecsqlitevec "github.com/memoryx/memoryx/pkg/vector/sqlitevec"
)

// App is the assembled system.
type App struct {
	Config *config.Config

	Store    storage.Store
	Vectors  vector.Driver
	Graph    graph.Driver
	Queue    taskqueue.Queue
	LLM      llm.Client
	Embedder embeddings.Embedder
	Envelope *crypto.Envelope

	Extractor  *extraction.Extractor
	Judge      *extraction.Judge
	Aggregator *aggregator.Aggregator
	Reconciler *reconciler.Reconciler
	Retriever  *retriever.Retriever
	Worker     *ingest.Worker
	Community  *community.Job
}

// Build assembles the system from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg}

	var err error
	if a.Store, err = buildStore(ctx, cfg); err != nil {
		return nil, err
	}
	if a.Vectors, err = buildVectors(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.Graph, err = buildGraph(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.Queue, err = buildQueue(cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	llmClient, err := llmopenai.New(llmopenai.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.LLM = llm.NewLimited(llmClient, cfg.LLM.MaxConcurrent)

	if a.Embedder, err = embopenai.New(embopenai.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
	}); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.ContentKey != "" {
		if a.Envelope, err = crypto.NewEnvelope(cfg.ContentKey); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Extractor = extraction.NewExtractor(a.LLM, logger)
	a.Judge = extraction.NewJudge(a.LLM, cfg.Pipeline.ThresholdAdd, cfg.Pipeline.ThresholdDuplicate, logger)

	a.Reconciler = reconciler.New(reconciler.Config{
		Store:     a.Store,
		Vectors:   a.Vectors,
		Graph:     a.Graph,
		Embedder:  a.Embedder,
		Extractor: a.Extractor,
		Judge:     a.Judge,
		Envelope:  a.Envelope,
		Logger:    logger,
	})

	a.Aggregator = aggregator.New(aggregator.Config{
		LLM:       a.LLM,
		Extractor: a.Extractor,
		Filter:    extraction.NewFilter(nil),
		Logger:    logger,
	})

	a.Retriever = retriever.New(retriever.Config{
		Store:     a.Store,
		Vectors:   a.Vectors,
		Graph:     a.Graph,
		Embedder:  a.Embedder,
		Extractor: a.Extractor,
		Envelope:  a.Envelope,
		Retrieval: cfg.Retrieval,
		Logger:    logger,
	})

	a.Worker = ingest.New(ingest.Config{
		Queue:      a.Queue,
		Store:      a.Store,
		Aggregator: a.Aggregator,
		Reconciler: a.Reconciler,
		Deadline:   cfg.Pipeline.TaskDeadline,
		Workers:    cfg.Pipeline.Workers,
		Logger:     logger,
	})

	a.Community = community.NewJob(a.Graph, a.Store, a.LLM, logger)

	return a, nil
}

// Close releases every held resource, tolerating partially built apps.
func (a *App) Close() {
	if a.Embedder != nil {
		a.Embedder.Close()
	}
	if a.LLM != nil {
		a.LLM.Close()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Graph != nil {
		a.Graph.Close()
	}
	if a.Vectors != nil {
		a.Vectors.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return storagepostgres.NewDriver(ctx, cfg.Database.URL)
	case "sqlite", "":
		return storagesqlite.NewDriver(cfg.Database.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildVectors(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vector.Driver, error) {
	switch cfg.Vector.Provider {
	case "qdrant":
		return vecqdrant.NewDriver(ctx, vecqdrant.Config{
			Host:       cfg.Vector.Host,
			Port:       cfg.Vector.Port,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger)
	case "sqlitevec", "":
		return vecsqlitevec.NewDriver(vecsqlitevec.Config{
			DBPath:     cfg.Vector.Path,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Vector.Provider)
	}
}

func buildGraph(ctx context.Context, cfg *config.Config, logger *zap.Logger) (graph.Driver, error) {
	switch cfg.Graph.Provider {
	case "neo4j":
		return graphneo4j.NewDriver(ctx, graphneo4j.Config{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
		}, logger)
	case "inmemory", "":
		return graphinmemory.NewDriver(), nil
	default:
		return nil, fmt.Errorf("unknown graph provider %q", cfg.Graph.Provider)
	}
}

func buildQueue(cfg *config.Config, logger *zap.Logger) (taskqueue.Queue, error) {
	switch cfg.Queue.Provider {
	case "kafka":
		return queuekafka.NewQueue(queuekafka.Config{
			Brokers: cfg.Queue.Brokers,
			Topic:   cfg.Queue.Topic,
		}, logger)
	case "sqlite", "":
		return queuesqlite.NewQueue(cfg.Queue.Path)
	default:
		return nil, fmt.Errorf("unknown queue provider %q", cfg.Queue.Provider)
	}
}
