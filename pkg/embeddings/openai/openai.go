// Package openai implements pkg/embeddings' Embedder against any
// OpenAI-compatible embeddings endpoint.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/memoryx/memoryx/pkg/embeddings"
)

// Config holds configuration for the embedder.
type Config struct {
	// BaseURL is the embeddings endpoint, e.g. "http://localhost:11434/v1".
	BaseURL string

	// APIKey authenticates against the endpoint. Optional for local
	// deployments.
	APIKey string

	// Model is the embedding model, e.g. "nomic-embed-text".
	Model string
}

// Embedder wraps go-openai's embeddings API.
type Embedder struct {
	api   *goopenai.Client
	model string
}

// New creates a new embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}

	return &Embedder{
		api:   goopenai.NewClientWithConfig(clientCfg),
		model: cfg.Model,
	}, nil
}

// Embed converts text into a vector embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts several texts in one round trip.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embeddings.ErrEmbedding, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			embeddings.ErrEmbedding, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Close releases embedder resources.
func (e *Embedder) Close() error {
	return nil
}
