// Package embeddings
package embeddings

import (
	"context"
	"errors"
)

// Embedder provides text embedding capabilities.
type Embedder interface {
	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts several texts in one round trip where the
	// backend supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}

// ErrEmbedding is returned when embedding generation fails.
var ErrEmbedding = errors.New("embedding failed")
