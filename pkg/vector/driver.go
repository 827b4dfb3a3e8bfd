// Package vector provides interfaces and implementations for the similarity
// index. Points are keyed by memory id and carry the owner partition and
// category in their payload so kNN search can be filtered server-side.
package vector

import (
	"context"

	"github.com/memoryx/memoryx/pkg/memory"
)

// Point is a stored embedding with its filterable payload.
type Point struct {
	// ID is the memory id this embedding belongs to.
	ID string

	// Vector is the embedding. Dimensionality is a deploy-time constant.
	Vector []float32

	// Owner is the (user, project) partition.
	Owner memory.Owner

	// Category is the memory's category tag.
	Category memory.Category
}

// Filter restricts a search to an owner partition and optionally one
// category.
type Filter struct {
	Owner memory.Owner

	// Category filters results to a single category when non-empty.
	Category memory.Category
}

// Result is a search hit with its cosine similarity score
// (higher = more similar).
type Result struct {
	ID    string
	Score float64
}

// Driver handles storage and filtered kNN retrieval of embeddings.
type Driver interface {
	// Upsert stores points, replacing any existing point with the same ID.
	Upsert(ctx context.Context, points []Point) error

	// Delete removes points by their IDs. Missing IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// Search finds the topK points most similar to the query vector,
	// restricted by the filter. Similarity metric is cosine.
	Search(ctx context.Context, f Filter, query []float32, topK int) ([]Result, error)

	// ListIDs returns every point id within an owner partition. Used by
	// the drift sweep to compare follower state against relational truth.
	ListIDs(ctx context.Context, owner memory.Owner) ([]string, error)

	// Close releases any resources held by the driver.
	Close() error
}
