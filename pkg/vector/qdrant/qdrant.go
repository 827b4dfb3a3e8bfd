// Package qdrant provides a Qdrant-backed vector driver over gRPC.
package qdrant

import (
	"context"
	"fmt"

	qdr "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/vector"
)

const (
	// DefaultCollectionName is the default collection for memory embeddings.
	DefaultCollectionName = "memoryx"

	// scrollPageSize bounds a single scroll request during sweeps.
	scrollPageSize = 1000
)

// Driver implements vector.Driver using Qdrant.
type Driver struct {
	client     *qdr.Client
	collection string
	dims       int
	logger     *zap.Logger
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	// Host and Port locate the Qdrant gRPC endpoint.
	Host string
	Port int

	// CollectionName is the collection to use. Defaults to
	// DefaultCollectionName if empty.
	CollectionName string

	// Dimensions is the embedding dimensionality the collection is
	// created with.
	Dimensions int
}

// NewDriver connects to Qdrant and ensures the collection exists with a
// cosine distance configuration.
func NewDriver(ctx context.Context, c Config, logger *zap.Logger) (*Driver, error) {
	if c.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant embedding dimensions cannot be 0, must be configured")
	}

	collection := c.CollectionName
	if collection == "" {
		collection = DefaultCollectionName
	}

	client, err := qdr.NewClient(&qdr.Config{
		Host: c.Host,
		Port: c.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vector.ErrConnection, err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: checking collection: %v", vector.ErrConnection, err)
	}

	if !exists {
		err = client.CreateCollection(ctx, &qdr.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdr.NewVectorsConfig(&qdr.VectorParams{
				Size:     uint64(c.Dimensions),
				Distance: qdr.Distance_Cosine,
			}),
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating collection %q: %w", collection, err)
		}
	}

	logger.Info("connected to Qdrant",
		zap.String("host", c.Host),
		zap.Int("port", c.Port),
		zap.String("collection", collection),
		zap.Int("dimensions", c.Dimensions),
	)

	return &Driver{
		client:     client,
		collection: collection,
		dims:       c.Dimensions,
		logger:     logger,
	}, nil
}

// Upsert stores points keyed by memory id.
func (d *Driver) Upsert(ctx context.Context, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}

	upserts := make([]*qdr.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != d.dims {
			return fmt.Errorf("%w: got %d, collection configured for %d",
				vector.ErrDimensions, len(p.Vector), d.dims)
		}
		upserts = append(upserts, &qdr.PointStruct{
			Id:      qdr.NewID(p.ID),
			Vectors: qdr.NewVectors(p.Vector...),
			Payload: qdr.NewValueMap(map[string]any{
				"user_id":    p.Owner.UserID,
				"project_id": p.Owner.ProjectID,
				"category":   string(p.Category),
			}),
		})
	}

	_, err := d.client.Upsert(ctx, &qdr.UpsertPoints{
		CollectionName: d.collection,
		Points:         upserts,
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

// Delete removes points by their IDs.
func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	selectors := make([]*qdr.PointId, 0, len(ids))
	for _, id := range ids {
		selectors = append(selectors, qdr.NewID(id))
	}

	_, err := d.client.Delete(ctx, &qdr.DeletePoints{
		CollectionName: d.collection,
		Points:         qdr.NewPointsSelector(selectors...),
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Search runs a filtered kNN query with cosine similarity.
func (d *Driver) Search(ctx context.Context, f vector.Filter, query []float32, topK int) ([]vector.Result, error) {
	if len(query) != d.dims {
		return nil, fmt.Errorf("%w: got %d, collection configured for %d",
			vector.ErrDimensions, len(query), d.dims)
	}

	limit := uint64(topK)
	hits, err := d.client.Query(ctx, &qdr.QueryPoints{
		CollectionName: d.collection,
		Query:          qdr.NewQuery(query...),
		Filter:         ownerFilter(f),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}

	results := make([]vector.Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, vector.Result{
			ID:    hit.GetId().GetUuid(),
			Score: float64(hit.GetScore()),
		})
	}
	return results, nil
}

// ListIDs returns every point id within an owner partition, scrolling one
// page at a time.
func (d *Driver) ListIDs(ctx context.Context, owner memory.Owner) ([]string, error) {
	limit := uint32(scrollPageSize)
	var ids []string
	var offset *qdr.PointId
	for {
		points, err := d.client.Scroll(ctx, &qdr.ScrollPoints{
			CollectionName: d.collection,
			Filter:         ownerFilter(vector.Filter{Owner: owner}),
			Limit:          &limit,
			Offset:         offset,
		})
		if err != nil {
			return nil, fmt.Errorf("scrolling: %w", err)
		}

		for _, p := range points {
			// The offset is inclusive; that point ended the previous page.
			if offset != nil && p.GetId().GetUuid() == offset.GetUuid() {
				continue
			}
			ids = append(ids, p.GetId().GetUuid())
		}
		if len(points) < scrollPageSize {
			return ids, nil
		}
		offset = points[len(points)-1].GetId()
	}
}

// Close releases the gRPC connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

func ownerFilter(f vector.Filter) *qdr.Filter {
	must := []*qdr.Condition{
		qdr.NewMatch("user_id", f.Owner.UserID),
		qdr.NewMatch("project_id", f.Owner.ProjectID),
	}
	if f.Category != "" {
		must = append(must, qdr.NewMatch("category", string(f.Category)))
	}
	return &qdr.Filter{Must: must}
}
