// Package graph provides interfaces and implementations for the entity
// graph: entities deduplicated by canonical name per owner partition,
// weighted relations that accumulate on co-mention, memory↔entity links,
// and entity communities.
package graph

import (
	"context"

	"github.com/memoryx/memoryx/pkg/memory"
)

// Community is a cluster of densely connected entities with a short summary
// used as a coarse retrieval prefilter.
type Community struct {
	ID      string
	Summary string
	Size    int
}

// Neighborhood is the result of a bounded traversal around a set of
// entities.
type Neighborhood struct {
	Entities  []memory.Entity
	Relations []memory.Relation
}

// Driver handles storage and traversal of the entity graph. All operations
// are scoped to an owner partition; entity ids never cross partitions.
type Driver interface {
	// UpsertEntity resolves a canonical name to an entity id, creating
	// the entity on first reference. Aliases and type are merged into an
	// existing row.
	UpsertEntity(ctx context.Context, owner memory.Owner, name, entityType string, aliases []string) (memory.Entity, error)

	// GetEntityByName returns the entity with the canonical name, or
	// ErrNotFound.
	GetEntityByName(ctx context.Context, owner memory.Owner, name string) (memory.Entity, error)

	// LinkMemory records that a memory mentions the given entities,
	// replacing any previous link set for that memory.
	LinkMemory(ctx context.Context, owner memory.Owner, memoryID string, entityIDs []string) error

	// UnlinkMemory removes all links for a memory.
	UnlinkMemory(ctx context.Context, owner memory.Owner, memoryID string) error

	// EntitiesForMemory returns the entities a memory links to.
	EntitiesForMemory(ctx context.Context, owner memory.Owner, memoryID string) ([]memory.Entity, error)

	// MemoriesForEntity returns the memory ids linked to an entity.
	MemoriesForEntity(ctx context.Context, owner memory.Owner, entityID string) ([]string, error)

	// BumpRelation adds delta to the weight of the directed edge
	// (source, predicate, target), creating it at weight delta. Negative
	// deltas decay the edge; a weight at or below zero removes it.
	BumpRelation(ctx context.Context, owner memory.Owner, sourceID, targetID, predicate string, delta float64) error

	// RelationsFor returns the outgoing and incoming edges of an entity.
	RelationsFor(ctx context.Context, owner memory.Owner, entityID string) ([]memory.Relation, error)

	// ListLinkedMemoryIDs returns every memory id that has at least one
	// entity link. Used by the drift sweep.
	ListLinkedMemoryIDs(ctx context.Context, owner memory.Owner) ([]string, error)

	// ListEntities returns every entity in the partition. Used by the
	// community job.
	ListEntities(ctx context.Context, owner memory.Owner) ([]memory.Entity, error)

	// ListRelations returns every relation in the partition. Used by the
	// community job.
	ListRelations(ctx context.Context, owner memory.Owner) ([]memory.Relation, error)

	// SetCentrality updates an entity's lazily recomputed centrality
	// score.
	SetCentrality(ctx context.Context, owner memory.Owner, entityID string, score float64) error

	// AssignCommunity sets an entity's community id.
	AssignCommunity(ctx context.Context, owner memory.Owner, entityID, communityID string) error

	// SaveCommunity persists a community row (id, summary, size).
	SaveCommunity(ctx context.Context, owner memory.Owner, c Community) error

	// GetCommunities returns the community rows for the given ids.
	GetCommunities(ctx context.Context, owner memory.Owner, ids []string) ([]Community, error)

	// Close releases any resources held by the driver.
	Close() error
}
