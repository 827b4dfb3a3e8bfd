// Package inmemory provides a map-backed graph driver for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/memory"
)

type partition struct {
	entities    map[string]*memory.Entity // by id
	byName      map[string]string         // canonical name -> id
	relations   map[string]*memory.Relation
	memoryLinks map[string][]string // memory id -> entity ids
	communities map[string]graph.Community
}

// Driver implements graph.Driver with in-process maps.
type Driver struct {
	mu         sync.RWMutex
	partitions map[string]*partition
}

// NewDriver creates an empty in-memory graph.
func NewDriver() *Driver {
	return &Driver{partitions: make(map[string]*partition)}
}

func (d *Driver) partitionFor(owner memory.Owner) *partition {
	p, ok := d.partitions[owner.Partition()]
	if !ok {
		p = &partition{
			entities:    make(map[string]*memory.Entity),
			byName:      make(map[string]string),
			relations:   make(map[string]*memory.Relation),
			memoryLinks: make(map[string][]string),
			communities: make(map[string]graph.Community),
		}
		d.partitions[owner.Partition()] = p
	}
	return p
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func relationKey(sourceID, targetID, predicate string) string {
	return sourceID + "|" + predicate + "|" + targetID
}

// UpsertEntity resolves a canonical name to an entity, creating it on first
// reference.
func (d *Driver) UpsertEntity(_ context.Context, owner memory.Owner, name, entityType string, aliases []string) (memory.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitionFor(owner)
	key := canonical(name)

	if id, ok := p.byName[key]; ok {
		e := p.entities[id]
		if entityType != "" && e.Type == "" {
			e.Type = entityType
		}
		e.Aliases = mergeAliases(e.Aliases, aliases)
		return *e, nil
	}

	e := &memory.Entity{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(name),
		Aliases: mergeAliases(nil, aliases),
		Type:    entityType,
	}
	p.entities[e.ID] = e
	p.byName[key] = e.ID
	return *e, nil
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !seen[canonical(a)] {
			seen[canonical(a)] = true
			merged = append(merged, a)
		}
	}
	for _, a := range incoming {
		if a != "" && !seen[canonical(a)] {
			seen[canonical(a)] = true
			merged = append(merged, a)
		}
	}
	return merged
}

// GetEntityByName returns the entity with the canonical name.
func (d *Driver) GetEntityByName(_ context.Context, owner memory.Owner, name string) (memory.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	id, ok := p.byName[canonical(name)]
	if !ok {
		return memory.Entity{}, fmt.Errorf("%w: %s", graph.ErrNotFound, name)
	}
	return *p.entities[id], nil
}

// LinkMemory replaces the link set for a memory.
func (d *Driver) LinkMemory(_ context.Context, owner memory.Owner, memoryID string, entityIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitionFor(owner)
	links := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		if _, ok := p.entities[id]; !ok {
			return fmt.Errorf("%w: id %s", graph.ErrNotFound, id)
		}
		links = append(links, id)
	}
	p.memoryLinks[memoryID] = links
	return nil
}

// UnlinkMemory removes all links for a memory.
func (d *Driver) UnlinkMemory(_ context.Context, owner memory.Owner, memoryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.partitionFor(owner).memoryLinks, memoryID)
	return nil
}

// EntitiesForMemory returns the entities a memory links to.
func (d *Driver) EntitiesForMemory(_ context.Context, owner memory.Owner, memoryID string) ([]memory.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	var entities []memory.Entity
	for _, id := range p.memoryLinks[memoryID] {
		if e, ok := p.entities[id]; ok {
			entities = append(entities, *e)
		}
	}
	return entities, nil
}

// MemoriesForEntity returns the memory ids linked to an entity.
func (d *Driver) MemoriesForEntity(_ context.Context, owner memory.Owner, entityID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	var ids []string
	for memoryID, links := range p.memoryLinks {
		for _, id := range links {
			if id == entityID {
				ids = append(ids, memoryID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// BumpRelation adds delta to a directed edge's weight.
func (d *Driver) BumpRelation(_ context.Context, owner memory.Owner, sourceID, targetID, predicate string, delta float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitionFor(owner)
	key := relationKey(sourceID, targetID, predicate)

	if rel, ok := p.relations[key]; ok {
		rel.Weight += delta
		rel.UpdatedAt = time.Now().UTC()
		if rel.Weight <= 0 {
			delete(p.relations, key)
		}
		return nil
	}

	if delta <= 0 {
		return nil
	}
	p.relations[key] = &memory.Relation{
		SourceID:  sourceID,
		TargetID:  targetID,
		Predicate: predicate,
		Weight:    delta,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// RelationsFor returns the outgoing and incoming edges of an entity.
func (d *Driver) RelationsFor(_ context.Context, owner memory.Owner, entityID string) ([]memory.Relation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	var rels []memory.Relation
	for _, rel := range p.relations {
		if rel.SourceID == entityID || rel.TargetID == entityID {
			rels = append(rels, *rel)
		}
	}
	return rels, nil
}

// ListLinkedMemoryIDs returns every memory id with at least one link.
func (d *Driver) ListLinkedMemoryIDs(_ context.Context, owner memory.Owner) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	ids := make([]string, 0, len(p.memoryLinks))
	for id, links := range p.memoryLinks {
		if len(links) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListEntities returns every entity in the partition.
func (d *Driver) ListEntities(_ context.Context, owner memory.Owner) ([]memory.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	entities := make([]memory.Entity, 0, len(p.entities))
	for _, e := range p.entities {
		entities = append(entities, *e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities, nil
}

// ListRelations returns every relation in the partition.
func (d *Driver) ListRelations(_ context.Context, owner memory.Owner) ([]memory.Relation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	rels := make([]memory.Relation, 0, len(p.relations))
	for _, rel := range p.relations {
		rels = append(rels, *rel)
	}
	return rels, nil
}

// SetCentrality updates an entity's centrality score.
func (d *Driver) SetCentrality(_ context.Context, owner memory.Owner, entityID string, score float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitionFor(owner)
	e, ok := p.entities[entityID]
	if !ok {
		return fmt.Errorf("%w: id %s", graph.ErrNotFound, entityID)
	}
	e.Centrality = score
	return nil
}

// AssignCommunity sets an entity's community id.
func (d *Driver) AssignCommunity(_ context.Context, owner memory.Owner, entityID, communityID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.partitionFor(owner)
	e, ok := p.entities[entityID]
	if !ok {
		return fmt.Errorf("%w: id %s", graph.ErrNotFound, entityID)
	}
	e.CommunityID = communityID
	return nil
}

// SaveCommunity persists a community row.
func (d *Driver) SaveCommunity(_ context.Context, owner memory.Owner, c graph.Community) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.partitionFor(owner).communities[c.ID] = c
	return nil
}

// GetCommunities returns the community rows for the given ids.
func (d *Driver) GetCommunities(_ context.Context, owner memory.Owner, ids []string) ([]graph.Community, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.partitionFor(owner)
	var communities []graph.Community
	for _, id := range ids {
		if c, ok := p.communities[id]; ok {
			communities = append(communities, c)
		}
	}
	return communities, nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}
