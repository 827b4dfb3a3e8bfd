// Package neo4j provides a Neo4j-backed graph driver over Bolt.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/memory"
)

// Driver implements graph.Driver using Neo4j.
//
// Entities are (:Entity) nodes keyed by a lowercased canonical name within
// the owner partition; memories appear as (:Memory) nodes holding only the
// link topology ((:Memory)-[:MENTIONS]->(:Entity)); relations are
// [:REL {predicate, weight}] edges between entities.
type Driver struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// Config holds configuration for the Neo4j driver.
type Config struct {
	// URI is the Bolt endpoint, e.g. "neo4j://localhost:7687".
	URI      string
	User     string
	Password string
}

// NewDriver connects to Neo4j and verifies connectivity.
func NewDriver(ctx context.Context, c Config, logger *zap.Logger) (*Driver, error) {
	drv, err := neo4j.NewDriverWithContext(c.URI, neo4j.BasicAuth(c.User, c.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrConnection, err)
	}

	if err := drv.VerifyConnectivity(ctx); err != nil {
		drv.Close(ctx)
		return nil, fmt.Errorf("%w: %v", graph.ErrConnection, err)
	}

	logger.Info("connected to Neo4j", zap.String("uri", c.URI))

	return &Driver{driver: drv, logger: logger}, nil
}

func (d *Driver) write(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	records, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

func (d *Driver) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

func ownerParams(owner memory.Owner) map[string]any {
	return map[string]any{
		"user":    owner.UserID,
		"project": owner.ProjectID,
	}
}

func entityFromProps(props map[string]any) memory.Entity {
	e := memory.Entity{}
	if v, ok := props["id"].(string); ok {
		e.ID = v
	}
	if v, ok := props["name"].(string); ok {
		e.Name = v
	}
	if v, ok := props["type"].(string); ok {
		e.Type = v
	}
	if v, ok := props["centrality"].(float64); ok {
		e.Centrality = v
	}
	if v, ok := props["community"].(string); ok {
		e.CommunityID = v
	}
	if vs, ok := props["aliases"].([]any); ok {
		for _, v := range vs {
			if s, ok := v.(string); ok {
				e.Aliases = append(e.Aliases, s)
			}
		}
	}
	return e
}

// UpsertEntity resolves a canonical name to an entity id, creating the
// entity on first reference.
func (d *Driver) UpsertEntity(ctx context.Context, owner memory.Owner, name, entityType string, aliases []string) (memory.Entity, error) {
	params := ownerParams(owner)
	params["id"] = uuid.NewString()
	params["name"] = name
	params["nameKey"] = canonicalKey(name)
	params["type"] = entityType
	params["aliases"] = aliases

	records, err := d.write(ctx, `
		MERGE (e:Entity {user: $user, project: $project, nameKey: $nameKey})
		ON CREATE SET e.id = $id, e.name = $name, e.type = $type,
			e.aliases = $aliases, e.centrality = 0.0, e.community = ''
		ON MATCH SET e.type = CASE WHEN e.type = '' THEN $type ELSE e.type END,
			e.aliases = [a IN e.aliases WHERE NOT a IN $aliases] + $aliases
		RETURN e
	`, params)
	if err != nil {
		return memory.Entity{}, fmt.Errorf("upserting entity: %w", err)
	}
	if len(records) == 0 {
		return memory.Entity{}, fmt.Errorf("upserting entity: no row returned")
	}

	node, _ := records[0].Get("e")
	return entityFromProps(node.(neo4j.Node).Props), nil
}

// GetEntityByName returns the entity with the canonical name.
func (d *Driver) GetEntityByName(ctx context.Context, owner memory.Owner, name string) (memory.Entity, error) {
	params := ownerParams(owner)
	params["nameKey"] = canonicalKey(name)

	records, err := d.read(ctx, `
		MATCH (e:Entity {user: $user, project: $project, nameKey: $nameKey})
		RETURN e
	`, params)
	if err != nil {
		return memory.Entity{}, fmt.Errorf("getting entity: %w", err)
	}
	if len(records) == 0 {
		return memory.Entity{}, fmt.Errorf("%w: %s", graph.ErrNotFound, name)
	}

	node, _ := records[0].Get("e")
	return entityFromProps(node.(neo4j.Node).Props), nil
}

// LinkMemory replaces the link set for a memory.
func (d *Driver) LinkMemory(ctx context.Context, owner memory.Owner, memoryID string, entityIDs []string) error {
	params := ownerParams(owner)
	params["memoryID"] = memoryID
	params["entityIDs"] = entityIDs

	_, err := d.write(ctx, `
		MERGE (m:Memory {user: $user, project: $project, id: $memoryID})
		WITH m
		OPTIONAL MATCH (m)-[old:MENTIONS]->(:Entity)
		DELETE old
		WITH DISTINCT m
		MATCH (e:Entity {user: $user, project: $project})
		WHERE e.id IN $entityIDs
		MERGE (m)-[:MENTIONS]->(e)
	`, params)
	if err != nil {
		return fmt.Errorf("linking memory: %w", err)
	}
	return nil
}

// UnlinkMemory removes all links for a memory.
func (d *Driver) UnlinkMemory(ctx context.Context, owner memory.Owner, memoryID string) error {
	params := ownerParams(owner)
	params["memoryID"] = memoryID

	_, err := d.write(ctx, `
		MATCH (m:Memory {user: $user, project: $project, id: $memoryID})
		DETACH DELETE m
	`, params)
	if err != nil {
		return fmt.Errorf("unlinking memory: %w", err)
	}
	return nil
}

// EntitiesForMemory returns the entities a memory links to.
func (d *Driver) EntitiesForMemory(ctx context.Context, owner memory.Owner, memoryID string) ([]memory.Entity, error) {
	params := ownerParams(owner)
	params["memoryID"] = memoryID

	records, err := d.read(ctx, `
		MATCH (:Memory {user: $user, project: $project, id: $memoryID})-[:MENTIONS]->(e:Entity)
		RETURN e
	`, params)
	if err != nil {
		return nil, fmt.Errorf("fetching entities: %w", err)
	}

	entities := make([]memory.Entity, 0, len(records))
	for _, rec := range records {
		node, _ := rec.Get("e")
		entities = append(entities, entityFromProps(node.(neo4j.Node).Props))
	}
	return entities, nil
}

// MemoriesForEntity returns the memory ids linked to an entity.
func (d *Driver) MemoriesForEntity(ctx context.Context, owner memory.Owner, entityID string) ([]string, error) {
	params := ownerParams(owner)
	params["entityID"] = entityID

	records, err := d.read(ctx, `
		MATCH (m:Memory {user: $user, project: $project})-[:MENTIONS]->(:Entity {id: $entityID})
		RETURN m.id AS id ORDER BY id
	`, params)
	if err != nil {
		return nil, fmt.Errorf("fetching memories: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, _ := rec.Get("id")
		ids = append(ids, id.(string))
	}
	return ids, nil
}

// BumpRelation adds delta to a directed edge's weight.
func (d *Driver) BumpRelation(ctx context.Context, owner memory.Owner, sourceID, targetID, predicate string, delta float64) error {
	params := ownerParams(owner)
	params["sourceID"] = sourceID
	params["targetID"] = targetID
	params["predicate"] = predicate
	params["delta"] = delta
	params["now"] = time.Now().UTC().Unix()

	_, err := d.write(ctx, `
		MATCH (a:Entity {user: $user, project: $project, id: $sourceID})
		MATCH (b:Entity {user: $user, project: $project, id: $targetID})
		MERGE (a)-[r:REL {predicate: $predicate}]->(b)
		ON CREATE SET r.weight = $delta, r.updatedAt = $now
		ON MATCH SET r.weight = r.weight + $delta, r.updatedAt = $now
		WITH r
		WHERE r.weight <= 0
		DELETE r
	`, params)
	if err != nil {
		return fmt.Errorf("bumping relation: %w", err)
	}
	return nil
}

// RelationsFor returns the outgoing and incoming edges of an entity.
func (d *Driver) RelationsFor(ctx context.Context, owner memory.Owner, entityID string) ([]memory.Relation, error) {
	params := ownerParams(owner)
	params["entityID"] = entityID

	records, err := d.read(ctx, `
		MATCH (a:Entity {user: $user, project: $project})-[r:REL]->(b:Entity)
		WHERE a.id = $entityID OR b.id = $entityID
		RETURN a.id AS source, b.id AS target, r.predicate AS predicate,
			r.weight AS weight, r.updatedAt AS updatedAt
	`, params)
	if err != nil {
		return nil, fmt.Errorf("fetching relations: %w", err)
	}

	rels := make([]memory.Relation, 0, len(records))
	for _, rec := range records {
		rels = append(rels, relationFromRecord(rec))
	}
	return rels, nil
}

func relationFromRecord(rec *neo4j.Record) memory.Relation {
	rel := memory.Relation{}
	if v, ok := rec.Get("source"); ok {
		rel.SourceID, _ = v.(string)
	}
	if v, ok := rec.Get("target"); ok {
		rel.TargetID, _ = v.(string)
	}
	if v, ok := rec.Get("predicate"); ok {
		rel.Predicate, _ = v.(string)
	}
	if v, ok := rec.Get("weight"); ok {
		rel.Weight, _ = v.(float64)
	}
	if v, ok := rec.Get("updatedAt"); ok {
		if ts, ok := v.(int64); ok {
			rel.UpdatedAt = time.Unix(ts, 0).UTC()
		}
	}
	return rel
}

// ListLinkedMemoryIDs returns every memory id with at least one link.
func (d *Driver) ListLinkedMemoryIDs(ctx context.Context, owner memory.Owner) ([]string, error) {
	records, err := d.read(ctx, `
		MATCH (m:Memory {user: $user, project: $project})-[:MENTIONS]->(:Entity)
		RETURN DISTINCT m.id AS id ORDER BY id
	`, ownerParams(owner))
	if err != nil {
		return nil, fmt.Errorf("listing linked memories: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, _ := rec.Get("id")
		ids = append(ids, id.(string))
	}
	return ids, nil
}

// ListEntities returns every entity in the partition.
func (d *Driver) ListEntities(ctx context.Context, owner memory.Owner) ([]memory.Entity, error) {
	records, err := d.read(ctx, `
		MATCH (e:Entity {user: $user, project: $project})
		RETURN e ORDER BY e.name
	`, ownerParams(owner))
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}

	entities := make([]memory.Entity, 0, len(records))
	for _, rec := range records {
		node, _ := rec.Get("e")
		entities = append(entities, entityFromProps(node.(neo4j.Node).Props))
	}
	return entities, nil
}

// ListRelations returns every relation in the partition.
func (d *Driver) ListRelations(ctx context.Context, owner memory.Owner) ([]memory.Relation, error) {
	records, err := d.read(ctx, `
		MATCH (a:Entity {user: $user, project: $project})-[r:REL]->(b:Entity)
		RETURN a.id AS source, b.id AS target, r.predicate AS predicate,
			r.weight AS weight, r.updatedAt AS updatedAt
	`, ownerParams(owner))
	if err != nil {
		return nil, fmt.Errorf("listing relations: %w", err)
	}

	rels := make([]memory.Relation, 0, len(records))
	for _, rec := range records {
		rels = append(rels, relationFromRecord(rec))
	}
	return rels, nil
}

// SetCentrality updates an entity's centrality score.
func (d *Driver) SetCentrality(ctx context.Context, owner memory.Owner, entityID string, score float64) error {
	params := ownerParams(owner)
	params["entityID"] = entityID
	params["score"] = score

	_, err := d.write(ctx, `
		MATCH (e:Entity {user: $user, project: $project, id: $entityID})
		SET e.centrality = $score
	`, params)
	if err != nil {
		return fmt.Errorf("setting centrality: %w", err)
	}
	return nil
}

// AssignCommunity sets an entity's community id.
func (d *Driver) AssignCommunity(ctx context.Context, owner memory.Owner, entityID, communityID string) error {
	params := ownerParams(owner)
	params["entityID"] = entityID
	params["communityID"] = communityID

	_, err := d.write(ctx, `
		MATCH (e:Entity {user: $user, project: $project, id: $entityID})
		SET e.community = $communityID
	`, params)
	if err != nil {
		return fmt.Errorf("assigning community: %w", err)
	}
	return nil
}

// SaveCommunity persists a community row.
func (d *Driver) SaveCommunity(ctx context.Context, owner memory.Owner, c graph.Community) error {
	params := ownerParams(owner)
	params["id"] = c.ID
	params["summary"] = c.Summary
	params["size"] = c.Size

	_, err := d.write(ctx, `
		MERGE (c:Community {user: $user, project: $project, id: $id})
		SET c.summary = $summary, c.size = $size
	`, params)
	if err != nil {
		return fmt.Errorf("saving community: %w", err)
	}
	return nil
}

// GetCommunities returns the community rows for the given ids.
func (d *Driver) GetCommunities(ctx context.Context, owner memory.Owner, ids []string) ([]graph.Community, error) {
	params := ownerParams(owner)
	params["ids"] = ids

	records, err := d.read(ctx, `
		MATCH (c:Community {user: $user, project: $project})
		WHERE c.id IN $ids
		RETURN c.id AS id, c.summary AS summary, c.size AS size
	`, params)
	if err != nil {
		return nil, fmt.Errorf("getting communities: %w", err)
	}

	communities := make([]graph.Community, 0, len(records))
	for _, rec := range records {
		var c graph.Community
		if v, ok := rec.Get("id"); ok {
			c.ID, _ = v.(string)
		}
		if v, ok := rec.Get("summary"); ok {
			c.Summary, _ = v.(string)
		}
		if v, ok := rec.Get("size"); ok {
			if n, ok := v.(int64); ok {
				c.Size = int(n)
			}
		}
		communities = append(communities, c)
	}
	return communities, nil
}

// Close releases the Bolt connection pool.
func (d *Driver) Close() error {
	return d.driver.Close(context.Background())
}

func canonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
