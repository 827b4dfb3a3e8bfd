package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/vector"
)

// hopDiscount halves a contribution per traversal hop.
const hopDiscount = 0.5

// communityBoost is the graph-boost bonus for memories linked to an entity
// in one of the query's communities.
const communityBoost = 0.1

// candidate accumulates a memory's evidence before final scoring.
type candidate struct {
	similarity  float64
	graphBoost  float64
	direct      bool
	inCommunity bool
}

// expand walks memory→entity→relation→entity→memory around the recalled
// set, up to the configured depth, crediting adjacent memories with a
// discounted boost. Cycles are bounded by visited-set tracking, not
// reachability.
func (r *Retriever) expand(ctx context.Context, owner memory.Owner, hits []vector.Result, communities map[string]bool, scored map[string]*candidate) error {
	maxDepth := r.cfg.MaxDepth
	if maxDepth <= 0 || maxDepth > 2 {
		maxDepth = 2
	}

	type frontierEntity struct {
		id     string
		weight float64 // accumulated path discount
	}

	visitedEntities := make(map[string]bool)
	frontier := make([]frontierEntity, 0)

	// Seed the frontier with the entities of the direct hits.
	for _, hit := range hits {
		entities, err := r.graph.EntitiesForMemory(ctx, owner, hit.ID)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", hit.ID, err)
		}
		for _, e := range entities {
			if communities[e.CommunityID] {
				scored[hit.ID].inCommunity = true
			}
			if !visitedEntities[e.ID] {
				visitedEntities[e.ID] = true
				frontier = append(frontier, frontierEntity{id: e.ID, weight: hit.Score})
			}
		}
	}

	for depth := 1; depth <= maxDepth; depth++ {
		next := make([]frontierEntity, 0)
		for _, fe := range frontier {
			rels, err := r.graph.RelationsFor(ctx, owner, fe.id)
			if err != nil {
				return fmt.Errorf("relations of %s: %w", fe.id, err)
			}

			total := 0.0
			for _, rel := range rels {
				total += rel.Weight
			}
			if total == 0 {
				continue
			}

			for _, rel := range rels {
				neighborID := rel.TargetID
				if neighborID == fe.id {
					neighborID = rel.SourceID
				}
				if visitedEntities[neighborID] {
					continue
				}
				visitedEntities[neighborID] = true

				contribution := fe.weight * hopDiscount * (rel.Weight / total)
				if contribution <= 0 {
					continue
				}

				memoryIDs, err := r.graph.MemoriesForEntity(ctx, owner, neighborID)
				if err != nil {
					return fmt.Errorf("memories of %s: %w", neighborID, err)
				}
				for _, id := range memoryIDs {
					c, ok := scored[id]
					if !ok {
						c = &candidate{}
						scored[id] = c
					}
					if contribution > c.graphBoost {
						c.graphBoost = contribution
					}
				}

				next = append(next, frontierEntity{id: neighborID, weight: contribution})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	return nil
}

// rank loads relational rows for every candidate, applies the fused score,
// and splits the result into direct data and adjacent-only related sets.
func (r *Retriever) rank(ctx context.Context, owner memory.Owner, scored map[string]*candidate, limit int) ([]Item, []Item, error) {
	ids := make([]string, 0, len(scored))
	for id := range scored {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records, err := r.store.GetMemories(ctx, owner, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading candidates: %w", err)
	}
	byID := make(map[string]storage.MemoryRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	now := time.Now().UTC()
	type ranked struct {
		item   Item
		direct bool
	}
	results := make([]ranked, 0, len(ids))

	for _, id := range ids {
		c := scored[id]
		rec, ok := byID[id]
		if !ok {
			// Inconsistency window: the vector exists but the
			// relational row does not (yet). Skip it.
			r.logger.Debug("candidate missing from relational store", zap.String("memory_id", id))
			continue
		}
		if rec.Deleted {
			continue
		}

		content := rec.Content
		if rec.Encrypted {
			if r.envelope == nil {
				r.logger.Warn("skipping encrypted memory without content key", zap.String("memory_id", id))
				continue
			}
			content, err = r.envelope.Open(rec.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("opening content of %s: %w", id, err)
			}
		}

		boost := c.graphBoost
		if c.inCommunity {
			boost += communityBoost
		}
		if boost > 1 {
			boost = 1
		}

		decay := math.Exp(-now.Sub(rec.UpdatedAt).Seconds() / r.cfg.Tau.Seconds())
		score := r.cfg.Alpha*c.similarity + r.cfg.Beta*boost + r.cfg.Gamma*decay

		results = append(results, ranked{
			item: Item{
				ID:       rec.ID,
				Content:  content,
				Category: rec.Category,
				Score:    score,
			},
			direct: c.direct,
		})
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].item.Score > results[b].item.Score
	})

	data := make([]Item, 0, limit)
	related := make([]Item, 0, limit)
	for _, res := range results {
		if res.direct && len(data) < limit {
			data = append(data, res.item)
			continue
		}
		if !res.direct && len(related) < limit {
			related = append(related, res.item)
		}
	}

	return data, related, nil
}
