// Package community clusters each owner's entity graph into communities of
// densely connected entities via label propagation, summarizes each cluster
// with the LLM, and recomputes entity centrality. The job runs offline on a
// configurable cadence; retrieval uses the results as a coarse prefilter.
package community

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/llm"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
)

// propagationRounds bounds label propagation; small graphs converge in a
// handful of rounds.
const propagationRounds = 10

// minCommunitySize is the smallest cluster worth a community row.
const minCommunitySize = 2

const summarySystemPrompt = `You name groups of related entities. Given entity names, return one short sentence describing what connects them. Return only the sentence.`

// Job recomputes communities and centrality for every owner partition.
type Job struct {
	graph  graph.Driver
	store  storage.Store
	llm    llm.Client
	logger *zap.Logger
}

// NewJob creates a community job.
func NewJob(g graph.Driver, store storage.Store, client llm.Client, logger *zap.Logger) *Job {
	return &Job{graph: g, store: store, llm: client, logger: logger}
}

// Run recomputes communities for every owner partition once.
func (j *Job) Run(ctx context.Context) error {
	owners, err := j.store.ListOwners(ctx)
	if err != nil {
		return err
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.runOwner(ctx, owner); err != nil {
			j.logger.Error("community detection failed for partition",
				zap.String("owner", owner.Partition()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RunPeriodic runs the job on the given cadence until ctx is cancelled.
func (j *Job) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("community job pass failed", zap.Error(err))
			}
		}
	}
}

func (j *Job) runOwner(ctx context.Context, owner memory.Owner) error {
	entities, err := j.graph.ListEntities(ctx, owner)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	relations, err := j.graph.ListRelations(ctx, owner)
	if err != nil {
		return err
	}

	labels := Propagate(entities, relations)
	clusters := make(map[string][]memory.Entity)
	for _, e := range entities {
		clusters[labels[e.ID]] = append(clusters[labels[e.ID]], e)
	}

	for label, members := range clusters {
		if len(members) < minCommunitySize {
			continue
		}

		communityID := "community-" + label
		summary, err := j.summarize(ctx, members)
		if err != nil {
			j.logger.Warn("community summary failed", zap.Error(err))
			summary = ""
		}

		if err := j.graph.SaveCommunity(ctx, owner, graph.Community{
			ID:      communityID,
			Summary: summary,
			Size:    len(members),
		}); err != nil {
			return err
		}
		for _, e := range members {
			if err := j.graph.AssignCommunity(ctx, owner, e.ID, communityID); err != nil {
				return err
			}
		}
	}

	return j.recomputeCentrality(ctx, owner, entities, relations)
}

// Propagate assigns each entity a community label by weighted label
// propagation. The graph may contain cycles; rounds are bounded, and ties
// break deterministically on the smaller label.
func Propagate(entities []memory.Entity, relations []memory.Relation) map[string]string {
	labels := make(map[string]string, len(entities))
	order := make([]string, 0, len(entities))
	for _, e := range entities {
		labels[e.ID] = e.ID
		order = append(order, e.ID)
	}
	sort.Strings(order)

	neighbors := make(map[string]map[string]float64)
	addEdge := func(a, b string, w float64) {
		if neighbors[a] == nil {
			neighbors[a] = make(map[string]float64)
		}
		neighbors[a][b] += w
	}
	for _, rel := range relations {
		addEdge(rel.SourceID, rel.TargetID, rel.Weight)
		addEdge(rel.TargetID, rel.SourceID, rel.Weight)
	}

	for round := 0; round < propagationRounds; round++ {
		changed := false
		for _, id := range order {
			votes := make(map[string]float64)
			for neighbor, w := range neighbors[id] {
				if label, ok := labels[neighbor]; ok {
					votes[label] += w
				}
			}
			if len(votes) == 0 {
				continue
			}

			best := labels[id]
			bestWeight := votes[best]
			for label, w := range votes {
				if w > bestWeight || (w == bestWeight && label < best) {
					best = label
					bestWeight = w
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return labels
}

func (j *Job) summarize(ctx context.Context, members []memory.Entity) (string, error) {
	names := make([]string, 0, len(members))
	for _, e := range members {
		names = append(names, e.Name)
	}

	summary, err := j.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: strings.Join(names, ", ")},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing community: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// recomputeCentrality sets each entity's centrality to its weighted degree
// normalized by the partition's maximum.
func (j *Job) recomputeCentrality(ctx context.Context, owner memory.Owner, entities []memory.Entity, relations []memory.Relation) error {
	degree := make(map[string]float64, len(entities))
	for _, rel := range relations {
		degree[rel.SourceID] += rel.Weight
		degree[rel.TargetID] += rel.Weight
	}

	max := 0.0
	for _, d := range degree {
		if d > max {
			max = d
		}
	}
	if max == 0 {
		return nil
	}

	for _, e := range entities {
		score := degree[e.ID] / max
		if score == e.Centrality {
			continue
		}
		if err := j.graph.SetCentrality(ctx, owner, e.ID, score); err != nil {
			return err
		}
	}
	return nil
}
