package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/vector"
)

// sweepBatchSize bounds how many memories are re-linked or re-embedded
// under one brief owner lock span.
const sweepBatchSize = 100

// SweepReport summarizes one drift-sweep pass.
type SweepReport struct {
	OrphanVectors  int
	OrphanLinks    int
	MissingVectors int
	MissingLinks   int
}

// Sweep compares the vector index and the graph's link set against the
// relational store for every owner partition, deleting orphans and
// restoring missing entries. The relational store is the truth; followers
// are made to match it.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	owners, err := r.store.ListOwners(ctx)
	if err != nil {
		return report, err
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.sweepOwner(ctx, owner, &report); err != nil {
			r.logger.Error("drift sweep failed for partition",
				zap.String("owner", owner.Partition()),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("drift sweep complete",
		zap.Int("orphan_vectors", report.OrphanVectors),
		zap.Int("orphan_links", report.OrphanLinks),
		zap.Int("missing_vectors", report.MissingVectors),
		zap.Int("missing_links", report.MissingLinks),
	)
	return report, nil
}

func (r *Reconciler) sweepOwner(ctx context.Context, owner memory.Owner, report *SweepReport) error {
	// Snapshot the three views under the owner lock, then repair in
	// batches so the lock is never held across a long re-embedding run.
	unlock := r.locks.lock(owner)
	liveIDs, err := r.store.ListMemoryIDs(ctx, owner)
	if err != nil {
		unlock()
		return err
	}
	vectorIDs, err := r.vectors.ListIDs(ctx, owner)
	if err != nil {
		unlock()
		return err
	}
	linkedIDs, err := r.graph.ListLinkedMemoryIDs(ctx, owner)
	if err != nil {
		unlock()
		return err
	}
	unlock()

	live := toSet(liveIDs)
	inVector := toSet(vectorIDs)
	inGraph := toSet(linkedIDs)

	// Orphans: follower entries with no live relational row.
	var orphanVectors, orphanLinks []string
	for id := range inVector {
		if !live[id] {
			orphanVectors = append(orphanVectors, id)
		}
	}
	for id := range inGraph {
		if !live[id] {
			orphanLinks = append(orphanLinks, id)
		}
	}

	// Missing: live rows absent from a follower.
	var missingVectors, missingLinks []string
	for id := range live {
		if !inVector[id] {
			missingVectors = append(missingVectors, id)
		}
		if !inGraph[id] {
			missingLinks = append(missingLinks, id)
		}
	}

	if len(orphanVectors) > 0 {
		if err := r.vectors.Delete(ctx, orphanVectors); err != nil {
			return err
		}
		report.OrphanVectors += len(orphanVectors)
	}
	for _, id := range orphanLinks {
		if err := r.graph.UnlinkMemory(ctx, owner, id); err != nil {
			return err
		}
		report.OrphanLinks++
	}

	for start := 0; start < len(missingVectors); start += sweepBatchSize {
		batch := missingVectors[start:minInt(start+sweepBatchSize, len(missingVectors))]
		if err := r.restoreVectors(ctx, owner, batch); err != nil {
			return err
		}
		report.MissingVectors += len(batch)
	}

	for start := 0; start < len(missingLinks); start += sweepBatchSize {
		batch := missingLinks[start:minInt(start+sweepBatchSize, len(missingLinks))]
		if err := r.restoreLinks(ctx, owner, batch); err != nil {
			return err
		}
		report.MissingLinks += len(batch)
	}

	return nil
}

// restoreVectors re-embeds live memories missing from the vector index.
func (r *Reconciler) restoreVectors(ctx context.Context, owner memory.Owner, ids []string) error {
	records, err := r.store.GetMemories(ctx, owner, ids)
	if err != nil {
		return err
	}

	unlock := r.locks.lock(owner)
	defer unlock()

	points := make([]vector.Point, 0, len(records))
	for _, rec := range records {
		content, err := r.openContent(rec)
		if err != nil {
			return err
		}
		vec, err := r.embedder.Embed(ctx, content)
		if err != nil {
			return err
		}
		points = append(points, vector.Point{
			ID: rec.ID, Vector: vec, Owner: owner, Category: rec.Category,
		})
	}
	return r.vectors.Upsert(ctx, points)
}

// restoreLinks re-extracts entities for live memories missing from the
// graph's link set.
func (r *Reconciler) restoreLinks(ctx context.Context, owner memory.Owner, ids []string) error {
	records, err := r.store.GetMemories(ctx, owner, ids)
	if err != nil {
		return err
	}

	unlock := r.locks.lock(owner)
	defer unlock()

	for _, rec := range records {
		content, err := r.openContent(rec)
		if err != nil {
			return err
		}
		entities, err := r.extractor.ExtractEntities(ctx, content)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			continue
		}
		fact := extraction.Fact{Text: content, Entities: entities}
		if err := r.linkEntities(ctx, owner, rec.ID, fact); err != nil {
			return err
		}
	}
	return nil
}

// RunSweeper runs Sweep on the configured cadence until ctx is cancelled.
func (r *Reconciler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("drift sweep pass failed", zap.Error(err))
			}
		}
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
