package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/vector"
)

// commit applies one decision across the three stores. Step order is fixed:
// relational row first (authoritative), vector second, graph third. On a
// follower failure the steps already taken for this candidate are undone in
// reverse order and the error is wrapped in ErrFollower.
func (r *Reconciler) commit(ctx context.Context, owner memory.Owner, op Op, vec []float32, sourceID string) (Outcome, error) {
	switch op := op.(type) {
	case Add:
		return r.commitAdd(ctx, owner, op, vec, sourceID)
	case Update:
		return r.commitUpdate(ctx, owner, op, vec, sourceID)
	case Delete:
		return r.commitDelete(ctx, owner, op)
	case Noop:
		return Outcome{Event: op.Event(), MemoryID: op.TargetID}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown op %T", op)
	}
}

func (r *Reconciler) commitAdd(ctx context.Context, owner memory.Owner, op Add, vec []float32, sourceID string) (Outcome, error) {
	now := time.Now().UTC()
	id := NewMemoryID()

	content, encrypted, err := r.sealContent(op.Fact.Text)
	if err != nil {
		return Outcome{}, err
	}

	rec := storage.MemoryRecord{
		ID:        id,
		Owner:     owner,
		Content:   content,
		Encrypted: encrypted,
		Category:  op.Fact.Category,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
		SourceIDs: []string{sourceID},
	}
	if err := r.store.InsertMemory(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("authoritative insert: %w", err)
	}

	point := vector.Point{ID: id, Vector: vec, Owner: owner, Category: op.Fact.Category}
	if err := r.vectors.Upsert(ctx, []vector.Point{point}); err != nil {
		r.compensate("delete relational row", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, id, 1)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: vector upsert: %v", ErrFollower, err)
	}

	if err := r.linkEntities(ctx, owner, id, op.Fact); err != nil {
		r.compensate("delete vector", func() error {
			return r.vectors.Delete(ctx, []string{id})
		})
		r.compensate("delete relational row", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, id, 1)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: graph link: %v", ErrFollower, err)
	}

	if err := r.store.AddMemoriesUsed(ctx, owner.UserID, 1); err != nil {
		r.logger.Warn("memory counter update failed", zap.Error(err))
	}

	return Outcome{Event: op.Event(), MemoryID: id}, nil
}

func (r *Reconciler) commitUpdate(ctx context.Context, owner memory.Owner, op Update, vec []float32, sourceID string) (Outcome, error) {
	current, err := r.store.GetMemory(ctx, owner, op.TargetID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading update target: %w", err)
	}
	previousContent, err := r.openContent(current)
	if err != nil {
		return Outcome{}, err
	}

	// The judge may have merged old and new content; the stored vector
	// must embed what is stored.
	if op.Text != op.Fact.Text {
		vec, err = r.embedder.Embed(ctx, op.Text)
		if err != nil {
			return Outcome{}, fmt.Errorf("embedding updated content: %w", err)
		}
	}

	content, encrypted, err := r.sealContent(op.Text)
	if err != nil {
		return Outcome{}, err
	}

	next := storage.MemoryRecord{
		ID:        current.ID,
		Owner:     owner,
		Content:   content,
		Encrypted: encrypted,
		Category:  op.Fact.Category,
		CreatedAt: current.CreatedAt,
		UpdatedAt: time.Now().UTC(),
		Version:   current.Version + 1,
		SourceIDs: appendSource(current.SourceIDs, sourceID),
	}
	if err := r.store.InsertMemory(ctx, next); err != nil {
		return Outcome{}, fmt.Errorf("authoritative supersede: %w", err)
	}

	point := vector.Point{ID: next.ID, Vector: vec, Owner: owner, Category: next.Category}
	if err := r.vectors.Upsert(ctx, []vector.Point{point}); err != nil {
		r.compensate("delete superseding row", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, next.ID, next.Version)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: vector upsert: %v", ErrFollower, err)
	}

	if err := r.linkEntities(ctx, owner, next.ID, op.Fact); err != nil {
		r.compensate("restore previous vector", func() error {
			previousVec, embedErr := r.embedder.Embed(ctx, previousContent)
			if embedErr != nil {
				return embedErr
			}
			return r.vectors.Upsert(ctx, []vector.Point{{
				ID: next.ID, Vector: previousVec, Owner: owner, Category: current.Category,
			}})
		})
		r.compensate("delete superseding row", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, next.ID, next.Version)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: graph relink: %v", ErrFollower, err)
	}

	return Outcome{Event: op.Event(), MemoryID: next.ID}, nil
}

func (r *Reconciler) commitDelete(ctx context.Context, owner memory.Owner, op Delete) (Outcome, error) {
	current, err := r.store.GetMemory(ctx, owner, op.TargetID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading delete target: %w", err)
	}
	if current.Deleted {
		return Outcome{Event: op.Event(), MemoryID: op.TargetID}, nil
	}

	if err := r.store.TombstoneMemory(ctx, owner, op.TargetID); err != nil {
		return Outcome{}, fmt.Errorf("authoritative tombstone: %w", err)
	}
	tombstoneVersion := current.Version + 1

	if err := r.vectors.Delete(ctx, []string{op.TargetID}); err != nil {
		r.compensate("remove tombstone", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, op.TargetID, tombstoneVersion)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: vector delete: %v", ErrFollower, err)
	}

	if err := r.unlinkEntities(ctx, owner, op.TargetID); err != nil {
		r.compensate("restore vector", func() error {
			content, openErr := r.openContent(current)
			if openErr != nil {
				return openErr
			}
			vec, embedErr := r.embedder.Embed(ctx, content)
			if embedErr != nil {
				return embedErr
			}
			return r.vectors.Upsert(ctx, []vector.Point{{
				ID: op.TargetID, Vector: vec, Owner: owner, Category: current.Category,
			}})
		})
		r.compensate("remove tombstone", func() error {
			return r.store.DeleteMemoryVersion(ctx, owner, op.TargetID, tombstoneVersion)
		})
		return Outcome{Event: op.Event()}, fmt.Errorf("%w: graph unlink: %v", ErrFollower, err)
	}

	if err := r.store.AddMemoriesUsed(ctx, owner.UserID, -1); err != nil {
		r.logger.Warn("memory counter update failed", zap.Error(err))
	}

	return Outcome{Event: op.Event(), MemoryID: op.TargetID}, nil
}

// linkEntities resolves the fact's entities, replaces the memory's link
// set, and bumps relation weights.
func (r *Reconciler) linkEntities(ctx context.Context, owner memory.Owner, memoryID string, fact extraction.Fact) error {
	idsByName := make(map[string]string, len(fact.Entities))
	entityIDs := make([]string, 0, len(fact.Entities))
	for _, e := range fact.Entities {
		resolved, err := r.graph.UpsertEntity(ctx, owner, e.Name, e.Type, nil)
		if err != nil {
			return fmt.Errorf("resolving entity %q: %w", e.Name, err)
		}
		key := strings.ToLower(strings.TrimSpace(e.Name))
		if _, dup := idsByName[key]; dup {
			continue
		}
		idsByName[key] = resolved.ID
		entityIDs = append(entityIDs, resolved.ID)
	}

	if err := r.graph.LinkMemory(ctx, owner, memoryID, entityIDs); err != nil {
		return fmt.Errorf("linking memory: %w", err)
	}

	for _, rel := range fact.Relations {
		sourceID, okS := idsByName[strings.ToLower(strings.TrimSpace(rel.Source))]
		targetID, okT := idsByName[strings.ToLower(strings.TrimSpace(rel.Target))]
		if !okS || !okT || sourceID == targetID {
			continue
		}
		if err := r.graph.BumpRelation(ctx, owner, sourceID, targetID, rel.Predicate, 1); err != nil {
			return fmt.Errorf("bumping relation %s-%s: %w", rel.Source, rel.Target, err)
		}
	}
	return nil
}

// unlinkEntities removes a memory's links and decays the relations among
// its formerly linked entities.
func (r *Reconciler) unlinkEntities(ctx context.Context, owner memory.Owner, memoryID string) error {
	entities, err := r.graph.EntitiesForMemory(ctx, owner, memoryID)
	if err != nil {
		return fmt.Errorf("loading linked entities: %w", err)
	}

	linked := make(map[string]bool, len(entities))
	for _, e := range entities {
		linked[e.ID] = true
	}

	seen := make(map[string]bool)
	for _, e := range entities {
		rels, err := r.graph.RelationsFor(ctx, owner, e.ID)
		if err != nil {
			return fmt.Errorf("loading relations: %w", err)
		}
		for _, rel := range rels {
			if !linked[rel.SourceID] || !linked[rel.TargetID] {
				continue
			}
			key := rel.SourceID + "|" + rel.Predicate + "|" + rel.TargetID
			if seen[key] {
				continue
			}
			seen[key] = true
			if err := r.graph.BumpRelation(ctx, owner, rel.SourceID, rel.TargetID, rel.Predicate, -1); err != nil {
				return fmt.Errorf("decaying relation: %w", err)
			}
		}
	}

	if err := r.graph.UnlinkMemory(ctx, owner, memoryID); err != nil {
		return fmt.Errorf("unlinking memory: %w", err)
	}
	return nil
}

// compensate runs one rollback action, logging failures instead of
// propagating them: the relational store is authoritative and the drift
// sweep restores followers that could not be rolled back.
func (r *Reconciler) compensate(action string, fn func() error) {
	if err := fn(); err != nil {
		r.logger.Error("compensation failed, drift sweep will reconcile",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func appendSource(sources []string, sourceID string) []string {
	for _, s := range sources {
		if s == sourceID {
			return sources
		}
	}
	return append(append([]string{}, sources...), sourceID)
}
