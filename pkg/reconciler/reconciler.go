// Package reconciler decides, for each candidate fact, whether to ADD,
// UPDATE, DELETE, or NOOP against the owner's existing memories, and
// commits the decision across the relational store, the vector index, and
// the entity graph as a per-candidate saga.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/crypto"
	"github.com/memoryx/memoryx/pkg/embeddings"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/vector"
)

// neighborK is how many nearest memories a candidate is compared against.
const neighborK = 5

// confidentCategory is the extractor confidence above which the category
// guess narrows the neighbor search.
const confidentCategory = 0.7

// ErrFollower wraps a follower-store failure that was compensated. Tasks
// seeing it finish PARTIAL rather than FAILURE; relational truth is intact
// and the drift sweep restores the followers.
var ErrFollower = errors.New("follower store write failed")

// Outcome reports what happened to one candidate.
type Outcome struct {
	Event    string
	MemoryID string
}

// Reconciler runs the per-candidate decision procedure and saga commit.
type Reconciler struct {
	store     storage.Store
	vectors   vector.Driver
	graph     graph.Driver
	embedder  embeddings.Embedder
	extractor *extraction.Extractor
	judge     *extraction.Judge
	envelope  *crypto.Envelope
	locks     *ownerLocks
	logger    *zap.Logger
}

// Config wires a Reconciler's collaborators. Envelope may be nil when
// at-rest encryption is not configured.
type Config struct {
	Store     storage.Store
	Vectors   vector.Driver
	Graph     graph.Driver
	Embedder  embeddings.Embedder
	Extractor *extraction.Extractor
	Judge     *extraction.Judge
	Envelope  *crypto.Envelope
	Logger    *zap.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		store:     cfg.Store,
		vectors:   cfg.Vectors,
		graph:     cfg.Graph,
		embedder:  cfg.Embedder,
		extractor: cfg.Extractor,
		judge:     cfg.Judge,
		envelope:  cfg.Envelope,
		locks:     newOwnerLocks(),
		logger:    cfg.Logger,
	}
}

// ReconcileAll serializes reconciliation per owner and processes the
// candidates in order. Follower failures are compensated and reported in
// the outcome slice via ErrFollower; the first authoritative failure
// aborts.
func (r *Reconciler) ReconcileAll(ctx context.Context, owner memory.Owner, facts []extraction.Fact, sourceID string) ([]Outcome, error) {
	unlock := r.locks.lock(owner)
	defer unlock()

	var outcomes []Outcome
	var followerErr error
	for _, fact := range facts {
		outcome, err := r.reconcile(ctx, owner, fact, sourceID)
		if err != nil {
			if errors.Is(err, ErrFollower) {
				followerErr = err
				outcomes = append(outcomes, outcome)
				continue
			}
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, followerErr
}

// DeleteMemory runs the DELETE saga for one memory directly, bypassing the
// decision procedure. The HTTP delete endpoint uses it so the vector index
// and graph links fall away with the relational tombstone.
func (r *Reconciler) DeleteMemory(ctx context.Context, owner memory.Owner, id string) error {
	unlock := r.locks.lock(owner)
	defer unlock()

	_, err := r.commitDelete(ctx, owner, Delete{TargetID: id})
	return err
}

// reconcile runs the decision procedure for one candidate and commits it.
// Callers hold the owner lock.
func (r *Reconciler) reconcile(ctx context.Context, owner memory.Owner, fact extraction.Fact, sourceID string) (Outcome, error) {
	vec, err := r.embedder.Embed(ctx, fact.Text)
	if err != nil {
		return Outcome{}, fmt.Errorf("embedding candidate: %w", err)
	}

	neighbors, err := r.nearestNeighbors(ctx, owner, fact, vec)
	if err != nil {
		return Outcome{}, err
	}

	judgment, err := r.judge.Decide(ctx, fact, neighbors)
	if err != nil {
		return Outcome{}, err
	}

	op := opFromJudgment(judgment, fact)
	outcome, err := r.commit(ctx, owner, op, vec, sourceID)
	if err != nil {
		return outcome, err
	}

	r.logger.Debug("reconciled candidate",
		zap.String("owner", owner.Partition()),
		zap.String("event", outcome.Event),
		zap.String("memory_id", outcome.MemoryID),
	)
	return outcome, nil
}

// nearestNeighbors retrieves the top-k existing memories and scores each
// against the candidate on cosine, lexical overlap, and entity Jaccard.
func (r *Reconciler) nearestNeighbors(ctx context.Context, owner memory.Owner, fact extraction.Fact, vec []float32) ([]extraction.Neighbor, error) {
	filter := vector.Filter{Owner: owner}
	if fact.Confidence >= confidentCategory {
		filter.Category = fact.Category
	}

	hits, err := r.vectors.Search(ctx, filter, vec, neighborK)
	if err != nil {
		return nil, fmt.Errorf("searching neighbors: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
		scores[h.ID] = h.Score
	}

	records, err := r.store.GetMemories(ctx, owner, ids)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors: %w", err)
	}

	neighbors := make([]extraction.Neighbor, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}

		content, err := r.openContent(rec)
		if err != nil {
			return nil, err
		}

		entities, err := r.graph.EntitiesForMemory(ctx, owner, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("loading neighbor entities: %w", err)
		}
		names := make([]string, 0, len(entities))
		for _, e := range entities {
			names = append(names, e.Name)
		}

		cosine := scores[rec.ID]
		neighbors = append(neighbors, extraction.Neighbor{
			ID:         rec.ID,
			Text:       content,
			Similarity: blendSimilarity(cosine, LexicalOverlap(fact.Text, content), EntityJaccard(fact.EntityNames(), names)),
			Entities:   names,
		})
	}
	return neighbors, nil
}

func opFromJudgment(j extraction.Judgment, fact extraction.Fact) Op {
	switch j.Event {
	case extraction.EventUpdate:
		return Update{TargetID: j.TargetID, Text: j.Text, Fact: fact}
	case extraction.EventDelete:
		return Delete{TargetID: j.TargetID}
	case extraction.EventNone:
		return Noop{TargetID: j.TargetID}
	default:
		return Add{Fact: fact}
	}
}

// sealContent applies the at-rest envelope when configured.
func (r *Reconciler) sealContent(content string) (string, bool, error) {
	if r.envelope == nil {
		return content, false, nil
	}
	sealed, err := r.envelope.Seal(content)
	if err != nil {
		return "", false, fmt.Errorf("sealing content: %w", err)
	}
	return sealed, true, nil
}

func (r *Reconciler) openContent(rec storage.MemoryRecord) (string, error) {
	if !rec.Encrypted {
		return rec.Content, nil
	}
	if r.envelope == nil {
		return "", fmt.Errorf("memory %s is encrypted but no content key is configured", rec.ID)
	}
	content, err := r.envelope.Open(rec.Content)
	if err != nil {
		return "", fmt.Errorf("opening content of %s: %w", rec.ID, err)
	}
	return content, nil
}

// NewMemoryID mints a memory id.
func NewMemoryID() string {
	return uuid.NewString()
}
