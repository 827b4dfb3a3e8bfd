// Package retriever answers semantic-search queries by fusing vector
// recall with entity-graph expansion and temporal decay.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/crypto"
	"github.com/memoryx/memoryx/pkg/embeddings"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/vector"
)

// minQueryLength is the query length, in runes, below which the search
// returns empty without charging quota.
const minQueryLength = 2

// recallFloor is the minimum kNN candidate count regardless of limit.
const recallFloor = 30

// ErrQuotaExceeded is returned when the owner's daily search quota is
// exhausted. The HTTP layer attaches the upgrade hint.
var ErrQuotaExceeded = storage.ErrQuotaExceeded

// Request is one search invocation.
type Request struct {
	Owner    memory.Owner
	Query    string
	Limit    int
	Category memory.Category
}

// Item is one ranked result.
type Item struct {
	ID       string          `json:"id"`
	Content  string          `json:"content"`
	Category memory.Category `json:"category"`
	Score    float64         `json:"score"`
}

// Response is the full search result: direct matches, graph-adjacent
// memories below the direct threshold, and the caller's remaining quota.
type Response struct {
	Data           []Item `json:"data"`
	RelatedMems    []Item `json:"related_memories"`
	RemainingQuota int    `json:"remaining_quota"`
}

// Retriever fuses the three stores into ranked search results.
type Retriever struct {
	store     storage.Store
	vectors   vector.Driver
	graph     graph.Driver
	embedder  embeddings.Embedder
	extractor *extraction.Extractor
	envelope  *crypto.Envelope
	cfg       config.RetrievalConfig
	logger    *zap.Logger
}

// Config wires a Retriever. Envelope may be nil when at-rest encryption is
// not configured.
type Config struct {
	Store     storage.Store
	Vectors   vector.Driver
	Graph     graph.Driver
	Embedder  embeddings.Embedder
	Extractor *extraction.Extractor
	Envelope  *crypto.Envelope
	Retrieval config.RetrievalConfig
	Logger    *zap.Logger
}

// New creates a Retriever.
func New(cfg Config) *Retriever {
	return &Retriever{
		store:     cfg.Store,
		vectors:   cfg.Vectors,
		graph:     cfg.Graph,
		embedder:  cfg.Embedder,
		extractor: cfg.Extractor,
		envelope:  cfg.Envelope,
		cfg:       cfg.Retrieval,
		logger:    cfg.Logger,
	}
}

// Search runs the full GraphRAG pipeline for one query. Quota is consumed
// once per accepted search; short queries return empty without charge.
func (r *Retriever) Search(ctx context.Context, tier string, req Request) (Response, error) {
	if utf8.RuneCountInString(req.Query) < minQueryLength {
		usage, err := r.store.GetQuota(ctx, req.Owner.UserID, tier)
		if err != nil {
			return Response{}, err
		}
		return Response{RemainingQuota: usage.SearchesLimit - usage.SearchesUsed}, nil
	}

	remaining, err := r.store.ConsumeSearch(ctx, req.Owner.UserID, tier)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return Response{}, ErrQuotaExceeded
		}
		return Response{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	queryVec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return Response{}, fmt.Errorf("embedding query: %w", err)
	}

	// Query analysis with the same extractor ingestion uses. Extraction
	// failure degrades to pure vector recall rather than failing the
	// search.
	queryEntities, err := r.extractor.ExtractEntities(ctx, req.Query)
	if err != nil {
		r.logger.Debug("query entity extraction failed, using pure vector recall", zap.Error(err))
		queryEntities = nil
	}
	communities := r.resolveCommunities(ctx, req.Owner, queryEntities)

	k := limit * 3
	if k < recallFloor {
		k = recallFloor
	}
	hits, err := r.vectors.Search(ctx, vector.Filter{Owner: req.Owner, Category: req.Category}, queryVec, k)
	if err != nil {
		return Response{}, fmt.Errorf("vector recall: %w", err)
	}

	scored := make(map[string]*candidate, len(hits))
	for _, h := range hits {
		scored[h.ID] = &candidate{similarity: h.Score, direct: true}
	}

	if len(queryEntities) > 0 {
		if err := r.expand(ctx, req.Owner, hits, communities, scored); err != nil {
			return Response{}, err
		}
	}

	data, related, err := r.rank(ctx, req.Owner, scored, limit)
	if err != nil {
		return Response{}, err
	}

	return Response{Data: data, RelatedMems: related, RemainingQuota: remaining}, nil
}

// resolveCommunities maps query entities to their community ids.
func (r *Retriever) resolveCommunities(ctx context.Context, owner memory.Owner, entities []extraction.Entity) map[string]bool {
	communities := make(map[string]bool)
	for _, qe := range entities {
		e, err := r.graph.GetEntityByName(ctx, owner, qe.Name)
		if err != nil {
			continue
		}
		if e.CommunityID != "" {
			communities[e.CommunityID] = true
		}
	}
	return communities
}
