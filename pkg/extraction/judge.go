package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/llm"
)

// Judge decides the reconciliation event for a candidate against its
// nearest neighbors.
type Judge struct {
	llm    llm.Client
	logger *zap.Logger

	// duplicateThreshold is the similarity at or above which an
	// equal-entity neighbor short-circuits to NONE without a model call.
	duplicateThreshold float64

	// addThreshold is the similarity below which a candidate is ADDed
	// without a model call when no neighbor comes close.
	addThreshold float64
}

// NewJudge creates a judge. Thresholds of zero fall back to 0.95 and 0.80.
func NewJudge(client llm.Client, addThreshold, duplicateThreshold float64, logger *zap.Logger) *Judge {
	if addThreshold == 0 {
		addThreshold = 0.80
	}
	if duplicateThreshold == 0 {
		duplicateThreshold = 0.95
	}
	return &Judge{
		llm:                client,
		logger:             logger,
		addThreshold:       addThreshold,
		duplicateThreshold: duplicateThreshold,
	}
}

// Decide chooses exactly one event for the candidate. Clear-cut cases are
// decided deterministically; the model is consulted only for the ambiguous
// middle band.
func (j *Judge) Decide(ctx context.Context, fact Fact, neighbors []Neighbor) (Judgment, error) {
	if len(neighbors) == 0 {
		return Judgment{Event: EventAdd}, nil
	}

	sorted := make([]Neighbor, len(neighbors))
	copy(sorted, neighbors)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Similarity > sorted[b].Similarity })
	best := sorted[0]

	// Deterministic duplicate: near-identical vector and the same entity
	// set means there is nothing the model could refine.
	if best.Similarity >= j.duplicateThreshold && equalEntitySets(fact.EntityNames(), best.Entities) {
		return Judgment{Event: EventNone, TargetID: best.ID}, nil
	}

	// Deterministic add: nothing is even in the neighborhood.
	if best.Similarity < j.addThreshold {
		return Judgment{Event: EventAdd}, nil
	}

	judgment, err := j.consult(ctx, fact, sorted)
	if err != nil {
		return Judgment{}, err
	}

	// The model may only target a neighbor it was shown.
	if judgment.Event == EventUpdate || judgment.Event == EventDelete {
		if !validTarget(judgment.TargetID, sorted) {
			j.logger.Warn("judge named an unknown target, falling back to ADD",
				zap.String("target", judgment.TargetID),
			)
			return Judgment{Event: EventAdd}, nil
		}
	}

	return judgment, nil
}

func (j *Judge) consult(ctx context.Context, fact Fact, neighbors []Neighbor) (Judgment, error) {
	type promptNeighbor struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	existing := make([]promptNeighbor, 0, len(neighbors))
	for _, n := range neighbors {
		existing = append(existing, promptNeighbor{ID: n.ID, Text: n.Text})
	}
	existingJSON, _ := json.Marshal(existing)

	response, err := j.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Existing memories:\n%s\n\nNew fact:\n%s", existingJSON, fact.Text)},
	})
	if err != nil {
		return Judgment{}, fmt.Errorf("judging fact: %w", err)
	}

	var judgment Judgment
	if err := unmarshalModelJSON(response, &judgment); err != nil {
		return Judgment{}, fmt.Errorf("%w: judgment: %v", llm.ErrBadResponse, err)
	}

	judgment.Event = strings.ToUpper(strings.TrimSpace(judgment.Event))
	switch judgment.Event {
	case EventAdd, EventUpdate, EventDelete, EventNone:
	default:
		return Judgment{}, fmt.Errorf("%w: unknown event %q", llm.ErrBadResponse, judgment.Event)
	}

	if judgment.Event == EventUpdate && strings.TrimSpace(judgment.Text) == "" {
		judgment.Text = fact.Text
	}

	return judgment, nil
}

func validTarget(id string, neighbors []Neighbor) bool {
	for _, n := range neighbors {
		if n.ID == id {
			return true
		}
	}
	return false
}

func equalEntitySets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, name := range a {
		seen[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, name := range b {
		if !seen[strings.ToLower(strings.TrimSpace(name))] {
			return false
		}
	}
	return true
}
