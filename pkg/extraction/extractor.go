package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/llm"
	"github.com/memoryx/memoryx/pkg/memory"
)

// Extractor extracts facts and entities from text via the LLM.
type Extractor struct {
	llm    llm.Client
	logger *zap.Logger
}

// NewExtractor creates an extractor on the given client.
func NewExtractor(client llm.Client, logger *zap.Logger) *Extractor {
	return &Extractor{llm: client, logger: logger}
}

type factsResponse struct {
	Facts []Fact `json:"facts"`
}

// ExtractFacts extracts candidate facts from a role-tagged transcript.
func (e *Extractor) ExtractFacts(ctx context.Context, transcript string) ([]Fact, error) {
	response, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: factSystemPrompt},
		{Role: "user", Content: "Input:\n" + transcript},
	})
	if err != nil {
		return nil, fmt.Errorf("extracting facts: %w", err)
	}

	var parsed factsResponse
	if err := unmarshalModelJSON(response, &parsed); err != nil {
		return nil, fmt.Errorf("%w: facts: %v", llm.ErrBadResponse, err)
	}

	facts := make([]Fact, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		f.Text = strings.TrimSpace(f.Text)
		f.Category = memory.ParseCategory(string(f.Category))
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.5
		}
		facts = append(facts, f)
	}

	e.logger.Debug("extracted facts", zap.Int("count", len(facts)))
	return facts, nil
}

type entitiesResponse struct {
	Entities []Entity `json:"entities"`
}

// ExtractEntities extracts only the entities from text. The retriever uses
// this for query analysis with the same extractor the reconciler uses for
// facts.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	response, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: entitySystemPrompt},
		{Role: "user", Content: "Input:\n" + text},
	})
	if err != nil {
		return nil, fmt.Errorf("extracting entities: %w", err)
	}

	var parsed entitiesResponse
	if err := unmarshalModelJSON(response, &parsed); err != nil {
		return nil, fmt.Errorf("%w: entities: %v", llm.ErrBadResponse, err)
	}
	return parsed.Entities, nil
}

// unmarshalModelJSON decodes a model completion that should be a single
// JSON object, tolerating markdown code fences and leading prose.
func unmarshalModelJSON(response string, v any) error {
	cleaned := strings.TrimSpace(response)

	if idx := strings.Index(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[idx+3:]
		cleaned = strings.TrimPrefix(cleaned, "json")
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}

	return json.Unmarshal([]byte(cleaned[start:end+1]), v)
}
