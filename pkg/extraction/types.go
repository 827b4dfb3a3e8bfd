// Package extraction turns raw text into structured candidate facts and
// judges candidates against existing memories. It owns the prompts and the
// parsing of the model's structured output; callers never see raw
// completions.
package extraction

import "github.com/memoryx/memoryx/pkg/memory"

// Entity is a referent extracted from text, before graph resolution.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is a directed edge between two extracted entities, named by
// their canonical names.
type Relation struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Predicate string `json:"predicate"`
}

// Fact is a candidate memory produced from a conversation segment or a
// direct write.
type Fact struct {
	Text       string          `json:"text"`
	Category   memory.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Entities   []Entity        `json:"entities"`
	Relations  []Relation      `json:"relations"`
}

// EntityNames returns the extracted entity names in order.
func (f Fact) EntityNames() []string {
	names := make([]string, 0, len(f.Entities))
	for _, e := range f.Entities {
		names = append(names, e.Name)
	}
	return names
}

// Judgment events, mirroring the reconciler's decision alternatives.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// Judgment is the model's verdict for one candidate against its nearest
// neighbors.
type Judgment struct {
	// Event is one of ADD, UPDATE, DELETE, NONE.
	Event string `json:"event"`

	// TargetID names the neighbor affected by UPDATE or DELETE.
	TargetID string `json:"target_id"`

	// Text is the rewritten content for UPDATE; empty otherwise.
	Text string `json:"text"`
}

// Neighbor is an existing memory offered to the judge for comparison.
type Neighbor struct {
	ID         string
	Text       string
	Similarity float64
	Entities   []string
}
