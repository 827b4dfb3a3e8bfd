package reconciler

import "github.com/memoryx/memoryx/pkg/extraction"

// Op is the reconciler's decision for one candidate: exactly one of Add,
// Update, Delete, or Noop, each carrying only the fields its commit needs.
type Op interface {
	// Event returns the decision's wire name (ADD, UPDATE, DELETE, NOOP).
	Event() string
}

// Add creates a new memory from the candidate.
type Add struct {
	Fact extraction.Fact
}

// Update supersedes an existing memory with refined content.
type Update struct {
	// TargetID is the memory being superseded.
	TargetID string

	// Text is the rewritten content.
	Text string

	Fact extraction.Fact
}

// Delete soft-deletes a memory the candidate explicitly negates.
type Delete struct {
	TargetID string
}

// Noop records that the candidate duplicates an existing memory.
type Noop struct {
	TargetID string
}

func (Add) Event() string    { return "ADD" }
func (Update) Event() string { return "UPDATE" }
func (Delete) Event() string { return "DELETE" }
func (Noop) Event() string   { return "NOOP" }
