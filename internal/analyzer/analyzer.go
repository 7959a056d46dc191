// Package analyzer provides the LLM-backed operations the substrate degrades
// gracefully without: smart-upsert decisions, tag generation, entity
// extraction, and thread summaries.
package analyzer

import (
	"context"

	"github.com/loomhq/loom/internal/types"
)

// Operation is the outcome of a smart-upsert analysis.
type Operation string

const (
	OpAdd    Operation = "ADD"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpNoop   Operation = "NOOP"
)

// Valid reports whether op is one of the four known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpAdd, OpUpdate, OpDelete, OpNoop:
		return true
	}
	return false
}

// Candidate is an existing memory offered to the analyzer for comparison
// against new content.
type Candidate struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Decision is the analyzer's verdict on how new content relates to the
// candidates.
type Decision struct {
	Operation Operation `json:"operation"`
	TargetID  string    `json:"target_id,omitempty"`
	Reason    string    `json:"reason"`
}

// ExtractedEntity is a named node pulled out of memory content.
type ExtractedEntity struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
}

// ExtractedRelationship is a subject-predicate-object triple over extracted
// entities, referenced by name.
type ExtractedRelationship struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Extraction bundles the entities and relationships found in one piece of
// content.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Analyzer is the language-model surface the memory and mail subsystems
// consume. Every method may fail when the model is unreachable; callers are
// expected to degrade rather than propagate.
type Analyzer interface {
	// AnalyzeOperation decides whether content adds to, updates,
	// contradicts, or duplicates the candidate memories.
	AnalyzeOperation(ctx context.Context, content string, candidates []Candidate) (*Decision, error)

	// GenerateTags proposes short topical tags for content.
	GenerateTags(ctx context.Context, content string) ([]string, error)

	// ExtractEntities pulls named entities and their relationships out of
	// content.
	ExtractEntities(ctx context.Context, content string) (*Extraction, error)

	// SummarizeThread condenses a message thread.
	SummarizeThread(ctx context.Context, subject string, messages []*types.Message) (*types.ThreadSummary, error)
}
