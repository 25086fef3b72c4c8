package models

import "time"

// MemoryKind classifies an entry in the agent's long-term memory stream.
// Distinct from MemoryScope/MemoryEntry above, which back the vector-search
// memory manager; MemoryKind backs internal/memory's insertion-ordered
// stream and five-signal ranker.
type MemoryKind string

const (
	MemoryObservation MemoryKind = "observation"
	MemoryReflection  MemoryKind = "reflection"
	MemoryPlan        MemoryKind = "plan"
	MemoryFact        MemoryKind = "fact"
	MemoryPreference  MemoryKind = "preference"
	MemorySpatial     MemoryKind = "spatial"
	MemorySafety      MemoryKind = "safety"
)

// StreamMemory is a single unit of the agent's long-term memory stream.
//
// Invariants (enforced by internal/memory, not by this struct): Importance
// is set once at creation and never mutated; MemoryStrength is monotonically
// non-decreasing; AccessCount is monotonically non-decreasing;
// LastAccessedAt >= CreatedAt.
type StreamMemory struct {
	ID             string     `json:"memory_id"`
	AgentID        string     `json:"agent_id"`
	Description    string     `json:"description"`
	Type           MemoryKind `json:"memory_type"`
	Importance     float64    `json:"importance"`
	AccessCount    int        `json:"access_count"`
	MemoryStrength float64    `json:"memory_strength"`
	Embedding      []float64  `json:"embedding,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
}

// RankedMemory is a StreamMemory scored against a query, with a breakdown
// of the five fused signals that produced FinalScore.
type RankedMemory struct {
	Memory     StreamMemory       `json:"memory"`
	FinalScore float64            `json:"final_score"`
	Signals    map[string]float64 `json:"signals"`
}
