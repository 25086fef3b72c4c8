// Package memstream exposes the agent's episodic memory stream (internal/memory)
// as tool-call surface: memory_write, memory_search, memory_get.
package memstream

import (
	"sync"

	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/memory/embeddings"
)

// Registry holds one memory Stream per agent, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	byAgent  map[string]*memory.Stream
	embedder embeddings.Provider
	ranker   *memory.Ranker
}

// NewRegistry creates a registry. embedder may be nil (relevance signal
// degrades to 0 for every candidate in that case).
func NewRegistry(embedder embeddings.Provider) *Registry {
	return &Registry{
		byAgent:  make(map[string]*memory.Stream),
		embedder: embedder,
		ranker:   memory.NewRanker(memory.DefaultRankWeights()),
	}
}

// StreamFor returns (creating if needed) the memory stream for an agent.
func (r *Registry) StreamFor(agentID string) *memory.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAgent[agentID]
	if !ok {
		s = memory.NewStream(r.embedder)
		r.byAgent[agentID] = s
	}
	return s
}
