package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/errs"
	"github.com/haasonsaas/nexus/internal/memory/embeddings"
	"github.com/haasonsaas/nexus/pkg/models"
)

const recentlyActivatedCap = 20

// Stream holds all memories for one agent in insertion order and tracks a
// small sliding window of recently-activated memories for spreading
// activation (the context-affinity ranking signal).
type Stream struct {
	mu       sync.RWMutex
	embedder embeddings.Provider

	order   []string // memory_id, insertion order
	byID    map[string]*models.StreamMemory
	recent  []string // recently_activated, most-recent-first, capped
}

// NewStream creates an empty memory stream for one agent. embedder may be
// nil; when set, CreateMemory populates Embedding automatically.
func NewStream(embedder embeddings.Provider) *Stream {
	return &Stream{
		embedder: embedder,
		byID:     make(map[string]*models.StreamMemory),
	}
}

// CreateMemory appends a new memory and returns it. Ids are generated and
// unique; memory_strength starts at 1.
func (s *Stream) CreateMemory(ctx context.Context, agentID, description string, kind models.MemoryKind, importance float64, tags []string) (*models.StreamMemory, error) {
	now := time.Now()
	mem := &models.StreamMemory{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Description:    description,
		Type:           kind,
		Importance:     clamp(importance, 0, 10),
		AccessCount:    0,
		MemoryStrength: 1,
		Tags:           tags,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if s.embedder != nil && description != "" {
		vec, err := s.embedder.Embed(ctx, description)
		if err == nil {
			mem.Embedding = toFloat64(vec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[mem.ID] = mem
	s.order = append(s.order, mem.ID)
	return mem, nil
}

// Retrieve returns the memory, incrementing access_count, bumping
// memory_strength by a spaced-repetition boost proportional to the gap
// since last access, updating last_accessed_at, and promoting the memory to
// the head of the recently_activated deque.
func (s *Stream) Retrieve(memoryID string) (*models.StreamMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, ok := s.byID[memoryID]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("unknown memory id: %s", memoryID))
	}

	now := time.Now()
	hoursSince := now.Sub(mem.LastAccessedAt).Hours()
	if hoursSince < 0 {
		hoursSince = 0
	}
	const boostConstant = 0.5
	mem.MemoryStrength += boostConstant * math.Log(1+hoursSince)
	mem.AccessCount++
	mem.LastAccessedAt = now

	s.promoteRecentlyActivated(memoryID)

	cp := *mem
	return &cp, nil
}

func (s *Stream) promoteRecentlyActivated(memoryID string) {
	for i, id := range s.recent {
		if id == memoryID {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	s.recent = append([]string{memoryID}, s.recent...)
	if len(s.recent) > recentlyActivatedCap {
		s.recent = s.recent[:recentlyActivatedCap]
	}
}

// Get returns a copy of the memory without mutating access_count,
// memory_strength, or the recently_activated deque. Use Retrieve for reads
// that should strengthen the memory.
func (s *Stream) Get(memoryID string) (*models.StreamMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem, ok := s.byID[memoryID]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("unknown memory id: %s", memoryID))
	}
	cp := *mem
	return &cp, nil
}

// EmbedQuery embeds free text using the stream's configured embedder,
// returning nil if no embedder is configured or embedding fails.
func (s *Stream) EmbedQuery(ctx context.Context, text string) []float64 {
	if s.embedder == nil || text == "" {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil
	}
	return toFloat64(vec)
}

// RecentlyActivated returns the current deque, most-recent-first.
func (s *Stream) RecentlyActivated() []models.StreamMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StreamMemory, 0, len(s.recent))
	for _, id := range s.recent {
		if mem, ok := s.byID[id]; ok {
			out = append(out, *mem)
		}
	}
	return out
}

// GetAll returns every memory in insertion order.
func (s *Stream) GetAll() []models.StreamMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StreamMemory, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// FilterByType returns memories of the given kind, insertion order.
func (s *Stream) FilterByType(kind models.MemoryKind) []models.StreamMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StreamMemory
	for _, id := range s.order {
		if mem := s.byID[id]; mem.Type == kind {
			out = append(out, *mem)
		}
	}
	return out
}

// FilterByTag returns memories carrying the given tag, insertion order.
func (s *Stream) FilterByTag(tag string) []models.StreamMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StreamMemory
	for _, id := range s.order {
		mem := s.byID[id]
		for _, t := range mem.Tags {
			if t == tag {
				out = append(out, *mem)
				break
			}
		}
	}
	return out
}

// Stats summarizes the stream's current contents.
type StreamStats struct {
	Total       int
	ByType      map[models.MemoryKind]int
	AvgStrength float64
}

// Stats computes aggregate statistics over the stream.
func (s *Stream) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StreamStats{ByType: make(map[models.MemoryKind]int)}
	var strengthSum float64
	for _, id := range s.order {
		mem := s.byID[id]
		stats.Total++
		stats.ByType[mem.Type]++
		strengthSum += mem.MemoryStrength
	}
	if stats.Total > 0 {
		stats.AvgStrength = strengthSum / float64(stats.Total)
	}
	return stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloat64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
