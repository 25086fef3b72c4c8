// Package behavior selects and runs a response "behavior" for free-text
// input, falling back to an LLM-driven (or rule-based) catch-all when no
// registered behavior is confident enough to handle the utterance.
package behavior

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultThreshold is the minimum confidence a non-fallback behavior must
// report before it is allowed to execute.
const DefaultThreshold = 0.5

// Behavior is one candidate response strategy.
type Behavior interface {
	// Name identifies the behavior for ProcessResult.BehaviorName.
	Name() string
	// CanHandle returns a confidence in [0, 1] that this behavior should
	// handle utterance.
	CanHandle(utterance string) float64
	// Execute runs the behavior, producing the chat response and any
	// commands to forward to the bridge/broadcaster.
	Execute(ctx context.Context, utterance string) (models.BehaviorResult, models.ProcessMode, error)
}

// Matcher holds the registered behaviors plus a mandatory fallback,
// consulted when nothing else clears the confidence threshold.
type Matcher struct {
	mu        sync.RWMutex
	behaviors []Behavior
	fallback  Behavior
	threshold float64
}

// NewMatcher creates a Matcher. fallback must not be nil — spec requires
// the fallback to always be available as a catch-all.
func NewMatcher(fallback Behavior, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{fallback: fallback, threshold: threshold}
}

// Register adds a behavior to the candidate pool.
func (m *Matcher) Register(b Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors = append(m.behaviors, b)
}

// candidateScore pairs a behavior with its confidence, for picking the
// highest-confidence match deterministically (ties broken by registration
// order).
type candidateScore struct {
	behavior   Behavior
	confidence float64
}

// Match evaluates every registered behavior's CanHandle against utterance
// and returns the best match. If no registered behavior reaches threshold,
// the fallback behavior is returned regardless of its own (small) reported
// confidence — it is always the accepted catch-all.
func (m *Matcher) Match(utterance string) (Behavior, float64) {
	m.mu.RLock()
	behaviors := make([]Behavior, len(m.behaviors))
	copy(behaviors, m.behaviors)
	m.mu.RUnlock()

	scores := make([]candidateScore, 0, len(behaviors))
	for _, b := range behaviors {
		scores = append(scores, candidateScore{behavior: b, confidence: b.CanHandle(utterance)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].confidence > scores[j].confidence })

	if len(scores) > 0 && scores[0].confidence >= m.threshold {
		return scores[0].behavior, scores[0].confidence
	}
	return m.fallback, m.fallback.CanHandle(utterance)
}
