package memory

import (
	"math"
	"sort"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// RankWeights are the per-signal weights used to fuse ranking signals.
type RankWeights struct {
	Recency         float64
	Importance      float64
	Relevance       float64
	Frequency       float64
	ContextAffinity float64
}

// DefaultRankWeights are the spec-default fusion weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{
		Recency:         1.0,
		Importance:      1.5,
		Relevance:       2.0,
		Frequency:       0.3,
		ContextAffinity: 1.0,
	}
}

// Ranker scores candidate memories against a query using five signals fused
// by a linear weighted sum, each signal min-max normalized across the
// candidate set before fusion.
type Ranker struct {
	weights RankWeights
}

// NewRanker creates a Ranker with the given weights.
func NewRanker(weights RankWeights) *Ranker {
	return &Ranker{weights: weights}
}

// Rank scores candidates against queryEmbedding (may be nil) and
// recentlyActivated (most-recent-first, may be nil), returning the top_k
// results sorted descending by final score.
func (r *Ranker) Rank(now time.Time, candidates []models.StreamMemory, queryEmbedding []float64, recentlyActivated []models.StreamMemory, topK int) []models.RankedMemory {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	recency := make([]float64, n)
	importance := make([]float64, n)
	relevance := make([]float64, n)
	frequency := make([]float64, n)
	affinity := make([]float64, n)

	maxAccess := 0
	for _, c := range candidates {
		if c.AccessCount > maxAccess {
			maxAccess = c.AccessCount
		}
	}

	for i, c := range candidates {
		recency[i] = recencyScore(now, c)
		importance[i] = clamp(c.Importance, 0, 10) / 10
		relevance[i] = clampSim(cosineSimilarity(queryEmbedding, c.Embedding))
		frequency[i] = frequencyScore(c.AccessCount, maxAccess)
		affinity[i] = contextAffinityScore(c, recentlyActivated)
	}

	recencyN := minMaxNormalize(recency)
	importanceN := minMaxNormalize(importance)
	relevanceN := minMaxNormalize(relevance)
	frequencyN := minMaxNormalize(frequency)
	affinityN := minMaxNormalize(affinity)

	ranked := make([]models.RankedMemory, n)
	for i, c := range candidates {
		final := r.weights.Recency*recencyN[i] +
			r.weights.Importance*importanceN[i] +
			r.weights.Relevance*relevanceN[i] +
			r.weights.Frequency*frequencyN[i] +
			r.weights.ContextAffinity*affinityN[i]
		ranked[i] = models.RankedMemory{
			Memory:     c,
			FinalScore: final,
			Signals: map[string]float64{
				"recency":          recencyN[i],
				"importance":       importanceN[i],
				"relevance":        relevanceN[i],
				"frequency":        frequencyN[i],
				"context_affinity": affinityN[i],
			},
		}
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].FinalScore > ranked[j].FinalScore })
	if topK > 0 && topK < len(ranked) {
		ranked = ranked[:topK]
	}
	return ranked
}

// recencyScore is the forgetting-curve signal: fresh ~= 1, halves every
// 24*memory_strength hours.
func recencyScore(now time.Time, mem models.StreamMemory) float64 {
	deltaHours := now.Sub(mem.LastAccessedAt).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	strength := mem.MemoryStrength
	if strength <= 0 {
		strength = 1
	}
	return math.Exp(-math.Ln2 * deltaHours / (24 * strength))
}

// frequencyScore is the log-scaled access-count signal.
func frequencyScore(n, maxN int) float64 {
	if n <= 0 {
		return 0
	}
	denom := math.Log(1 + float64(max(maxN, 1)))
	if denom == 0 {
		return 0
	}
	return math.Log(1+float64(n)) / denom
}

// contextAffinityScore is the spreading-activation signal: weighted cosine
// similarity to each recently-activated memory, weight 0.5^i, normalized by
// the sum of weights actually used.
func contextAffinityScore(mem models.StreamMemory, recentlyActivated []models.StreamMemory) float64 {
	if len(recentlyActivated) == 0 || mem.Embedding == nil {
		return 0
	}
	var weightedSum, weightSum float64
	for i, act := range recentlyActivated {
		if act.ID == mem.ID || act.Embedding == nil {
			continue
		}
		w := math.Pow(0.5, float64(i))
		weightedSum += w * cosineSimilarity(mem.Embedding, act.Embedding)
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return weightedSum / weightSum
}

func cosineSimilarity(a, b []float64) float64 {
	if a == nil || b == nil || len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clampSim(v float64) float64 { return clamp(v, -1, 1) }



// minMaxNormalize scales values to [0,1]; an all-equal input (min == max)
// normalizes to all zeros.
func minMaxNormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
