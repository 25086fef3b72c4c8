package memory

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{1, 0, 0}
	if sim := cosineSimilarity(a, b); sim != 1 {
		t.Errorf("cosineSimilarity(identical) = %v, want 1", sim)
	}
	orth := []float64{0, 1, 0}
	if sim := cosineSimilarity(a, orth); sim != 0 {
		t.Errorf("cosineSimilarity(orthogonal) = %v, want 0", sim)
	}
	if sim := cosineSimilarity(nil, b); sim != 0 {
		t.Errorf("cosineSimilarity(nil, b) = %v, want 0", sim)
	}
}

func TestMinMaxNormalize_AllEqual(t *testing.T) {
	got := minMaxNormalize([]float64{5, 5, 5})
	for _, v := range got {
		if v != 0 {
			t.Errorf("expected all-zero normalization when min==max, got %v", got)
		}
	}
}

func TestMinMaxNormalize_Spread(t *testing.T) {
	got := minMaxNormalize([]float64{0, 5, 10})
	want := []float64{0, 0.5, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("minMaxNormalize[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRecencyScore_FreshApproxOne(t *testing.T) {
	now := time.Now()
	mem := models.StreamMemory{LastAccessedAt: now, MemoryStrength: 1}
	score := recencyScore(now, mem)
	if score < 0.99 {
		t.Errorf("fresh recency score = %v, want ~1", score)
	}
}

func TestRecencyScore_HalvesAt24HoursTimesStrength(t *testing.T) {
	now := time.Now()
	mem := models.StreamMemory{LastAccessedAt: now.Add(-24 * time.Hour), MemoryStrength: 1}
	score := recencyScore(now, mem)
	if score < 0.49 || score > 0.51 {
		t.Errorf("recency score at Δh=24·S = %v, want ~0.5", score)
	}
}

func TestFrequencyScore_Bounds(t *testing.T) {
	if got := frequencyScore(0, 10); got != 0 {
		t.Errorf("frequencyScore(0, 10) = %v, want 0", got)
	}
	if got := frequencyScore(10, 10); got < 0.99 {
		t.Errorf("frequencyScore(n==N) = %v, want ~1", got)
	}
}

func TestRanker_Rank_OrdersByFinalScoreAndRespectsTopK(t *testing.T) {
	now := time.Now()
	candidates := []models.StreamMemory{
		{ID: "low", Importance: 1, LastAccessedAt: now.Add(-1000 * time.Hour), MemoryStrength: 1, AccessCount: 0},
		{ID: "high", Importance: 10, LastAccessedAt: now, MemoryStrength: 1, AccessCount: 10},
		{ID: "mid", Importance: 5, LastAccessedAt: now.Add(-10 * time.Hour), MemoryStrength: 1, AccessCount: 3},
	}

	ranker := NewRanker(DefaultRankWeights())
	ranked := ranker.Rank(now, candidates, nil, nil, 2)

	if len(ranked) != 2 {
		t.Fatalf("ranked length = %d, want 2 (top_k)", len(ranked))
	}
	if ranked[0].Memory.ID != "high" {
		t.Errorf("expected 'high' to rank first, got %s", ranked[0].Memory.ID)
	}
	if ranked[0].FinalScore < ranked[1].FinalScore {
		t.Error("expected descending final score order")
	}
}

func TestRanker_ContextAffinity_ExcludesSelf(t *testing.T) {
	mem := models.StreamMemory{ID: "self", Embedding: []float64{1, 0}}
	recentlyActivated := []models.StreamMemory{mem}
	score := contextAffinityScore(mem, recentlyActivated)
	if score != 0 {
		t.Errorf("contextAffinityScore with only self in recently_activated = %v, want 0", score)
	}
}

func TestRanker_ContextAffinity_WeightsDecay(t *testing.T) {
	target := models.StreamMemory{ID: "target", Embedding: []float64{1, 0}}
	near := models.StreamMemory{ID: "near", Embedding: []float64{1, 0}}
	far := models.StreamMemory{ID: "far", Embedding: []float64{1, 0}}

	scoreNearFirst := contextAffinityScore(target, []models.StreamMemory{near, far})
	if scoreNearFirst < 0.99 {
		t.Errorf("expected ~1 when all cosine similarities are 1 regardless of position, got %v", scoreNearFirst)
	}
}
