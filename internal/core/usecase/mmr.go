package usecase

import (
	"fmt"
	"math"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const DefaultMMRLambda = 0.5

// SelectMMR greedily picks up to k candidates balancing query relevance
// against similarity to already selected chunks. Selected chunks carry their
// cosine relevance as score and are returned in selection order.
func SelectMMR(candidates []domain.ScoredChunk, queryVector []float32, k int, lambda float64) ([]domain.ScoredChunk, error) {
	if k <= 0 || len(candidates) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := checkDimensions(candidates, queryVector); err != nil {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "mmr select", err)
	}
	lambda = clampUnit(lambda)

	n := len(candidates)
	if k > n {
		k = n
	}

	relevance := make([]float64, n)
	for i, c := range candidates {
		relevance[i] = cosineSimilarity(queryVector, c.Vector)
	}

	// redundancy[i] is the running max similarity of candidate i to the selected set.
	redundancy := make([]float64, n)
	taken := make([]bool, n)
	selected := make([]domain.ScoredChunk, 0, k)

	for len(selected) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if taken[i] {
				continue
			}
			score := lambda*relevance[i] - (1-lambda)*redundancy[i]
			if best < 0 || score > bestScore {
				best = i
				bestScore = score
			}
		}

		taken[best] = true
		chunk := candidates[best]
		chunk.Score = relevance[best]
		selected = append(selected, chunk)

		for i := range candidates {
			if taken[i] {
				continue
			}
			// Similarities may be negative, so the first selection sets the baseline.
			if sim := cosineSimilarity(candidates[i].Vector, chunk.Vector); len(selected) == 1 || sim > redundancy[i] {
				redundancy[i] = sim
			}
		}
	}
	return selected, nil
}

func checkDimensions(candidates []domain.ScoredChunk, queryVector []float32) error {
	if len(queryVector) == 0 {
		return fmt.Errorf("query vector is empty")
	}
	for _, c := range candidates {
		if len(c.Vector) != len(queryVector) {
			return fmt.Errorf("chunk %s has %d dimensions, query has %d", c.ID, len(c.Vector), len(queryVector))
		}
	}
	return nil
}

// cosineSimilarity returns 0 when either vector has zero norm.
// Callers must pass vectors of equal length.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("cosine similarity: length mismatch %d != %d", len(a), len(b)))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultMMRLambda
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
