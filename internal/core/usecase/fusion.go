package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// RRFK is the reciprocal rank fusion damping constant.
const RRFK = 60

// fuseRRF scores each chunk by the sum of 1/(RRFK+rank+1) over the branches
// that returned it. Equal scores keep insertion order, vector branch first.
func fuseRRF(vector, lexical []domain.ScoredChunk) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, 0, len(vector)+len(lexical))
	positions := make(map[string]int, len(vector)+len(lexical))

	addList := func(chunks []domain.ScoredChunk) {
		for rank, chunk := range chunks {
			contribution := 1.0 / float64(RRFK+rank+1)
			key := chunkKey(chunk.Chunk)
			if pos, ok := positions[key]; ok {
				out[pos].Chunk = preferRicherChunk(out[pos].Chunk, chunk.Chunk)
				out[pos].Score += contribution
				continue
			}
			positions[key] = len(out)
			out = append(out, domain.ScoredChunk{Chunk: chunk.Chunk, Score: contribution})
		}
	}
	addList(vector)
	addList(lexical)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// unionCandidates merges lists by chunk key, keeping the first occurrence.
func unionCandidates(lists ...[]domain.ScoredChunk) []domain.ScoredChunk {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([]domain.ScoredChunk, 0, total)
	positions := make(map[string]int, total)
	for _, l := range lists {
		for _, chunk := range l {
			key := chunkKey(chunk.Chunk)
			if pos, ok := positions[key]; ok {
				out[pos].Chunk = preferRicherChunk(out[pos].Chunk, chunk.Chunk)
				continue
			}
			positions[key] = len(out)
			out = append(out, chunk)
		}
	}
	return out
}

// fuseReranked scores the union with one reranker call. A failed call is not
// propagated: every candidate scores 0 and the union order passes through.
// The returned error reports the degradation for logging.
func fuseReranked(
	ctx context.Context,
	reranker ports.Reranker,
	query string,
	union []domain.ScoredChunk,
) ([]domain.ScoredChunk, error) {
	out := make([]domain.ScoredChunk, len(union))
	if len(union) == 0 {
		return out, nil
	}

	texts := make([]string, len(union))
	for i, c := range union {
		texts[i] = c.Content
	}

	scores, err := reranker.ScoreAll(ctx, query, texts)
	if err != nil {
		scores = nil
		err = fmt.Errorf("rerank score all: %w", err)
	}

	for i, c := range union {
		c.Score = 0
		if i < len(scores) && !math.IsNaN(scores[i]) {
			c.Score = scores[i]
		}
		out[i] = c
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, err
}

func trimCandidates(chunks []domain.ScoredChunk, limit int) []domain.ScoredChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}

func chunkKey(chunk domain.Chunk) string {
	if chunk.ID != "" {
		return chunk.ID
	}
	return fmt.Sprintf("%s:%d", chunk.DocumentID, chunk.ChunkIndex)
}

// preferRicherChunk keeps current and fills only its blank fields from candidate.
func preferRicherChunk(current, candidate domain.Chunk) domain.Chunk {
	if current.Content == "" && candidate.Content != "" {
		current.Content = candidate.Content
	}
	if current.SourceMeta == "" && candidate.SourceMeta != "" {
		current.SourceMeta = candidate.SourceMeta
	}
	if current.Keywords == "" && candidate.Keywords != "" {
		current.Keywords = candidate.Keywords
	}
	if current.DocumentID == "" && candidate.DocumentID != "" {
		current.DocumentID = candidate.DocumentID
	}
	return current
}
