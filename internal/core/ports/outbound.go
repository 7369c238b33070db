package ports

import (
	"context"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore performs scoped vector and lexical search.
// Both methods return an empty slice, not an error, when nothing matches.
type ChunkStore interface {
	// VectorSearch returns nearest chunks by similarity, with their vectors populated.
	VectorSearch(ctx context.Context, vector []float32, documentIDs []string, limit int) ([]domain.ScoredChunk, error)
	// LexicalSearch runs a disjunctive full-text query ranked by term relevance.
	LexicalSearch(ctx context.Context, query string, documentIDs []string, limit int) ([]domain.ScoredChunk, error)
}

// ChunkIndexer writes chunks into a store.
type ChunkIndexer interface {
	IndexChunks(ctx context.Context, chunks []domain.Chunk) error
}

// Reranker scores query/passage pairs. Scores are aligned with texts by index.
type Reranker interface {
	ScoreAll(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Segmenter splits text into word-like tokens.
type Segmenter interface {
	Segment(text string) []string
}

// RetrievalObserver receives engine-level signals.
type RetrievalObserver interface {
	ObserveBranch(branch string, duration time.Duration, results int, err error)
	ObserveFusion(strategy domain.FusionStrategy, candidates, results int)
	ObserveRerankDegraded(err error)
}

type NoopRetrievalObserver struct{}

func (NoopRetrievalObserver) ObserveBranch(string, time.Duration, int, error) {}
func (NoopRetrievalObserver) ObserveFusion(domain.FusionStrategy, int, int)   {}
func (NoopRetrievalObserver) ObserveRerankDegraded(error)                     {}
