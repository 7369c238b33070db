package ports

import (
	"context"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// HybridRetriever is the inbound contract for scoped hybrid retrieval.
type HybridRetriever interface {
	Search(ctx context.Context, query string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error)
	BatchSearch(ctx context.Context, queries []string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error)
}
