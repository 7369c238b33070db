package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const (
	tracerName = "github.com/kirillkom/hybrid-retrieval/internal/core/usecase"

	vectorFetchMultiplier   = 3
	defaultTopK             = 5
	defaultBatchConcurrency = 4

	branchVector  = "vector"
	branchLexical = "lexical"
)

type HybridSearchOptions struct {
	Settings         domain.RetrievalSettings
	BatchConcurrency int

	// Reranker is optional. Without it reranking requests fall back to RRF.
	Reranker ports.Reranker
	Observer ports.RetrievalObserver
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// HybridSearchUseCase runs scoped vector and lexical retrieval and fuses the branches.
type HybridSearchUseCase struct {
	embedder ports.Embedder
	store    ports.ChunkStore
	lexical  *LexicalQueryBuilder

	settings         domain.RetrievalSettings
	mmrLambda        float64
	batchConcurrency int
	reranker         ports.Reranker
	observer         ports.RetrievalObserver
	logger           *slog.Logger
	tracer           trace.Tracer
}

func NewHybridSearchUseCase(
	embedder ports.Embedder,
	store ports.ChunkStore,
	lexical *LexicalQueryBuilder,
	opts HybridSearchOptions,
) *HybridSearchUseCase {
	settings := opts.Settings
	if settings.TopK <= 0 {
		settings.TopK = defaultTopK
	}
	lambda := DefaultMMRLambda
	if settings.MMRLambda != nil {
		lambda = clampUnit(*settings.MMRLambda)
	}
	settings.MMRLambda = nil

	concurrency := opts.BatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	if lexical == nil {
		lexical = NewLexicalQueryBuilder(nil, nil)
	}
	observer := opts.Observer
	if observer == nil {
		observer = ports.NoopRetrievalObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &HybridSearchUseCase{
		embedder:         embedder,
		store:            store,
		lexical:          lexical,
		settings:         settings,
		mmrLambda:        lambda,
		batchConcurrency: concurrency,
		reranker:         opts.Reranker,
		observer:         observer,
		logger:           logger,
		tracer:           tracer,
	}
}

// Search returns at most TopK chunks for query within scope.
// An empty scope returns an empty result without touching any collaborator.
func (uc *HybridSearchUseCase) Search(
	ctx context.Context,
	query string,
	scope domain.Scope,
	opts ...domain.SearchOption,
) ([]domain.ScoredChunk, error) {
	if scope.IsEmpty() {
		return []domain.ScoredChunk{}, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "hybrid search", errors.New("query is empty"))
	}

	settings := domain.ApplySearchOptions(uc.settings, opts...)
	searchK := settings.SearchK()
	useRerank := settings.RerankEnabled && uc.reranker != nil

	ctx, span := uc.tracer.Start(ctx, "retrieval.search", trace.WithAttributes(
		attribute.Int("retrieval.scope_size", len(scope)),
		attribute.Int("retrieval.top_k", settings.TopK),
		attribute.Int("retrieval.search_k", searchK),
		attribute.Bool("retrieval.rerank", useRerank),
	))
	defer span.End()
	start := time.Now()

	var vectorHits, lexicalHits []domain.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := uc.runBranch(gctx, branchVector, func(ctx context.Context) ([]domain.ScoredChunk, error) {
			return uc.vectorBranch(ctx, query, scope, searchK, uc.mmrLambda)
		})
		vectorHits = hits
		return err
	})
	g.Go(func() error {
		hits, err := uc.runBranch(gctx, branchLexical, func(ctx context.Context) ([]domain.ScoredChunk, error) {
			return uc.lexicalBranch(ctx, query, scope, searchK)
		})
		lexicalHits = hits
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, err
	}

	results, strategy, candidates := uc.fuse(ctx, query, vectorHits, lexicalHits, useRerank)
	results = trimCandidates(results, settings.TopK)
	uc.observer.ObserveFusion(strategy, candidates, len(results))

	span.SetAttributes(
		attribute.String("retrieval.fusion", string(strategy)),
		attribute.Int("retrieval.candidates", candidates),
		attribute.Int("retrieval.results", len(results)),
	)
	uc.logger.DebugContext(ctx, "hybrid_search_completed",
		"query", maskQuery(query),
		"scope_size", len(scope),
		"vector_hits", len(vectorHits),
		"lexical_hits", len(lexicalHits),
		"fusion", string(strategy),
		"results", len(results),
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return results, nil
}

// BatchSearch runs Search per query and concatenates results in query order,
// keeping only the first occurrence of each chunk.
func (uc *HybridSearchUseCase) BatchSearch(
	ctx context.Context,
	queries []string,
	scope domain.Scope,
	opts ...domain.SearchOption,
) ([]domain.ScoredChunk, error) {
	if scope.IsEmpty() || len(queries) == 0 {
		return []domain.ScoredChunk{}, nil
	}

	ctx, span := uc.tracer.Start(ctx, "retrieval.batch_search", trace.WithAttributes(
		attribute.Int("retrieval.queries", len(queries)),
		attribute.Int("retrieval.scope_size", len(scope)),
	))
	defer span.End()

	perQuery := make([][]domain.ScoredChunk, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.batchConcurrency)
	for i, query := range queries {
		g.Go(func() error {
			hits, err := uc.Search(gctx, query, scope, opts...)
			if err != nil {
				return fmt.Errorf("batch query %d: %w", i, err)
			}
			perQuery[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch retrieval failed")
		return nil, err
	}

	out := dedupeFirstOccurrence(perQuery)
	span.SetAttributes(attribute.Int("retrieval.results", len(out)))
	return out, nil
}

func (uc *HybridSearchUseCase) runBranch(
	ctx context.Context,
	branch string,
	fn func(context.Context) ([]domain.ScoredChunk, error),
) ([]domain.ScoredChunk, error) {
	ctx, span := uc.tracer.Start(ctx, "retrieval."+branch+"_branch")
	defer span.End()

	start := time.Now()
	hits, err := fn(ctx)
	uc.observer.ObserveBranch(branch, time.Since(start), len(hits), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, branch+" branch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.hits", len(hits)))
	return hits, nil
}

func (uc *HybridSearchUseCase) vectorBranch(
	ctx context.Context,
	query string,
	scope domain.Scope,
	searchK int,
	lambda float64,
) ([]domain.ScoredChunk, error) {
	queryVector, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUpstream, "embed query", err)
	}

	candidates, err := uc.store.VectorSearch(ctx, queryVector, scope, searchK*vectorFetchMultiplier)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUpstream, "vector search", err)
	}

	selected, err := SelectMMR(candidates, queryVector, searchK, lambda)
	if err != nil {
		return nil, fmt.Errorf("vector branch: %w", err)
	}
	return domain.StripVectors(selected), nil
}

func (uc *HybridSearchUseCase) lexicalBranch(
	ctx context.Context,
	query string,
	scope domain.Scope,
	searchK int,
) ([]domain.ScoredChunk, error) {
	lexicalQuery := uc.lexical.Build(query)
	hits, err := uc.store.LexicalSearch(ctx, lexicalQuery, scope, searchK)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUpstream, "lexical search", err)
	}
	return domain.StripVectors(hits), nil
}

func (uc *HybridSearchUseCase) fuse(
	ctx context.Context,
	query string,
	vectorHits, lexicalHits []domain.ScoredChunk,
	useRerank bool,
) ([]domain.ScoredChunk, domain.FusionStrategy, int) {
	ctx, span := uc.tracer.Start(ctx, "retrieval.fusion")
	defer span.End()

	if !useRerank {
		fused := fuseRRF(vectorHits, lexicalHits)
		return fused, domain.FusionRRF, len(fused)
	}

	union := unionCandidates(vectorHits, lexicalHits)
	reranked, err := fuseReranked(ctx, uc.reranker, query, union)
	if err != nil {
		span.RecordError(err)
		uc.observer.ObserveRerankDegraded(err)
		uc.logger.WarnContext(ctx, "rerank_degraded",
			"candidates", len(union),
			"error", err,
		)
	}
	return reranked, domain.FusionRerank, len(union)
}

func dedupeFirstOccurrence(lists [][]domain.ScoredChunk) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, 0)
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, chunk := range l {
			key := chunkKey(chunk.Chunk)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, chunk)
		}
	}
	return out
}

// maskQuery shortens a query for logs.
func maskQuery(query string) string {
	const maxRunes = 50
	runes := []rune(query)
	if len(runes) <= maxRunes {
		return query
	}
	return fmt.Sprintf("%s... [total: %d chars]", string(runes[:maxRunes]), len(runes))
}
