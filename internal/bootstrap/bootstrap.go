package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/embedcache"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/rerank/httpscorer"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/rerank/overlap"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/textseg"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/textseg/kagome"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

// chunkBackend is a store usable for both search and seeding.
type chunkBackend interface {
	ports.ChunkStore
	ports.ChunkIndexer
	EnsureSchema(ctx context.Context, dimensions int) error
}

type Options struct {
	Logger *slog.Logger
	// Registerer receives engine metrics. Nil disables them.
	Registerer prometheus.Registerer
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Retriever *usecase.HybridSearchUseCase
	Executor  *resilience.Executor
	Embedder  ports.Embedder
	Indexer   ports.ChunkIndexer
	Segmenter ports.Segmenter
	StopWords []string

	closeFns []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	policy := resilience.DefaultConfig()
	policy.Logger = logger
	if opts.Registerer != nil {
		policy.Observer = metrics.NewResilienceMetrics(cfg.ServiceName, opts.Registerer)
	}
	executor := resilience.NewExecutor(policy)
	app.Executor = executor

	store, err := app.openStore(ctx, cfg, executor)
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx, cfg.EmbeddingDimensions); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	var embedder ports.Embedder = ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, ollama.Options{
		ResilienceExecutor: executor,
	}))
	if cfg.EmbedCacheSize > 0 {
		cached, err := embedcache.New(embedder, cfg.EmbedCacheSize)
		if err != nil {
			app.Close()
			return nil, err
		}
		embedder = cached
	}

	segmenter := newSegmenter(logger)
	stopWords, err := textseg.LoadStopWords(cfg.StopWordsPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load stop words: %w", err)
	}
	logger.Info("stop_words_loaded", "count", len(stopWords), "path", cfg.StopWordsPath)

	var observer ports.RetrievalObserver
	if opts.Registerer != nil {
		observer = metrics.NewRetrievalMetrics(cfg.ServiceName, opts.Registerer)
	}

	app.Retriever = usecase.NewHybridSearchUseCase(
		embedder,
		store,
		usecase.NewLexicalQueryBuilder(segmenter, stopWords),
		usecase.HybridSearchOptions{
			Settings: domain.RetrievalSettings{
				TopK:              cfg.RAGTopK,
				RerankEnabled:     cfg.RAGRerankEnabled,
				RerankInitialTopK: cfg.RAGRerankInitialTopK,
				MMRLambda:         &cfg.RAGMMRLambda,
			},
			BatchConcurrency: cfg.RAGBatchConcurrency,
			Reranker:         newReranker(cfg, segmenter, executor),
			Observer:         observer,
			Logger:           logger,
		},
	)
	app.Embedder = embedder
	app.Indexer = store
	app.Segmenter = segmenter
	app.StopWords = stopWords

	logger.Info("retrieval_engine_ready",
		"chunk_store", cfg.ChunkStore,
		"rerank_enabled", cfg.RAGRerankEnabled,
		"rerank_provider", cfg.RerankProvider,
		"top_k", cfg.RAGTopK,
	)
	return app, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, executor *resilience.Executor) (chunkBackend, error) {
	switch cfg.ChunkStore {
	case config.StoreQdrant:
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{ResilienceExecutor: executor}), nil
	default:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closeFns = append(a.closeFns, func() { _ = db.Close() })
		return postgres.NewChunkStore(db), nil
	}
}

// newReranker returns nil when reranking has no provider; the engine then
// falls back to RRF for rerank requests.
func newReranker(cfg config.Config, segmenter ports.Segmenter, executor *resilience.Executor) ports.Reranker {
	switch cfg.RerankProvider {
	case config.RerankProviderOverlap:
		return overlap.New(segmenter)
	case config.RerankProviderHTTP:
		if cfg.RerankURL == "" {
			return nil
		}
		return httpscorer.New(cfg.RerankURL, httpscorer.Options{
			Model:              cfg.RerankModel,
			APIKey:             cfg.RerankAPIKey,
			Timeout:            time.Duration(cfg.RerankTimeoutSeconds) * time.Second,
			ResilienceExecutor: executor,
		})
	default:
		return nil
	}
}

func newSegmenter(logger *slog.Logger) ports.Segmenter {
	seg, err := kagome.New()
	if err != nil {
		logger.Warn("kagome_segmenter_unavailable", "error", err)
		return textseg.WordSegmenter{}
	}
	return seg
}

func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
