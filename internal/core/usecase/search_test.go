package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type searchEmbedderFake struct {
	calls  atomic.Int32
	vector []float32
	err    error
}

func (f *searchEmbedderFake) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (f *searchEmbedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type searchStoreFake struct {
	mu           sync.Mutex
	vectorCalls  int
	lexicalCalls int
	vectorLimit  int
	lexicalLimit int
	lexicalQuery string
	scope        []string
	vectorHits   []domain.ScoredChunk
	lexicalHits  map[string][]domain.ScoredChunk
	lexicalDef   []domain.ScoredChunk
	vectorErr    error
	lexicalErr   error
}

func (f *searchStoreFake) VectorSearch(_ context.Context, _ []float32, ids []string, limit int) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectorCalls++
	f.vectorLimit = limit
	f.scope = ids
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vectorHits, nil
}

func (f *searchStoreFake) LexicalSearch(_ context.Context, query string, _ []string, limit int) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lexicalCalls++
	f.lexicalLimit = limit
	f.lexicalQuery = query
	if f.lexicalErr != nil {
		return nil, f.lexicalErr
	}
	if hits, ok := f.lexicalHits[query]; ok {
		return hits, nil
	}
	return f.lexicalDef, nil
}

type observerFake struct {
	mu       sync.Mutex
	branches map[string]int
	fusions  []domain.FusionStrategy
	degraded int
}

func (o *observerFake) ObserveBranch(branch string, _ time.Duration, _ int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.branches == nil {
		o.branches = map[string]int{}
	}
	o.branches[branch]++
}

func (o *observerFake) ObserveFusion(strategy domain.FusionStrategy, _, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fusions = append(o.fusions, strategy)
}

func (o *observerFake) ObserveRerankDegraded(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded++
}

func lambdaOf(v float64) *float64 { return &v }

func defaultSettings() domain.RetrievalSettings {
	return domain.RetrievalSettings{TopK: 2, RerankInitialTopK: 4}
}

func TestSearchEmptyScopeMakesNoCalls(t *testing.T) {
	embedder := &searchEmbedderFake{vector: []float32{1, 0}}
	store := &searchStoreFake{}
	reranker := &rerankerFake{}
	uc := NewHybridSearchUseCase(embedder, store, nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2, RerankEnabled: true, RerankInitialTopK: 4},
		Reranker: reranker,
	})

	got, err := uc.Search(context.Background(), "question", domain.NewScope(nil))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", got)
	}
	if embedder.calls.Load() != 0 || store.vectorCalls != 0 || store.lexicalCalls != 0 || reranker.calls != 0 {
		t.Fatalf("expected zero collaborator calls, got embed=%d vector=%d lexical=%d rerank=%d",
			embedder.calls.Load(), store.vectorCalls, store.lexicalCalls, reranker.calls)
	}
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	uc := NewHybridSearchUseCase(&searchEmbedderFake{}, &searchStoreFake{}, nil, HybridSearchOptions{Settings: defaultSettings()})

	_, err := uc.Search(context.Background(), "   ", domain.NewScope([]string{"doc-1"}))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSearchRRFScenarioStripsVectors(t *testing.T) {
	store := &searchStoreFake{
		vectorHits: []domain.ScoredChunk{vecChunk("C1", 1, 0), vecChunk("C2", 0.9, 0.1)},
		lexicalDef: []domain.ScoredChunk{scored("C3", 2), scored("C1", 1)},
	}
	observer := &observerFake{}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2, MMRLambda: lambdaOf(1.0)},
		Observer: observer,
	})

	got, err := uc.Search(context.Background(), "question", domain.NewScope([]string{"doc-1"}))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if ids := selectedIDs(got); len(ids) != 2 || ids[0] != "C1" || ids[1] != "C3" {
		t.Fatalf("expected [C1 C3], got %v", ids)
	}
	for _, c := range got {
		if c.Vector != nil {
			t.Fatalf("expected vectors stripped, chunk %s still has one", c.ID)
		}
	}
	if store.vectorLimit != 6 {
		t.Fatalf("expected fetchK=6 (topK*3), got %d", store.vectorLimit)
	}
	if store.lexicalLimit != 2 {
		t.Fatalf("expected lexical limit=topK, got %d", store.lexicalLimit)
	}
	if observer.branches[branchVector] != 1 || observer.branches[branchLexical] != 1 {
		t.Fatalf("expected both branches observed, got %v", observer.branches)
	}
	if len(observer.fusions) != 1 || observer.fusions[0] != domain.FusionRRF {
		t.Fatalf("expected rrf fusion observed, got %v", observer.fusions)
	}
}

func TestSearchRerankUsesInitialTopK(t *testing.T) {
	store := &searchStoreFake{
		vectorHits: []domain.ScoredChunk{vecChunk("v1", 1, 0), vecChunk("v2", 0, 1)},
		lexicalDef: []domain.ScoredChunk{scored("l1", 1), scored("v1", 1)},
	}
	reranker := &rerankerFake{scores: []float64{0.1, 0.2, 0.9}}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2, RerankEnabled: true, RerankInitialTopK: 4},
		Reranker: reranker,
	})

	got, err := uc.Search(context.Background(), "question", domain.NewScope([]string{"doc-1"}))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if store.vectorLimit != 12 || store.lexicalLimit != 4 {
		t.Fatalf("expected limits 12/4 from initial top k, got %d/%d", store.vectorLimit, store.lexicalLimit)
	}
	if reranker.calls != 1 || len(reranker.texts) != 3 {
		t.Fatalf("expected one rerank call over 3 union candidates, got calls=%d texts=%d", reranker.calls, len(reranker.texts))
	}
	if ids := selectedIDs(got); len(ids) != 2 || ids[0] != "l1" || ids[1] != "v2" {
		t.Fatalf("expected reranked [l1 v2], got %v", ids)
	}
}

func TestSearchRerankFailureDegrades(t *testing.T) {
	store := &searchStoreFake{
		vectorHits: []domain.ScoredChunk{vecChunk("v1", 1, 0)},
		lexicalDef: []domain.ScoredChunk{scored("l1", 1), scored("l2", 1)},
	}
	observer := &observerFake{}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 5, RerankEnabled: true, RerankInitialTopK: 3},
		Reranker: &rerankerFake{err: errors.New("timeout")},
		Observer: observer,
	})

	got, err := uc.Search(context.Background(), "question", domain.NewScope([]string{"doc-1"}))
	if err != nil {
		t.Fatalf("expected degradation instead of error, got %v", err)
	}
	if ids := selectedIDs(got); len(ids) != 3 || ids[0] != "v1" || ids[1] != "l1" || ids[2] != "l2" {
		t.Fatalf("expected union order, got %v", ids)
	}
	if observer.degraded != 1 {
		t.Fatalf("expected degradation observed once, got %d", observer.degraded)
	}
}

func TestSearchRerankFailureTruncatesUnionToTopK(t *testing.T) {
	store := &searchStoreFake{
		vectorHits: []domain.ScoredChunk{vecChunk("v1", 1, 0)},
		lexicalDef: []domain.ScoredChunk{scored("l1", 1), scored("l2", 1)},
	}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2, RerankEnabled: true, RerankInitialTopK: 3},
		Reranker: &rerankerFake{err: errors.New("timeout")},
	})

	got, err := uc.Search(context.Background(), "question", domain.NewScope([]string{"doc-1"}))
	if err != nil {
		t.Fatalf("expected degradation instead of error, got %v", err)
	}
	if ids := selectedIDs(got); len(ids) != 2 || ids[0] != "v1" || ids[1] != "l1" {
		t.Fatalf("expected [v1 l1], got %v", ids)
	}
	for _, chunk := range got {
		if chunk.Score != 0 {
			t.Fatalf("expected zero scores after degradation, got %v", chunk.Score)
		}
	}
}

func TestSearchUsesDefaultMMRLambdaWhenUnset(t *testing.T) {
	newStore := func() *searchStoreFake {
		return &searchStoreFake{vectorHits: []domain.ScoredChunk{
			vecChunk("a", 1, 0.08),
			vecChunk("c", 0.6, 0.8),
			vecChunk("b", 1, -0.1),
		}}
	}
	embedder := &searchEmbedderFake{vector: []float32{1, 0}}
	scope := domain.NewScope([]string{"doc-1"})

	unset := NewHybridSearchUseCase(embedder, newStore(), nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2},
	})
	got, err := unset.Search(context.Background(), "question", scope)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if ids := selectedIDs(got); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected balanced pick [a b], got %v", ids)
	}

	diverse := NewHybridSearchUseCase(embedder, newStore(), nil, HybridSearchOptions{
		Settings: domain.RetrievalSettings{TopK: 2, MMRLambda: lambdaOf(0)},
	})
	got, err = diverse.Search(context.Background(), "question", scope)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if ids := selectedIDs(got); len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("expected explicit zero lambda to pick [a c], got %v", ids)
	}
}

func TestSearchRerankWithoutRerankerFallsBackToRRF(t *testing.T) {
	store := &searchStoreFake{vectorHits: []domain.ScoredChunk{vecChunk("v1", 1, 0)}}
	observer := &observerFake{}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: defaultSettings(),
		Observer: observer,
	})

	_, err := uc.Search(context.Background(), "q", domain.NewScope([]string{"doc-1"}), domain.WithRerank(true, 10))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if observer.fusions[0] != domain.FusionRRF {
		t.Fatalf("expected rrf fallback, got %s", observer.fusions[0])
	}
	if store.lexicalLimit != 10 {
		t.Fatalf("expected option initial top k to drive search k, got %d", store.lexicalLimit)
	}
}

func TestSearchBranchFailureSurfacesAsUpstream(t *testing.T) {
	store := &searchStoreFake{lexicalErr: errors.New("db down")}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{Settings: defaultSettings()})

	_, err := uc.Search(context.Background(), "q", domain.NewScope([]string{"doc-1"}))
	if !domain.IsKind(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestSearchEmbedFailureFailsCall(t *testing.T) {
	uc := NewHybridSearchUseCase(&searchEmbedderFake{err: errors.New("embed fail")}, &searchStoreFake{}, nil, HybridSearchOptions{Settings: defaultSettings()})

	_, err := uc.Search(context.Background(), "q", domain.NewScope([]string{"doc-1"}))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSearchWithTopKOverride(t *testing.T) {
	store := &searchStoreFake{
		lexicalDef: []domain.ScoredChunk{scored("a", 3), scored("b", 2), scored("c", 1)},
	}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{Settings: defaultSettings()})

	got, err := uc.Search(context.Background(), "q", domain.NewScope([]string{"doc-1"}), domain.WithTopK(1))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
}

func TestSearchRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	store := &searchStoreFake{vectorHits: []domain.ScoredChunk{vecChunk("v1", 1, 0)}}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings: defaultSettings(),
		Tracer:   provider.Tracer("test"),
	})

	if _, err := uc.Search(context.Background(), "q", domain.NewScope([]string{"doc-1"})); err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"retrieval.search", "retrieval.vector_branch", "retrieval.lexical_branch", "retrieval.fusion"} {
		if !names[want] {
			t.Fatalf("expected span %s, got %v", want, names)
		}
	}
}

func TestBatchSearchDeduplicatesKeepingFirstOccurrence(t *testing.T) {
	store := &searchStoreFake{
		lexicalHits: map[string][]domain.ScoredChunk{
			"alpha": {scored("X", 1), scored("A", 1)},
			"beta":  {scored("B", 1), scored("X", 1)},
		},
	}
	uc := NewHybridSearchUseCase(&searchEmbedderFake{vector: []float32{1, 0}}, store, nil, HybridSearchOptions{
		Settings:         domain.RetrievalSettings{TopK: 5},
		BatchConcurrency: 2,
	})

	got, err := uc.BatchSearch(context.Background(), []string{"alpha", "beta"}, domain.NewScope([]string{"doc-1"}))
	if err != nil {
		t.Fatalf("BatchSearch() error = %v", err)
	}
	ids := selectedIDs(got)
	if len(ids) != 3 || ids[0] != "X" || ids[1] != "A" || ids[2] != "B" {
		t.Fatalf("expected [X A B], got %v", ids)
	}
}

func TestBatchSearchEmptyInputsMakeNoCalls(t *testing.T) {
	embedder := &searchEmbedderFake{vector: []float32{1, 0}}
	store := &searchStoreFake{}
	uc := NewHybridSearchUseCase(embedder, store, nil, HybridSearchOptions{Settings: defaultSettings()})

	got, err := uc.BatchSearch(context.Background(), nil, domain.NewScope([]string{"doc-1"}))
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result for no queries, got %v / %v", got, err)
	}
	got, err = uc.BatchSearch(context.Background(), []string{"q"}, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result for empty scope, got %v / %v", got, err)
	}
	if embedder.calls.Load() != 0 || store.vectorCalls != 0 || store.lexicalCalls != 0 {
		t.Fatalf("expected zero collaborator calls")
	}
}

func TestBatchSearchFailsWhenAnyQueryFails(t *testing.T) {
	uc := NewHybridSearchUseCase(&searchEmbedderFake{err: errors.New("down")}, &searchStoreFake{}, nil, HybridSearchOptions{Settings: defaultSettings()})

	_, err := uc.BatchSearch(context.Background(), []string{"a", "b"}, domain.NewScope([]string{"doc-1"}))
	if !domain.IsKind(err, domain.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestMaskQueryTruncatesLongInput(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "я"
	}
	if got := maskQuery(long); got == long {
		t.Fatalf("expected masked query")
	}
	if got := maskQuery("short"); got != "short" {
		t.Fatalf("expected short query unchanged, got %q", got)
	}
}
