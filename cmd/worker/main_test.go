package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/hybrid-retrieval/internal/adapters/contract"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

type retrieverStub struct {
	results []domain.ScoredChunk
	err     error
}

func (s retrieverStub) Search(context.Context, string, domain.Scope, ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	return s.results, s.err
}

func (s retrieverStub) BatchSearch(context.Context, []string, domain.Scope, ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	return s.results, s.err
}

func TestRequestMode(t *testing.T) {
	if got := requestMode([]byte(`{"queries":["a","b"],"document_ids":["d1"]}`)); got != contract.ModeBatch {
		t.Fatalf("expected batch mode, got %q", got)
	}
	if got := requestMode([]byte(`{"query":"a","document_ids":["d1"]}`)); got != contract.ModeSingle {
		t.Fatalf("expected single mode, got %q", got)
	}
	if got := requestMode([]byte(`not json`)); got != contract.ModeSingle {
		t.Fatalf("expected single mode for garbage, got %q", got)
	}
}

func TestInstrumentedHandlerRepliesAndRecords(t *testing.T) {
	workerMetrics := metrics.NewWorkerMetrics("worker")
	retriever := retrieverStub{results: []domain.ScoredChunk{
		{Chunk: domain.Chunk{ID: "c1", DocumentID: "d1", Content: "alpha"}, Score: 0.5},
	}}
	handler := instrumentedHandler("worker", retriever, workerMetrics)

	reply, err := handler(context.Background(), []byte(`{"query":"alpha","document_ids":["d1"]}`))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	var resp contract.SearchResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Fatalf("unexpected reply: %+v", resp)
	}

	count, err := testutil.GatherAndCount(workerMetrics.Registry(), "hybrid_retrieval_worker_search_requests_total")
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one request series, got %d", count)
	}
}

func TestInstrumentedHandlerEncodesFailures(t *testing.T) {
	workerMetrics := metrics.NewWorkerMetrics("worker")
	upstream := domain.WrapError(domain.ErrUpstream, "vector search", errors.New("connection refused"))
	handler := instrumentedHandler("worker", retrieverStub{err: upstream}, workerMetrics)

	reply, err := handler(context.Background(), []byte(`{"queries":["a"],"document_ids":["d1"]}`))
	if err == nil {
		t.Fatalf("expected handler error")
	}
	var resp contract.ErrorResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.Kind != "upstream" {
		t.Fatalf("expected upstream kind, got %q", resp.Kind)
	}
}
