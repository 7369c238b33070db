package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/adapters/contract"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type retrieverFake struct {
	results  []domain.ScoredChunk
	err      error
	query    string
	queries  []string
	scope    domain.Scope
	settings domain.RetrievalSettings
}

func (f *retrieverFake) Search(_ context.Context, query string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	f.query = query
	f.scope = scope
	f.settings = domain.ApplySearchOptions(domain.RetrievalSettings{TopK: 5}, opts...)
	return f.results, f.err
}

func (f *retrieverFake) BatchSearch(_ context.Context, queries []string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	f.queries = queries
	f.scope = scope
	f.settings = domain.ApplySearchOptions(domain.RetrievalSettings{TopK: 5}, opts...)
	return f.results, f.err
}

func newTestHandler(cfg config.Config, retriever *retrieverFake) http.Handler {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "test"
	}
	return NewRouter(cfg, retriever, nil).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestSearchReturnsResultsAndAppliesOverrides(t *testing.T) {
	fake := &retrieverFake{results: []domain.ScoredChunk{{Chunk: domain.Chunk{ID: "c1", DocumentID: "d1", Content: "alpha"}, Score: 0.03}}}
	handler := newTestHandler(config.Config{}, fake)

	res := postJSON(t, handler, "/v1/retrieval/search", map[string]any{
		"query":        "alpha",
		"document_ids": []string{"d1", "d1"},
		"top_k":        3,
		"rerank":       map[string]any{"enabled": true, "initial_top_k": 10},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var resp contract.SearchResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
	if len(fake.scope) != 1 || fake.settings.TopK != 3 || !fake.settings.RerankEnabled || fake.settings.RerankInitialTopK != 10 {
		t.Fatalf("unexpected call: scope=%v settings=%+v", fake.scope, fake.settings)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSearchEmptyResultsEncodeAsArray(t *testing.T) {
	handler := newTestHandler(config.Config{}, &retrieverFake{})
	res := postJSON(t, handler, "/v1/retrieval/search", map[string]any{"query": "q", "document_ids": []string{}})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"results":[]`) {
		t.Fatalf("expected empty array, got %s", res.Body.String())
	}
}

func TestSearchMapsErrorKindsToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"invalid input", domain.WrapError(domain.ErrInvalidInput, "hybrid search", errors.New("query is empty")), http.StatusBadRequest, "invalid_input"},
		{"upstream", domain.WrapError(domain.ErrUpstream, "vector search", errors.New("down")), http.StatusBadGateway, "upstream"},
		{"temporary", domain.WrapError(domain.ErrUpstream, "embed query", domain.WrapError(domain.ErrTemporary, "ollama embed", errors.New("busy"))), http.StatusServiceUnavailable, "temporary"},
		{"internal", domain.WrapError(domain.ErrDimensionMismatch, "mmr select", errors.New("3 != 2")), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(config.Config{}, &retrieverFake{err: tt.err})
			res := postJSON(t, handler, "/v1/retrieval/search", map[string]any{"query": "q", "document_ids": []string{"d1"}})
			if res.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, res.Code)
			}
			var resp contract.ErrorResponse
			if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if resp.Kind != tt.kind {
				t.Fatalf("expected kind %q, got %q", tt.kind, resp.Kind)
			}
		})
	}
}

func TestSearchRejectsRequestsOutsideSchema(t *testing.T) {
	handler := newTestHandler(config.Config{}, &retrieverFake{})

	for name, payload := range map[string]any{
		"top_k too large":      map[string]any{"query": "q", "document_ids": []string{"d1"}, "top_k": 100},
		"missing document_ids": map[string]any{"query": "q"},
	} {
		t.Run(name, func(t *testing.T) {
			res := postJSON(t, handler, "/v1/retrieval/search", payload)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
			}
		})
	}
}

func TestSearchGetBindsQueryParameters(t *testing.T) {
	fake := &retrieverFake{}
	handler := newTestHandler(config.Config{}, fake)

	req := httptest.NewRequest(http.MethodGet, "/v1/retrieval/search?query=alpha&document_ids=d1&document_ids=d2&top_k=2", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if fake.query != "alpha" || len(fake.scope) != 2 || fake.settings.TopK != 2 {
		t.Fatalf("unexpected call: query=%q scope=%v settings=%+v", fake.query, fake.scope, fake.settings)
	}
}

func TestBatchSearchPassesQueriesInOrder(t *testing.T) {
	fake := &retrieverFake{}
	handler := newTestHandler(config.Config{}, fake)

	res := postJSON(t, handler, "/v1/retrieval/batch-search", map[string]any{
		"queries":      []string{"q1", "q2"},
		"document_ids": []string{"d1"},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(fake.queries) != 2 || fake.queries[0] != "q1" {
		t.Fatalf("unexpected queries: %v", fake.queries)
	}
}

func TestEndpointFixesSearchMode(t *testing.T) {
	fake := &retrieverFake{}
	handler := newTestHandler(config.Config{}, fake)

	res := postJSON(t, handler, "/v1/retrieval/search", map[string]any{
		"query":        "alpha",
		"queries":      []string{"beta", "gamma"},
		"document_ids": []string{"d1"},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if fake.query != "alpha" || fake.queries != nil {
		t.Fatalf("expected single search on /search, got query=%q queries=%v", fake.query, fake.queries)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	handler := newTestHandler(config.Config{}, &retrieverFake{})

	for _, path := range []string{"/healthz", "/metrics"} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, res.Code)
		}
	}
}
