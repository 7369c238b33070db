package mcpadapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type retrieverFake struct {
	results []domain.ScoredChunk
	err     error
	query   string
	queries []string
	scope   domain.Scope
	topK    int
}

func (f *retrieverFake) Search(_ context.Context, query string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	f.query, f.scope = query, scope
	f.topK = domain.ApplySearchOptions(domain.RetrievalSettings{}, opts...).TopK
	return f.results, f.err
}

func (f *retrieverFake) BatchSearch(_ context.Context, queries []string, scope domain.Scope, opts ...domain.SearchOption) ([]domain.ScoredChunk, error) {
	f.queries, f.scope = queries, scope
	f.topK = domain.ApplySearchOptions(domain.RetrievalSettings{}, opts...).TopK
	return f.results, f.err
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestSearchFormatsPassages(t *testing.T) {
	fake := &retrieverFake{results: []domain.ScoredChunk{
		{Chunk: domain.Chunk{ID: "c1", Content: "alpha", SourceMeta: "a.md"}},
		{Chunk: domain.Chunk{ID: "c2", Content: "beta", SourceMeta: "b.md"}},
	}}
	tools := NewTools(fake, nil)

	res, err := tools.Search(context.Background(), callRequest(toolSearch, map[string]any{
		"query":        "alpha",
		"document_ids": []any{"d1", "d2"},
		"top_k":        float64(2),
	}))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	want := "[source: a.md]\ncontent: alpha\n---\n[source: b.md]\ncontent: beta"
	if got := resultText(t, res); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if len(fake.scope) != 2 || fake.topK != 2 {
		t.Fatalf("unexpected call: scope=%v topK=%d", fake.scope, fake.topK)
	}
}

func TestSearchReportsNothingFound(t *testing.T) {
	tools := NewTools(&retrieverFake{}, nil)
	res, err := tools.Search(context.Background(), callRequest(toolSearch, map[string]any{"query": "gamma", "document_ids": []any{}}))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if text := resultText(t, res); !strings.Contains(text, "'gamma'") {
		t.Fatalf("expected not-found hint naming the query, got %q", text)
	}
}

func TestSearchMissingQueryIsToolError(t *testing.T) {
	tools := NewTools(&retrieverFake{}, nil)
	res, err := tools.Search(context.Background(), callRequest(toolSearch, map[string]any{"document_ids": []any{"d1"}}))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error result")
	}
}

func TestSearchFailureIsToolError(t *testing.T) {
	tools := NewTools(&retrieverFake{err: errors.New("store down")}, nil)
	res, _ := tools.Search(context.Background(), callRequest(toolSearch, map[string]any{"query": "q", "document_ids": []any{"d1"}}))
	if !res.IsError || !strings.Contains(resultText(t, res), "store down") {
		t.Fatalf("expected error result mentioning the cause")
	}
}

func TestSearchRejectsTopKAboveLimit(t *testing.T) {
	fake := &retrieverFake{}
	tools := NewTools(fake, nil)
	for _, call := range []func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){tools.Search, tools.BatchSearch} {
		res, err := call(context.Background(), callRequest(toolSearch, map[string]any{
			"query":        "q",
			"queries":      []any{"q"},
			"document_ids": []any{"d1"},
			"top_k":        float64(1000),
		}))
		if err != nil {
			t.Fatalf("unexpected error = %v", err)
		}
		if !res.IsError || !strings.Contains(resultText(t, res), "top_k") {
			t.Fatalf("expected top_k tool error, got %+v", res)
		}
	}
	if fake.query != "" || fake.queries != nil {
		t.Fatalf("retriever must not be called for out-of-range top_k")
	}
}

func TestBatchSearchPassesQueries(t *testing.T) {
	fake := &retrieverFake{results: []domain.ScoredChunk{{Chunk: domain.Chunk{ID: "c1", Content: "x"}}}}
	tools := NewTools(fake, nil)
	res, err := tools.BatchSearch(context.Background(), callRequest(toolBatchSearch, map[string]any{
		"queries":      []any{"q1", "q2"},
		"document_ids": []any{"d1"},
	}))
	if err != nil || res.IsError {
		t.Fatalf("BatchSearch() failed: %v %+v", err, res)
	}
	if len(fake.queries) != 2 || fake.queries[1] != "q2" {
		t.Fatalf("unexpected queries: %v", fake.queries)
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer("hybrid-retrieval", "test", NewTools(&retrieverFake{}, nil))
	if s == nil {
		t.Fatalf("expected server")
	}
}
