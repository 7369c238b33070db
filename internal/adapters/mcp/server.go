package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/hybrid-retrieval/internal/adapters/contract"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const (
	toolSearch      = "search_knowledge_base"
	toolBatchSearch = "batch_search_knowledge_base"
)

// Tools exposes the retriever as MCP tools for agents.
type Tools struct {
	retriever ports.HybridRetriever
	logger    *slog.Logger
}

func NewTools(retriever ports.HybridRetriever, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{retriever: retriever, logger: logger}
}

// NewServer builds an MCP server with the retrieval tools registered.
func NewServer(name, version string, tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	s.AddTool(searchTool(), tools.Search)
	s.AddTool(batchSearchTool(), tools.BatchSearch)
	return s
}

func searchTool() mcp.Tool {
	return mcp.NewTool(toolSearch,
		mcp.WithDescription("Search the knowledge base for passages relevant to a question. Use it for facts, document content or specific details."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language question or keywords")),
		mcp.WithArray("document_ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Documents to search within")),
		mcp.WithNumber("top_k", mcp.Min(1), mcp.Max(contract.MaxTopK), mcp.Description("Maximum number of passages to return")),
	)
}

func batchSearchTool() mcp.Tool {
	return mcp.NewTool(toolBatchSearch,
		mcp.WithDescription("Search the knowledge base with several sub-queries at once and merge the passages without duplicates."),
		mcp.WithArray("queries", mcp.Required(), mcp.WithStringItems(), mcp.Description("Sub-queries in priority order")),
		mcp.WithArray("document_ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Documents to search within")),
		mcp.WithNumber("top_k", mcp.Min(1), mcp.Max(contract.MaxTopK), mcp.Description("Maximum number of passages per sub-query")),
	)
}

func (t *Tools) Search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts, err := topKOption(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scope := domain.NewScope(request.GetStringSlice("document_ids", nil))
	t.logger.InfoContext(ctx, "mcp_tool_called", "tool", toolSearch, "query_length", utf8.RuneCountInString(query))

	results, err := t.retriever.Search(ctx, query, scope, opts...)
	if err != nil {
		t.logger.ErrorContext(ctx, "mcp_tool_failed", "tool", toolSearch, "error", err)
		return mcp.NewToolResultError("search failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatResults(query, results)), nil
}

func (t *Tools) BatchSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queries := request.GetStringSlice("queries", nil)
	if len(queries) == 0 {
		return mcp.NewToolResultError("queries must contain at least one query"), nil
	}
	opts, err := topKOption(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scope := domain.NewScope(request.GetStringSlice("document_ids", nil))
	t.logger.InfoContext(ctx, "mcp_tool_called", "tool", toolBatchSearch, "queries", len(queries))

	results, err := t.retriever.BatchSearch(ctx, queries, scope, opts...)
	if err != nil {
		t.logger.ErrorContext(ctx, "mcp_tool_failed", "tool", toolBatchSearch, "error", err)
		return mcp.NewToolResultError("search failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatResults(strings.Join(queries, "; "), results)), nil
}

// topKOption applies the same bounds as the HTTP and NATS contract.
func topKOption(request mcp.CallToolRequest) ([]domain.SearchOption, error) {
	req := contract.SearchRequest{TopK: request.GetInt("top_k", 0)}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("top_k must be between 1 and %d", contract.MaxTopK)
	}
	return req.SearchOptions(), nil
}

func formatResults(query string, results []domain.ScoredChunk) string {
	if len(results) == 0 {
		return fmt.Sprintf("No relevant information about '%s' was found in the knowledge base. Try simpler keywords or rephrase the question.", query)
	}
	passages := make([]string, 0, len(results))
	for _, chunk := range results {
		passages = append(passages, fmt.Sprintf("[source: %s]\ncontent: %s", chunk.SourceMeta, chunk.Content))
	}
	return strings.Join(passages, "\n---\n")
}
