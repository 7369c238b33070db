// Package contract holds the JSON request and response shapes shared by the
// HTTP API and the message-bus worker.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const MaxTopK = 50

const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

type RerankOptions struct {
	Enabled     bool `json:"enabled"`
	InitialTopK int  `json:"initial_top_k,omitempty"`
}

type SearchRequest struct {
	Query       string         `json:"query,omitempty"`
	Queries     []string       `json:"queries,omitempty"`
	DocumentIDs []string       `json:"document_ids"`
	TopK        int            `json:"top_k,omitempty"`
	Rerank      *RerankOptions `json:"rerank,omitempty"`
}

type SearchResponse struct {
	Results []domain.ScoredChunk `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Mode reports batch when the request carries a query list.
func (r SearchRequest) Mode() string {
	if len(r.Queries) > 0 {
		return ModeBatch
	}
	return ModeSingle
}

// Validate checks per-call overrides. Query presence is checked by the engine.
func (r SearchRequest) Validate() error {
	if r.TopK < 0 || r.TopK > MaxTopK {
		return domain.WrapError(domain.ErrInvalidInput, "validate request", fmt.Errorf("top_k must be in [1,%d]", MaxTopK))
	}
	if r.Rerank != nil && r.Rerank.InitialTopK < 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate request", errors.New("rerank.initial_top_k must be positive"))
	}
	return nil
}

func (r SearchRequest) SearchOptions() []domain.SearchOption {
	var opts []domain.SearchOption
	if r.TopK > 0 {
		opts = append(opts, domain.WithTopK(r.TopK))
	}
	if r.Rerank != nil {
		opts = append(opts, domain.WithRerank(r.Rerank.Enabled, r.Rerank.InitialTopK))
	}
	return opts
}

// Execute runs a single or batch search depending on Mode.
func Execute(ctx context.Context, retriever ports.HybridRetriever, req SearchRequest) (SearchResponse, error) {
	return ExecuteMode(ctx, retriever, req.Mode(), req)
}

// ExecuteMode runs req in the given mode regardless of which fields it carries.
// Transports with one endpoint per mode use it so stray fields cannot switch modes.
func ExecuteMode(ctx context.Context, retriever ports.HybridRetriever, mode string, req SearchRequest) (SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return SearchResponse{}, err
	}
	scope := domain.NewScope(req.DocumentIDs)

	var (
		results []domain.ScoredChunk
		err     error
	)
	if mode == ModeBatch {
		results, err = retriever.BatchSearch(ctx, req.Queries, scope, req.SearchOptions()...)
	} else {
		results, err = retriever.Search(ctx, req.Query, scope, req.SearchOptions()...)
	}
	if err != nil {
		return SearchResponse{}, err
	}
	if results == nil {
		results = []domain.ScoredChunk{}
	}
	return SearchResponse{Results: results}, nil
}

// HandleMessage decodes a request payload, runs it and encodes the reply.
// Failures are encoded as ErrorResponse so a requester always gets an answer.
func HandleMessage(ctx context.Context, retriever ports.HybridRetriever, data []byte) ([]byte, error) {
	var req SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		err = domain.WrapError(domain.ErrInvalidInput, "decode request", err)
		return encodeError(err), err
	}
	if strings.TrimSpace(req.Query) == "" && len(req.Queries) == 0 && len(req.DocumentIDs) > 0 {
		err := domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("query or queries is required"))
		return encodeError(err), err
	}

	resp, err := Execute(ctx, retriever, req)
	if err != nil {
		return encodeError(err), err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return encodeError(err), err
	}
	return out, nil
}

func encodeError(err error) []byte {
	out, _ := json.Marshal(ErrorResponse{Error: err.Error(), Kind: domain.KindName(err)})
	return out
}
