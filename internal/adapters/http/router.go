package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/hybrid-retrieval/internal/adapters/contract"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

const maxRequestBodyBytes = 1 << 20

const (
	endpointSearch      = "search"
	endpointBatchSearch = "batch_search"
)

type Router struct {
	retriever ports.HybridRetriever
	metrics   *metrics.HTTPServerMetrics

	serviceName      string
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

func NewRouter(cfg config.Config, retriever ports.HybridRetriever, httpMetrics *metrics.HTTPServerMetrics) *Router {
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPServerMetrics(cfg.ServiceName)
	}
	return &Router{
		retriever:        retriever,
		metrics:          httpMetrics,
		serviceName:      cfg.ServiceName,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: time.Duration(cfg.APIBackpressureWaitMS) * time.Millisecond,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/retrieval/search", rt.searchGet)
	api.HandleFunc("POST /v1/retrieval/search", rt.search)
	api.HandleFunc("POST /v1/retrieval/batch-search", rt.batchSearch)

	var apiHandler http.Handler = api
	if openAPIRouter, err := loadOpenAPIRouter(); err != nil {
		slog.Error("openapi_validation_disabled", "error", err)
	} else {
		apiHandler = openAPIValidationMiddleware(openAPIRouter, apiHandler)
	}
	apiHandler = backpressureMiddleware(apiHandler, rt.maxInFlight, rt.backpressureWait)
	apiHandler = rateLimitMiddleware(apiHandler, rt.rateLimitRPS, rt.rateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("GET /metrics", rt.metrics.Handler())
	mux.Handle("/v1/", apiHandler)

	return requestIDMiddleware(accessLogMiddleware(rt.metrics.Middleware(rt.serviceName, mux)))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	rt.runSearch(w, r, endpointSearch, contract.ModeSingle, req)
}

// searchGet binds form-style query parameters, repeating document_ids per id.
func (rt *Router) searchGet(w http.ResponseWriter, r *http.Request) {
	var req contract.SearchRequest
	params := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, true, "query", params, &req.Query); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "bind query", err))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "document_ids", params, &req.DocumentIDs); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "bind document_ids", err))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "top_k", params, &req.TopK); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "bind top_k", err))
		return
	}
	rt.runSearch(w, r, endpointSearch, contract.ModeSingle, req)
}

func (rt *Router) batchSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	rt.runSearch(w, r, endpointBatchSearch, contract.ModeBatch, req)
}

func (rt *Router) runSearch(w http.ResponseWriter, r *http.Request, endpoint, mode string, req contract.SearchRequest) {
	start := time.Now()
	resp, err := contract.ExecuteMode(r.Context(), rt.retriever, mode, req)
	if err != nil {
		slog.WarnContext(r.Context(), "search_failed",
			"request_id", requestIDFromContext(r.Context()),
			"endpoint", endpoint,
			"error", err,
		)
		writeError(w, err)
		return
	}
	rt.metrics.RecordSearchObservation(rt.serviceName, endpoint, len(resp.Results), time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (contract.SearchRequest, bool) {
	var req contract.SearchRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large", "invalid_input"))
			return req, false
		}
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("invalid json")))
		return req, false
	}
	return req, true
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), errorResponse(err.Error(), domain.KindName(err)))
}

func errorResponse(message, kind string) contract.ErrorResponse {
	return contract.ErrorResponse{Error: message, Kind: kind}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
