package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "lexical"
)

// chunkNamespace derives stable point ids from chunk ids that are not UUIDs.
var chunkNamespace = uuid.MustParse("6f1b8d1e-5a8e-4c47-9a0b-2f3c1d7e9b40")

// Client stores chunks as points with a named dense vector and a sparse
// term vector, so both retrieval branches run against one collection.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

// EnsureSchema creates the collection for the given dense vector size.
func (c *Client) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("ensure collection: invalid vector dimensions %d", dimensions)
	}
	return c.ensureCollection(ctx, dimensions)
}

func (c *Client) IndexChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  map[string]any `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(chunks))
	vectorSize := 0
	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.DocumentID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "index chunks", fmt.Errorf("chunk id and document id are required"))
		}
		if len(chunk.Vector) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "index chunks", fmt.Errorf("chunk %s has no vector", chunk.ID))
		}
		if vectorSize == 0 {
			vectorSize = len(chunk.Vector)
		}
		if len(chunk.Vector) != vectorSize {
			return domain.WrapError(domain.ErrDimensionMismatch, "index chunks",
				fmt.Errorf("chunk %s has %d dimensions, batch has %d", chunk.ID, len(chunk.Vector), vectorSize))
		}

		vectors := map[string]any{denseVectorName: chunk.Vector}
		if sparse := encodeSparseDocument(chunk.Content, chunk.Keywords); len(sparse.Indices) > 0 {
			vectors[sparseVectorName] = sparse
		}
		points = append(points, point{
			ID:     pointID(chunk.ID),
			Vector: vectors,
			Payload: map[string]any{
				"chunk_id":    chunk.ID,
				"doc_id":      chunk.DocumentID,
				"content":     chunk.Content,
				"chunk_index": chunk.ChunkIndex,
				"source_meta": chunk.SourceMeta,
				"keywords":    chunk.Keywords,
			},
		})
	}

	if err := c.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	return c.do(ctx, "upsert", http.MethodPut, url, map[string]any{"points": points}, nil)
}

func (c *Client) VectorSearch(ctx context.Context, vector []float32, documentIDs []string, limit int) ([]domain.ScoredChunk, error) {
	if len(documentIDs) == 0 || limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	reqBody := map[string]any{
		"vector":       map[string]any{"name": denseVectorName, "vector": vector},
		"limit":        limit,
		"filter":       scopeFilter(documentIDs),
		"with_payload": true,
		"with_vector":  []string{denseVectorName},
	}
	return c.search(ctx, "vector_search", reqBody)
}

// LexicalSearch scores chunks by the dot product of sparse term vectors.
func (c *Client) LexicalSearch(ctx context.Context, query string, documentIDs []string, limit int) ([]domain.ScoredChunk, error) {
	if len(documentIDs) == 0 || limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	sparse := encodeSparseQuery(domain.SplitLexicalTerms(query))
	if len(sparse.Indices) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	reqBody := map[string]any{
		"vector":       map[string]any{"name": sparseVectorName, "vector": sparse},
		"limit":        limit,
		"filter":       scopeFilter(documentIDs),
		"with_payload": true,
	}
	return c.search(ctx, "lexical_search", reqBody)
}

func (c *Client) search(ctx context.Context, operation string, reqBody map[string]any) ([]domain.ScoredChunk, error) {
	var searchResp struct {
		Result []struct {
			Score   float64                    `json:"score"`
			Payload map[string]any             `json:"payload"`
			Vector  map[string]json.RawMessage `json:"vector"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	if err := c.do(ctx, operation, http.MethodPost, url, reqBody, &searchResp); err != nil {
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		chunk := domain.ScoredChunk{
			Chunk: domain.Chunk{
				ID:         getStringPayload(r.Payload, "chunk_id"),
				DocumentID: getStringPayload(r.Payload, "doc_id"),
				Content:    getStringPayload(r.Payload, "content"),
				ChunkIndex: getIntPayload(r.Payload, "chunk_index"),
				SourceMeta: getStringPayload(r.Payload, "source_meta"),
				Keywords:   getStringPayload(r.Payload, "keywords"),
			},
			Score: r.Score,
		}
		if raw, ok := r.Vector[denseVectorName]; ok {
			if err := json.Unmarshal(raw, &chunk.Vector); err != nil {
				return nil, fmt.Errorf("decode %s vector: %w", operation, err)
			}
		}
		out = append(out, chunk)
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{"modifier": "idf"},
		},
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.do(ctx, "ensure_collection", http.MethodPut, url, reqBody, nil)
	// 409 when the collection already exists (depends on version/config).
	if code, _ := resilience.StatusCode(err); err != nil && code != http.StatusConflict {
		return err
	}

	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor != nil {
		err = c.executor.Execute(ctx, "qdrant."+operation, call, resilience.ClassifyHTTP)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporary("qdrant "+operation, err, resilience.ClassifyHTTP)
}

func scopeFilter(documentIDs []string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "doc_id",
				"match": map[string]any{"any": documentIDs},
			},
		},
	}
}

func pointID(chunkID string) string {
	if id, err := uuid.Parse(chunkID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String()
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
