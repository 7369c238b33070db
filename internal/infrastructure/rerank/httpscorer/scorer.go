package httpscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

const (
	dashScopeHost         = "dashscope.aliyuncs.com"
	defaultModel          = "bge-reranker-v2-m3"
	defaultDashScopeModel = "gte-rerank"
)

// Scorer calls a cross-encoder rerank endpoint. It understands the
// TEI/SiliconFlow/Jina style body and the DashScope body.
type Scorer struct {
	url        string
	model      string
	apiKey     string
	dashScope  bool
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Model              string
	APIKey             string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Scorer {
	url := strings.TrimSpace(baseURL)
	dashScope := strings.Contains(url, dashScopeHost)
	if !dashScope && !strings.HasSuffix(url, "/rerank") {
		url = strings.TrimRight(url, "/") + "/rerank"
	}

	model := strings.TrimSpace(options.Model)
	if model == "" {
		model = defaultModel
		if dashScope {
			model = defaultDashScopeModel
		}
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Scorer{
		url:        url,
		model:      model,
		apiKey:     strings.TrimSpace(options.APIKey),
		dashScope:  dashScope,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

// ScoreAll returns one score per text. Indices missing from the response score 0.
func (s *Scorer) ScoreAll(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(s.requestBody(query, texts))
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	var raw []byte
	call := func(ctx context.Context) error {
		raw, err = s.post(ctx, body)
		return err
	}
	if s.executor != nil {
		err = s.executor.Execute(ctx, "rerank.score", call, resilience.ClassifyHTTP)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, resilience.WrapTemporary("rerank score", err, resilience.ClassifyHTTP)
	}

	return parseScores(raw, len(texts))
}

func (s *Scorer) requestBody(query string, texts []string) map[string]any {
	if s.dashScope {
		return map[string]any{
			"model": s.model,
			"input": map[string]any{
				"query":     query,
				"documents": texts,
			},
		}
	}
	return map[string]any{
		"model":     s.model,
		"query":     query,
		"documents": texts,
		"texts":     texts,
	}
}

func (s *Scorer) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError("rerank", "", resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	return raw, nil
}

type scoreItem struct {
	Index          *int     `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
	Score          *float64 `json:"score"`
}

// parseScores accepts {"output":{"results":[...]}}, {"results":[...]} or a bare array.
func parseScores(raw []byte, expected int) ([]float64, error) {
	items, err := decodeItems(raw)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, expected)
	for _, item := range items {
		if item.Index == nil || *item.Index < 0 || *item.Index >= expected {
			continue
		}
		switch {
		case item.RelevanceScore != nil:
			scores[*item.Index] = *item.RelevanceScore
		case item.Score != nil:
			scores[*item.Index] = *item.Score
		}
	}
	return scores, nil
}

func decodeItems(raw []byte) ([]scoreItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []scoreItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode rerank results array: %w", err)
		}
		return items, nil
	}

	var envelope struct {
		Output *struct {
			Results []scoreItem `json:"results"`
		} `json:"output"`
		Results []scoreItem `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	switch {
	case envelope.Output != nil && envelope.Output.Results != nil:
		return envelope.Output.Results, nil
	case envelope.Results != nil:
		return envelope.Results, nil
	default:
		return nil, fmt.Errorf("decode rerank response: no results field")
	}
}
