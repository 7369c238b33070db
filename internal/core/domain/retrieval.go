package domain

import "strings"

// Chunk is a stored passage. The engine never mutates chunks it reads.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	SourceMeta string    `json:"source_meta,omitempty"`
	Keywords   string    `json:"keywords,omitempty"`
}

// ScoredChunk carries the call-scoped ranking score next to the chunk.
// Scores from different fusion strategies are not comparable.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Scope is the set of document ids a retrieval call is restricted to.
type Scope []string

// NewScope drops blank and repeated ids, keeping first-occurrence order.
func NewScope(ids []string) Scope {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make(Scope, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s Scope) IsEmpty() bool {
	return len(s) == 0
}

type FusionStrategy string

const (
	FusionRRF    FusionStrategy = "rrf"
	FusionRerank FusionStrategy = "rerank"
)

// RetrievalSettings controls candidate depth and fusion for one call.
type RetrievalSettings struct {
	TopK              int
	RerankEnabled     bool
	RerankInitialTopK int
	// MMRLambda is nil when the engine default applies.
	MMRLambda *float64
}

// SearchK is the per-branch candidate count before fusion.
func (s RetrievalSettings) SearchK() int {
	if s.RerankEnabled && s.RerankInitialTopK > 0 {
		return s.RerankInitialTopK
	}
	return s.TopK
}

// StripVectors returns copies of the chunks without their embeddings.
func StripVectors(chunks []ScoredChunk) []ScoredChunk {
	out := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		c.Vector = nil
		out[i] = c
	}
	return out
}

// SearchOption overrides configured settings for a single call.
type SearchOption func(*RetrievalSettings)

func WithTopK(topK int) SearchOption {
	return func(s *RetrievalSettings) {
		if topK > 0 {
			s.TopK = topK
		}
	}
}

func WithRerank(enabled bool, initialTopK int) SearchOption {
	return func(s *RetrievalSettings) {
		s.RerankEnabled = enabled
		if initialTopK > 0 {
			s.RerankInitialTopK = initialTopK
		}
	}
}

// ApplySearchOptions returns a copy of base with opts applied in order.
func ApplySearchOptions(base RetrievalSettings, opts ...SearchOption) RetrievalSettings {
	out := base
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}
