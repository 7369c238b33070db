package overlap

import (
	"context"
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// Scorer is a local reranker scoring texts by query-token overlap.
// It never fails and needs no model server.
type Scorer struct {
	segmenter ports.Segmenter
}

// New returns a Scorer. A nil segmenter splits on non-alphanumeric runes.
func New(segmenter ports.Segmenter) *Scorer {
	return &Scorer{segmenter: segmenter}
}

// ScoreAll scores each text with 0.75 of the share of query tokens it contains
// plus 0.25 of the share of its own tokens that match the query.
func (s *Scorer) ScoreAll(ctx context.Context, query string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	queryTokens := s.tokenSet(query)
	if len(queryTokens) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		textTokens := s.tokens(text)
		scores[i] = 0.75*tokenOverlap(queryTokens, toSet(textTokens)) + 0.25*density(queryTokens, textTokens)
	}
	return scores, nil
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func density(query map[string]struct{}, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, token := range tokens {
		if _, ok := query[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func (s *Scorer) tokenSet(text string) map[string]struct{} {
	return toSet(s.tokens(text))
}

func (s *Scorer) tokens(text string) []string {
	if s.segmenter == nil {
		return splitWordsLower(text)
	}
	raw := s.segmenter.Segment(text)
	out := make([]string, 0, len(raw))
	for _, token := range raw {
		out = append(out, splitWordsLower(token)...)
	}
	return out
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitWordsLower(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
