package usecase

import (
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// LexicalQueryBuilder turns a natural-language question into a disjunctive term query.
type LexicalQueryBuilder struct {
	segmenter ports.Segmenter
	stopWords map[string]struct{}
}

func NewLexicalQueryBuilder(segmenter ports.Segmenter, stopWords []string) *LexicalQueryBuilder {
	set := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return &LexicalQueryBuilder{segmenter: segmenter, stopWords: set}
}

// Build segments query, drops stop words and joins distinct terms with OR.
// Falls back to unfiltered tokens, then to the raw query.
func (b *LexicalQueryBuilder) Build(query string) string {
	tokens := b.tokens(query)

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, stop := b.stopWords[token]; stop {
			continue
		}
		filtered = append(filtered, token)
	}
	if len(filtered) == 0 {
		filtered = tokens
	}

	terms := distinctInOrder(filtered)
	if len(terms) == 0 {
		return query
	}
	return strings.Join(terms, domain.LexicalTermSeparator)
}

func (b *LexicalQueryBuilder) tokens(query string) []string {
	var raw []string
	if b.segmenter != nil {
		raw = b.segmenter.Segment(query)
	} else {
		raw = strings.Fields(query)
	}

	out := make([]string, 0, len(raw))
	for _, token := range raw {
		token = strings.ToLower(strings.TrimSpace(token))
		if !hasWordRune(token) {
			continue
		}
		out = append(out, token)
	}
	return out
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func distinctInOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
