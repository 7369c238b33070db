package textseg

import (
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// WordSegmenter splits on any rune that is neither a letter nor a digit.
// It suits scripts that delimit words with spaces or punctuation.
type WordSegmenter struct{}

func (WordSegmenter) Segment(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords returns the distinct lowercase tokens of text without stop words,
// joined by spaces. It is stored alongside chunk content for lexical search.
func Keywords(segmenter ports.Segmenter, stopWords []string, text string) string {
	if segmenter == nil {
		segmenter = WordSegmenter{}
	}
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, 32)
	for _, token := range segmenter.Segment(text) {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" || !hasWordRune(token) {
			continue
		}
		if _, ok := stop[token]; ok {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return strings.Join(out, " ")
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
