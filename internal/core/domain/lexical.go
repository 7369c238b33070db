package domain

import "strings"

// LexicalTermSeparator joins alternative terms of a lexical query.
const LexicalTermSeparator = " OR "

// SplitLexicalTerms returns the terms of a disjunctive lexical query, for
// stores without a native OR syntax.
func SplitLexicalTerms(query string) []string {
	parts := strings.Split(query, LexicalTermSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
