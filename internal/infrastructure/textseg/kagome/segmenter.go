package kagome

import (
	"fmt"
	"strings"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Segmenter splits text into morphemes with the IPA dictionary. It handles
// scripts without spaces between words and passes other words through whole.
type Segmenter struct {
	tokenizer *tokenizer.Tokenizer
}

func New() (*Segmenter, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, fmt.Errorf("init kagome tokenizer: %w", err)
	}
	return &Segmenter{tokenizer: t}, nil
}

func (s *Segmenter) Segment(text string) []string {
	tokens := s.tokenizer.Analyze(text, tokenizer.Search)
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if surface := strings.TrimSpace(token.Surface); surface != "" {
			out = append(out, surface)
		}
	}
	return out
}
