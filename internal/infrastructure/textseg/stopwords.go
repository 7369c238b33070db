package textseg

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed stopwords.txt
var defaultStopWords string

// DefaultStopWords returns the built-in list.
func DefaultStopWords() []string {
	words, _ := readStopWords(strings.NewReader(defaultStopWords))
	return words
}

// LoadStopWords returns the built-in list extended by the file at path.
// An empty path returns the built-in list only.
func LoadStopWords(path string) ([]string, error) {
	words := DefaultStopWords()
	path = strings.TrimSpace(path)
	if path == "" {
		return words, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stop words: %w", err)
	}
	defer f.Close()

	extra, err := readStopWords(f)
	if err != nil {
		return nil, fmt.Errorf("read stop words %s: %w", path, err)
	}
	return mergeDistinct(words, extra), nil
}

// readStopWords reads one word per line, skipping blank lines.
func readStopWords(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			out = append(out, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeDistinct(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, w := range list {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}
