package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/textseg"
)

type embedderFake struct {
	calls [][]string
	err   error
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 1}, nil
}

type indexerFake struct {
	batches [][]domain.Chunk
}

func (f *indexerFake) IndexChunks(_ context.Context, chunks []domain.Chunk) error {
	f.batches = append(f.batches, chunks)
	return nil
}

func TestReadCorpus(t *testing.T) {
	input := `{"id":"c1","document_id":"d1","content":"alpha beta","chunk_index":0,"source_meta":{"page":1}}

{"document_id":"d2","content":"gamma","chunk_index":3,"source_meta":"{\"page\":2}"}
`
	chunks, err := readCorpus(strings.NewReader(input))
	if err != nil {
		t.Fatalf("readCorpus() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].ID != "c1" || chunks[0].SourceMeta != `{"page":1}` {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].ID == "" {
		t.Fatalf("expected generated id for second chunk")
	}
	if chunks[1].ChunkIndex != 3 || chunks[1].SourceMeta != `{"page":2}` {
		t.Fatalf("unexpected second chunk: %+v", chunks[1])
	}
}

func TestReadCorpusRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"document_id": `{"content":"alpha"}`,
		"content":     `{"document_id":"d1","content":"  "}`,
		"line 1":      `{not json`,
	}
	for want, input := range cases {
		_, err := readCorpus(strings.NewReader(input))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("input %q: expected error mentioning %q, got %v", input, want, err)
		}
	}
}

func TestSeederBatchesAndAddsKeywords(t *testing.T) {
	chunks := []domain.Chunk{
		{ID: "c1", DocumentID: "d1", Content: "The Quick fox"},
		{ID: "c2", DocumentID: "d1", Content: "lazy dog"},
		{ID: "c3", DocumentID: "d2", Content: "fox again"},
	}
	embedder := &embedderFake{}
	indexer := &indexerFake{}
	s := seeder{
		embedder:  embedder,
		indexer:   indexer,
		segmenter: textseg.WordSegmenter{},
		stopWords: []string{"the"},
		batchSize: 2,
	}

	progressed := 0
	indexed, err := s.seed(context.Background(), chunks, func(n int) { progressed += n })
	if err != nil {
		t.Fatalf("seed() error = %v", err)
	}
	if indexed != 3 || progressed != 3 {
		t.Fatalf("expected 3 indexed and reported, got %d/%d", indexed, progressed)
	}
	if len(embedder.calls) != 2 || len(indexer.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d embed calls and %d index calls", len(embedder.calls), len(indexer.batches))
	}
	first := indexer.batches[0][0]
	if first.Keywords != "quick fox" {
		t.Fatalf("expected stop words removed from keywords, got %q", first.Keywords)
	}
	if len(first.Vector) != 2 {
		t.Fatalf("expected vector attached, got %v", first.Vector)
	}
	if chunks[0].Vector != nil {
		t.Fatalf("seed must not mutate the input chunks")
	}
}

func TestSeederStopsOnEmbedFailure(t *testing.T) {
	embedder := &embedderFake{err: errors.New("ollama down")}
	indexer := &indexerFake{}
	s := seeder{embedder: embedder, indexer: indexer, batchSize: 1}

	indexed, err := s.seed(context.Background(), []domain.Chunk{{ID: "c1", DocumentID: "d1", Content: "alpha"}}, nil)
	if err == nil {
		t.Fatalf("expected embed error")
	}
	if indexed != 0 || len(indexer.batches) != 0 {
		t.Fatalf("expected nothing indexed, got %d", indexed)
	}
}

func TestCountDocuments(t *testing.T) {
	chunks := []domain.Chunk{{DocumentID: "a"}, {DocumentID: "b"}, {DocumentID: "a"}}
	if got := countDocuments(chunks); got != 2 {
		t.Fatalf("expected 2 documents, got %d", got)
	}
}
