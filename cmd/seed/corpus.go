package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/textseg"
)

const (
	defaultBatchSize = 16
	maxLineBytes     = 4 << 20
)

type corpusLine struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Content    string          `json:"content"`
	ChunkIndex int             `json:"chunk_index"`
	SourceMeta json.RawMessage `json:"source_meta"`
}

// readCorpus parses one chunk per non-blank line. Missing ids get a random UUID.
func readCorpus(r io.Reader) ([]domain.Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var chunks []domain.Chunk
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line corpusLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", lineNo, err)
		}
		if strings.TrimSpace(line.DocumentID) == "" {
			return nil, fmt.Errorf("corpus line %d: document_id is required", lineNo)
		}
		if strings.TrimSpace(line.Content) == "" {
			return nil, fmt.Errorf("corpus line %d: content is required", lineNo)
		}
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		chunks = append(chunks, domain.Chunk{
			ID:         line.ID,
			DocumentID: line.DocumentID,
			Content:    line.Content,
			ChunkIndex: line.ChunkIndex,
			SourceMeta: sourceMeta(line.SourceMeta),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return chunks, nil
}

// sourceMeta returns raw JSON. A string holding encoded JSON is unwrapped.
func sourceMeta(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && json.Valid([]byte(s)) {
		return s
	}
	return string(raw)
}

type seeder struct {
	embedder  ports.Embedder
	indexer   ports.ChunkIndexer
	segmenter ports.Segmenter
	stopWords []string
	batchSize int
}

// seed embeds and indexes chunks batch by batch, returning how many were written.
func (s seeder) seed(ctx context.Context, chunks []domain.Chunk, progress func(int)) (int, error) {
	size := s.batchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	indexed := 0
	for start := 0; start < len(chunks); start += size {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		end := min(start+size, len(chunks))
		batch := make([]domain.Chunk, end-start)
		copy(batch, chunks[start:end])

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Content
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return indexed, errors.New("embedder returned a different number of vectors than texts")
		}
		for i := range batch {
			batch[i].Vector = vectors[i]
			batch[i].Keywords = textseg.Keywords(s.segmenter, s.stopWords, batch[i].Content)
		}

		if err := s.indexer.IndexChunks(ctx, batch); err != nil {
			return indexed, fmt.Errorf("index batch at %d: %w", start, err)
		}
		indexed += len(batch)
		if progress != nil {
			progress(len(batch))
		}
	}
	return indexed, nil
}

func countDocuments(chunks []domain.Chunk) int {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		seen[c.DocumentID] = struct{}{}
	}
	return len(seen)
}
