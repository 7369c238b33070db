package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const schemaLockKey int64 = 2026101901

// ChunkStore keeps chunks in one table with a pgvector column and a generated
// full-text column over keywords and content.
type ChunkStore struct {
	db *sql.DB
}

func NewChunkStore(db *sql.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

func (s *ChunkStore) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("ensure schema: invalid vector dimensions %d", dimensions)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker/seed startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	content TEXT NOT NULL,
	content_vector vector(%d),
	chunk_index INTEGER NOT NULL DEFAULT 0,
	source_meta JSONB,
	content_keywords TEXT NOT NULL DEFAULT '',
	content_search tsvector GENERATED ALWAYS AS (
		to_tsvector('simple', content_keywords || ' ' || content)
	) STORED,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_content_search ON chunks USING GIN (content_search);
CREATE INDEX IF NOT EXISTS idx_chunks_content_vector ON chunks USING hnsw (content_vector vector_cosine_ops);
`, dimensions)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// VectorSearch orders by cosine distance and reports 1 - distance as score.
func (s *ChunkStore) VectorSearch(ctx context.Context, vector []float32, documentIDs []string, limit int) ([]domain.ScoredChunk, error) {
	if len(documentIDs) == 0 || limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, document_id, content, content_vector, chunk_index, COALESCE(source_meta::text, ''), content_keywords,
	1 - (content_vector <=> $1) AS score
FROM chunks
WHERE document_id = ANY($2) AND content_vector IS NOT NULL
ORDER BY content_vector <=> $1
LIMIT $3
`, pgvector.NewVector(vector), documentIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search query: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoredChunk, 0, limit)
	for rows.Next() {
		var (
			chunk domain.ScoredChunk
			vec   pgvector.Vector
		)
		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Content, &vec, &chunk.ChunkIndex,
			&chunk.SourceMeta, &chunk.Keywords, &chunk.Score,
		); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		chunk.Vector = vec.Slice()
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector hits: %w", err)
	}
	return out, nil
}

// LexicalSearch accepts "a OR b" style queries and ranks with ts_rank.
func (s *ChunkStore) LexicalSearch(ctx context.Context, query string, documentIDs []string, limit int) ([]domain.ScoredChunk, error) {
	if len(documentIDs) == 0 || limit <= 0 || strings.TrimSpace(query) == "" {
		return []domain.ScoredChunk{}, nil
	}
	query = websearchQuery(query)
	if query == "" {
		return []domain.ScoredChunk{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, document_id, content, chunk_index, COALESCE(source_meta::text, ''), content_keywords,
	ts_rank(content_search, websearch_to_tsquery('simple', $1)) AS score
FROM chunks
WHERE document_id = ANY($2) AND content_search @@ websearch_to_tsquery('simple', $1)
ORDER BY score DESC
LIMIT $3
`, query, documentIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search query: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoredChunk, 0, limit)
	for rows.Next() {
		var chunk domain.ScoredChunk
		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Content, &chunk.ChunkIndex,
			&chunk.SourceMeta, &chunk.Keywords, &chunk.Score,
		); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lexical hits: %w", err)
	}
	return out, nil
}

// IndexChunks upserts chunks in one transaction.
func (s *ChunkStore) IndexChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, document_id, content, content_vector, chunk_index, source_meta, content_keywords)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, $7)
ON CONFLICT (id) DO UPDATE SET
	document_id = EXCLUDED.document_id,
	content = EXCLUDED.content,
	content_vector = EXCLUDED.content_vector,
	chunk_index = EXCLUDED.chunk_index,
	source_meta = EXCLUDED.source_meta,
	content_keywords = EXCLUDED.content_keywords
`)
	if err != nil {
		return fmt.Errorf("prepare chunk upsert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.DocumentID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "index chunks", fmt.Errorf("chunk id and document id are required"))
		}
		var vec any
		if len(chunk.Vector) > 0 {
			vec = pgvector.NewVector(chunk.Vector)
		}
		if _, err := stmt.ExecContext(ctx,
			chunk.ID, chunk.DocumentID, chunk.Content, vec, chunk.ChunkIndex, chunk.SourceMeta, chunk.Keywords,
		); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// websearchQuery quotes every word so terms such as "or" or "-x" stay
// operands of websearch_to_tsquery. Words of one term are ANDed, terms are ORed.
func websearchQuery(query string) string {
	terms := domain.SplitLexicalTerms(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		words := strings.Fields(strings.ReplaceAll(term, `"`, " "))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = `"` + w + `"`
		}
		quoted = append(quoted, strings.Join(words, " "))
	}
	return strings.Join(quoted, domain.LexicalTermSeparator)
}
