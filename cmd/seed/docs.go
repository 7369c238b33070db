package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/extractor/plaintext"
)

// chunkNamespace derives stable chunk ids so re-seeding a directory upserts.
var chunkNamespace = uuid.MustParse("0b7d6f1e-52c4-4d3a-9a57-5f0f8c3e2a11")

var (
	chunkSize    int
	chunkOverlap int
)

var docsCmd = &cobra.Command{
	Use:   "docs <dir>",
	Short: "Chunk, embed and index the text files under a directory",
	Long: `Walk a directory, split every .txt, .md, .markdown and .rst file into
overlapping chunks and index them. The document id is the file path relative
to the directory, so search scopes can name files directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocs,
}

func init() {
	docsCmd.Flags().IntVar(&chunkSize, "chunk-size", 900, "chunk length in characters")
	docsCmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 150, "characters shared by neighbouring chunks")
	rootCmd.AddCommand(docsCmd)
}

func runDocs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	fmt.Printf("Scanning %s...\n", root)

	chunks, skipped, err := loadDocuments(root, chunking.NewSplitter(chunkSize, chunkOverlap))
	if err != nil {
		return err
	}
	for _, s := range skipped {
		fmt.Printf("  skipped: %s\n", s)
	}
	if len(chunks) == 0 {
		fmt.Println("No text documents found, nothing to index.")
		return nil
	}
	return seedChunks(cmd.Context(), cfg, chunks)
}

// loadDocuments chunks every supported file under root. Unreadable or binary
// files are reported in skipped rather than failing the walk.
func loadDocuments(root string, splitter *chunking.Splitter) ([]domain.Chunk, []string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("path is not a directory: %s", root)
	}

	var (
		chunks  []domain.Chunk
		skipped []string
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !plaintext.Supported(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		documentID := filepath.ToSlash(rel)

		text, err := readDocument(path)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (%v)", documentID, err))
			return nil
		}
		chunks = append(chunks, documentChunks(documentID, splitter.Split(text))...)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return chunks, skipped, nil
}

func readDocument(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return plaintext.Extract(f, filepath.Base(path))
}

func documentChunks(documentID string, parts []string) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(parts))
	for i, part := range parts {
		meta, _ := json.Marshal(map[string]any{"source": documentID, "chunk": i})
		out = append(out, domain.Chunk{
			ID:         uuid.NewSHA1(chunkNamespace, []byte(documentID+"#"+strconv.Itoa(i))).String(),
			DocumentID: documentID,
			Content:    part,
			ChunkIndex: i,
			SourceMeta: string(meta),
		})
	}
	return out
}
