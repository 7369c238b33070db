package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load chunk corpora into the retrieval store",
	Long: `seed embeds chunks from a JSONL corpus and writes them into the configured
chunk store (postgres or qdrant) so the retrieval API has something to search.

Each line is one chunk:
  {"id": "...", "document_id": "doc-1", "content": "...", "chunk_index": 0, "source_meta": "{}"}

Example usage:
  seed index corpus.jsonl
  seed index --batch-size 32 corpus.jsonl
  seed docs --chunk-size 900 ./notes     # chunk .txt/.md files first`,
	SilenceUsage: true,
}

var batchSize int

func init() {
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", defaultBatchSize, "chunks embedded per request")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
