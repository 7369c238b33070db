package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-retrieval/internal/bootstrap"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
)

var indexCmd = &cobra.Command{
	Use:   "index <corpus.jsonl>",
	Short: "Embed and index a JSONL chunk corpus",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	chunks, err := readCorpus(f)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		fmt.Println("Corpus is empty, nothing to index.")
		return nil
	}

	return seedChunks(cmd.Context(), cfg, chunks)
}

// seedChunks embeds and writes chunks through the configured store.
func seedChunks(ctx context.Context, cfg config.Config, chunks []domain.Chunk) error {
	logger := logging.NewStderrLogger(cfg.ServiceName+"-seed", cfg.LogLevel, false)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	bar := progressbar.NewOptions(len(chunks),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	s := seeder{
		embedder:  app.Embedder,
		indexer:   app.Indexer,
		segmenter: app.Segmenter,
		stopWords: app.StopWords,
		batchSize: batchSize,
	}
	indexed, err := s.seed(ctx, chunks, func(n int) {
		_ = bar.Add(n)
	})
	if err != nil {
		return fmt.Errorf("indexing failed after %d chunks: %w", indexed, err)
	}

	fmt.Printf("\nIndexing complete:\n")
	fmt.Printf("  Chunks indexed: %d\n", indexed)
	fmt.Printf("  Documents:      %d\n", countDocuments(chunks))
	fmt.Printf("  Store:          %s\n", cfg.ChunkStore)
	return nil
}
