package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/askdocs/askdocs/internal/app"
	"github.com/askdocs/askdocs/internal/config"
	"github.com/askdocs/askdocs/internal/log"
)

var indexCmd = &cobra.Command{
	Use:   "index [url...]",
	Short: "Crawl and index documentation, then exit",
	Long: `Crawls the given documentation URLs (or the configured doc_urls when
none are given), embeds every readable page, and writes the result to
the document store. Run it to pre-populate the index before serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(args)
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(urls []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(urls) == 0 {
		urls = cfg.DocURLs
	}

	logger := log.New(log.Config{Level: slog.LevelInfo})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if err := a.Loader.Load(ctx, urls); err != nil {
		return fmt.Errorf("indexing documentation: %w", err)
	}

	count, err := a.DocStore.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting documents: %w", err)
	}
	fmt.Printf("Indexed %d documents\n", count)
	return nil
}
