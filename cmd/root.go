// Package cmd implements the askdocs command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "askdocs",
	Short: "askdocs - documentation chat assistant",
	Long: `askdocs answers questions about a documentation site.

It crawls and indexes the configured documentation, then serves a chat
API with per-user rate limiting in front of the answer pipeline.

Run "askdocs serve" to start the HTTP API server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
