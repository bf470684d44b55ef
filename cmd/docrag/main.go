package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/docrag/internal/cli"
	"github.com/cloo-solutions/docrag/internal/cli/client"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "docrag",
		Short: "docrag CLI - ingest documents and query them",
		Long: `docrag CLI submits documents to a docrag server and retrieves ranked context or answers.

Environment variables:
  DOCRAG_API_URL   API base URL (default: http://localhost:8080)`,
		Version: version,
	}

	rootCmd.PersistentFlags().Bool("output", false, "Output as JSON")
	rootCmd.PersistentFlags().String("api-url", "", "API base URL (overrides env and config)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "HTTP request timeout (default 60s)")
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.ConfigureCmd())
	rootCmd.AddCommand(client.IngestCmd())
	rootCmd.AddCommand(client.IngestTextCmd())
	rootCmd.AddCommand(client.StatusCmd())
	rootCmd.AddCommand(client.ListCmd())
	rootCmd.AddCommand(client.DeleteCmd())
	rootCmd.AddCommand(client.QueryCmd())
	rootCmd.AddCommand(client.AskCmd())

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
