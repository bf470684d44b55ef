package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/docrag/internal/cli"
	"github.com/cloo-solutions/docrag/internal/cli/admin"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docragd",
		Short: "docrag daemon and admin CLI",
		Long:  "docrag daemon for serving the query and ingestion API, running ingestion workers and managing jobs",
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.JobsCmd())
	rootCmd.AddCommand(admin.MigrateCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
