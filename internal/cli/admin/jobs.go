package admin

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/repository"
)

func JobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage ingestion jobs",
		Long:  "Report ingestion job counts and redrive dead-lettered jobs (requires DOCRAG_DATABASE_URL)",
	}

	cmd.AddCommand(JobsStatsCmd())
	cmd.AddCommand(JobsRedriveCmd())

	return cmd
}

func JobsStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE:  runJobsStats,
	}

	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")

	return cmd
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := exitOnSignal()
	defer cancel()
	outputFormat, _ := cmd.Flags().GetString("output")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	counts, err := repository.NewIngestionJobRepository(pool).CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}

	if outputFormat == "json" {
		jsonBytes, _ := json.MarshalIndent(counts, "", "  ")
		fmt.Println(string(jsonBytes))
		return nil
	}

	if len(counts) == 0 {
		fmt.Println("No ingestion jobs.")
		return nil
	}
	fmt.Printf("%-12s %s\n", "STATUS", "COUNT")
	for _, status := range []domain.IngestionJobStatus{
		domain.IngestionJobStatusPending,
		domain.IngestionJobStatusProcessing,
		domain.IngestionJobStatusDone,
		domain.IngestionJobStatusDead,
	} {
		fmt.Printf("%-12s %d\n", status, counts[status])
	}
	return nil
}

func JobsRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive",
		Short: "Requeue dead-lettered jobs",
		Long:  "Move every dead-lettered job back to pending with a fresh attempt count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := exitOnSignal()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := repository.NewIngestionJobRepository(pool).Redrive(ctx)
			if err != nil {
				return fmt.Errorf("failed to redrive jobs: %w", err)
			}
			logger.Info("redrove dead-lettered jobs", zap.Int64("count", n))
			fmt.Printf("Requeued %d job(s)\n", n)
			return nil
		},
	}
}
