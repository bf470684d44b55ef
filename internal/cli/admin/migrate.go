package admin

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/database"
)

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply every pending migration to DOCRAG_DATABASE_URL and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.HasDatabase() {
				return fmt.Errorf("DOCRAG_DATABASE_URL is not set")
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return database.Migrate(cfg.DatabaseURL, logger)
		},
	}
}
