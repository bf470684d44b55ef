package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/migrations"
)

// Migrate applies every pending up migration embedded in the binary.
func Migrate(databaseURL string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("migrations: no migrations applied")
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	case dirty:
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Info("migrations: database is up to date", zap.Uint("version", version))
	default:
		logger.Info("migrations: applied", zap.Uint("version", version))
	}
	return nil
}
