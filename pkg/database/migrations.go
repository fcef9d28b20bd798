package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/migrations"
)

// MigrationStatus is the schema version recorded in schema_migrations.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool // false on a database no migration has touched
}

// RunMigrations applies the embedded schema migrations (csv_queue, excel_queue and
// analysis_data). Only pending migrations are executed.
func RunMigrations(db *sql.DB, logger *zap.Logger) error {
	return withMigrator(db, logger, func(m *migrate.Migrate) error {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to apply (database up-to-date)")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		newVersion, _, _ := m.Version()
		logger.Info("Applied migrations successfully", zap.Uint("version", newVersion))
		return nil
	})
}

// GetMigrationStatus reports the current schema version without changing anything.
func GetMigrationStatus(db *sql.DB, logger *zap.Logger) (MigrationStatus, error) {
	var status MigrationStatus
	err := withMigrator(db, logger, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		status = MigrationStatus{Version: version, Dirty: dirty, Applied: true}
		return nil
	})
	return status, err
}

func withMigrator(db *sql.DB, logger *zap.Logger, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	return fn(m)
}
