package cmd

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urekai/urekai-engine/pkg/config"
	"github.com/urekai/urekai-engine/pkg/database"
)

var migrateStatusOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if !migrateStatusOnly {
			return migrate(cfg, logger)
		}

		sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer sqlDB.Close()

		status, err := database.GetMigrationStatus(sqlDB, logger)
		if err != nil {
			return err
		}
		if !status.Applied {
			fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", status.Version, status.Dirty)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusOnly, "status", false, "Print the current schema version instead of migrating")
}

func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, logger)
}
