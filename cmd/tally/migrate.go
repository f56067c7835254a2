package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/config"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(func(m *migrate.Migrate) error {
			if migrateSteps > 0 {
				return m.Steps(migrateSteps)
			}
			return m.Up()
		}, "migrations applied")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll migrations back",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(func(m *migrate.Migrate) error {
			if migrateSteps > 0 {
				return m.Steps(-migrateSteps)
			}
			return m.Down()
		}, "migrations rolled back")
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				slog.Info("no migrations applied yet")
				return nil
			}
			if err != nil {
				return err
			}
			slog.Info("schema version", "version", version, "dirty", dirty)
			return nil
		}, "")
	},
}

func init() {
	migrateCmd.PersistentFlags().IntVar(&migrateSteps, "steps", 0, "number of migrations to apply or roll back (0 = all)")
	migrateCmd.AddCommand(migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigration(fn func(*migrate.Migrate) error, doneMsg string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	m, err := migrate.New(cfg.MigrationsSource(), cfg.DatabaseURLForMigrate())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	if doneMsg != "" {
		slog.Info(doneMsg, "steps", migrateSteps)
	}
	return nil
}
