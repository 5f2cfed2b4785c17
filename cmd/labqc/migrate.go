package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/labqc-server/internal/database"
	"github.com/labqc-server/internal/logging"
)

func migrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(*configFile, func(mr *database.MigrationRunner, _ *logrus.Logger) error {
				return mr.Up(cmd.Context())
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations, all of them unless --steps is set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(*configFile, func(mr *database.MigrationRunner, _ *logrus.Logger) error {
				if steps > 0 {
					return mr.Steps(cmd.Context(), -steps)
				}
				return mr.Down(cmd.Context())
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(*configFile, func(mr *database.MigrationRunner, _ *logrus.Logger) error {
				status, err := mr.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", status.Version, status.Dirty)
				return nil
			})
		},
	})

	return cmd
}

func withMigrations(configFile string, fn func(*database.MigrationRunner, *logrus.Logger) error) error {
	manager, err := loadManager(configFile)
	if err != nil {
		return err
	}
	cfg := manager.GetConfig()

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	mr, err := database.NewMigrationRunner(manager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mr.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migration runner")
		}
	}()

	return fn(mr, logger)
}
