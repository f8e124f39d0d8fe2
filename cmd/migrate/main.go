// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/serviceability-scanner/internal/config"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		path   = flag.String("path", "migrations/postgres", "Directory holding the migration files")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("action", *action)

	if _, err := os.Stat(*path); os.IsNotExist(err) {
		logger.WithField("path", *path).Fatal("Migrations directory not found")
	}

	if err := runMigrations(cfg.Database.Postgres.PostgresDSN(), *path, *action, logger); err != nil {
		logger.WithError(err).Fatal("Postgres migration failed")
	}
}

func runMigrations(databaseURL, migrationsPath, action string, logger *logging.Logger) error {
	switch action {
	case "up":
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migrations completed successfully")

	case "down":
		logger.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.Infof("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
