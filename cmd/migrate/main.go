package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/storage"
)

func main() {
	var (
		command = flag.String("command", "", "Migration command: up, down, create")
		name    = flag.String("name", "", "Migration name (for create)")
		dir     = flag.String("dir", storage.DefaultMigrationsDir, "Migrations directory")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	if *command == "create" {
		if *name == "" {
			logger.Error("migration name is required for create command")
			os.Exit(1)
		}
		up, down, err := storage.CreateMigrationFiles(*dir, *name)
		if err != nil {
			logger.Error("failed to create migration", "error", err)
			os.Exit(1)
		}
		logger.Info("migration created", "up", up, "down", down)
		return
	}
	if *command != "up" && *command != "down" {
		fmt.Fprintf(os.Stderr, "Usage: %s -command [up|down|create] [-name migration_name] [-dir migrations]\n", os.Args[0])
		os.Exit(1)
	}

	if cfg.Database.URL == "" {
		logger.Error("DB_URL is required for migrations")
		os.Exit(1)
	}
	migrator, err := storage.NewMigrator(cfg.Database.URL, *dir, logger)
	if err != nil {
		logger.Error("failed to create migrator", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()

	ctx := context.Background()
	switch *command {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Error("migration up failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied successfully")
	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Error("migration down failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migration rolled back successfully")
	}
}
