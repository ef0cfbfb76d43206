package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"creatorescrow/internal/config"
	"creatorescrow/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dir := flag.String("dir", "migrations", "directory holding .sql migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "event", "migrate.config_failed", "module", "migrate", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("db connect failed", "event", "migrate.db_failed", "module", "migrate", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool, *dir, logger)
	if err != nil {
		logger.Error("migration failed", "event", "migrate.failed", "module", "migrate", "layer", "cmd", "error", err)
		pool.Close()
		os.Exit(1)
	}
	logger.Info("migrations complete", "event", "migrate.done", "module", "migrate", "layer", "cmd", "applied", len(applied))
}
