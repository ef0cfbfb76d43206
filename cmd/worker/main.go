package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"creatorescrow/internal/config"
	"creatorescrow/internal/db"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/services"
	"creatorescrow/internal/store"
	"creatorescrow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "event", "worker.config_failed", "module", "worker", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("db connect failed", "event", "worker.db_failed", "module", "worker", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	client := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.ProcessorTimeout())
	reconciler := &payments.Reconciler{
		Store:         st,
		Secret:        cfg.Webhook.Secret,
		Tolerance:     cfg.WebhookTolerance(),
		LookupRetries: cfg.Webhook.LookupRetries,
		LookupBackoff: cfg.LookupBackoff(),
		AutoPayout:    cfg.Payouts.AutoCreate,
		Logger:        logger,
	}
	checkout := &services.CheckoutService{
		Store:            st,
		Processor:        client,
		Reconciler:       reconciler,
		ProcessorTimeout: cfg.ProcessorTimeout(),
		Logger:           logger,
	}

	w := &worker.Worker{
		Store:      st,
		Poller:     checkout,
		Interval:   cfg.WorkerInterval(),
		StaleAfter: cfg.StaleAfter(),
		BatchSize:  cfg.Worker.BatchSize,
		Logger:     logger,
	}

	logger.Info("worker started", "event", "worker.started", "module", "worker", "layer", "cmd",
		"interval", cfg.WorkerInterval().String(), "stale_after", cfg.StaleAfter().String())
	w.Run(ctx)
	logger.Info("worker stopped", "event", "worker.stopped", "module", "worker", "layer", "cmd")
}
