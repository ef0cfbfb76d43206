package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creatorescrow/internal/config"
	"creatorescrow/internal/db"
	internalhttp "creatorescrow/internal/http"
	"creatorescrow/internal/notify"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/pricing"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/services"
	"creatorescrow/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "event", "api.config_failed", "module", "api", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("db connect failed", "event", "api.db_failed", "module", "api", "layer", "cmd", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	client := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.ProcessorTimeout())
	hub := notify.NewHub(logger, cfg.Server.AllowedOrigins)

	reconciler := &payments.Reconciler{
		Store:         st,
		Secret:        cfg.Webhook.Secret,
		Tolerance:     cfg.WebhookTolerance(),
		LookupRetries: cfg.Webhook.LookupRetries,
		LookupBackoff: cfg.LookupBackoff(),
		AutoPayout:    cfg.Payouts.AutoCreate,
		Notifier:      hub,
		Logger:        logger,
	}
	h := &internalhttp.Handler{
		Offers: &services.OfferService{
			Store:      st,
			Pricing:    pricing.Service{DefaultFeePct: cfg.Pricing.DefaultFeePct},
			Notifier:   hub,
			Logger:     logger,
			Processor:  client,
			Reconciler: reconciler,
		},
		Checkout: &services.CheckoutService{
			Store:            st,
			Processor:        client,
			Reconciler:       reconciler,
			SessionTTL:       cfg.SessionTTL(),
			ProcessorTimeout: cfg.ProcessorTimeout(),
			AllowedOrigins:   cfg.Checkout.AllowedOrigins,
			SuccessPath:      cfg.Checkout.SuccessPath,
			CancelPath:       cfg.Checkout.CancelPath,
			Logger:           logger,
		},
		Payouts:    &services.PayoutService{Store: st, Notifier: hub, Logger: logger},
		Reconciler: reconciler,
		Hub:        hub,
		Logger:     logger,
	}
	srv := internalhttp.NewServer(h, internalhttp.ServerConfig{
		Auth: internalhttp.AuthConfig{
			JWTSecret:      cfg.Auth.JWTSecret,
			AdminRole:      cfg.Auth.AdminRole,
			HeaderFallback: cfg.Auth.HeaderFallback,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "event", "api.listening", "module", "api", "layer", "cmd", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "event", "api.serve_failed", "module", "api", "layer", "cmd", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown incomplete", "event", "api.shutdown_failed", "module", "api", "layer", "cmd", "error", err)
	}
}
