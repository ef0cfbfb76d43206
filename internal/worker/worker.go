// Package worker recovers payments whose processor notifications never
// arrived by asking the processor directly.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/store"
)

// Poller fetches a session from the processor and applies its outcome.
type Poller interface {
	Poll(ctx context.Context, sessionID string) (*models.Payment, error)
}

type Worker struct {
	Store      store.Repository
	Poller     Poller
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Logger     *slog.Logger
	Now        func() time.Time
}

type SweepResult struct {
	Checked int
	Settled int
	Failed  int
	Errors  int
	Pending int
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger().Error("sweep failed", "event", "worker.sweep_failed", "module", "worker", "layer", "sweeper", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce checks one batch of payments that have been pending longer than
// StaleAfter. Per-payment errors are logged and counted; only a failure to
// list the batch is returned.
func (w *Worker) SyncOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := time.Now().UTC()
	if w.Now != nil {
		now = w.Now().UTC()
	}
	staleAfter := w.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}

	stale, err := w.Store.ListStalePayments(ctx, now.Add(-staleAfter), w.BatchSize)
	if err != nil {
		return res, err
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		updated, err := w.Poller.Poll(ctx, p.SessionID)
		if err != nil {
			res.Errors++
			w.logger().Warn("poll stale payment failed", "event", "worker.poll_failed", "module", "worker", "layer", "sweeper",
				"payment_id", p.ID, "session_id", p.SessionID, "error", err)
			if errors.Is(err, domainerr.ErrStoreUnavailable) {
				return res, err
			}
			continue
		}
		switch {
		case updated == nil || updated.Status == models.PaymentPending:
			res.Pending++
		case updated.Status == models.PaymentPaidEscrow || updated.Status == models.PaymentReleased:
			res.Settled++
		default:
			res.Failed++
		}
	}
	if res.Checked > 0 {
		w.logger().Info("sweep finished", "event", "worker.sweep", "module", "worker", "layer", "sweeper",
			"checked", res.Checked, "settled", res.Settled, "failed", res.Failed, "pending", res.Pending, "errors", res.Errors)
	}
	return res, nil
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
