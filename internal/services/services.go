// Package services holds the offer lifecycle, checkout and payout
// operations exposed by the API.
package services

import (
	"log/slog"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/notify"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Admin bool
}

func (a Actor) require() error {
	if a.ID == "" {
		return domainerr.Invalid("actor", "missing user id")
	}
	return nil
}

func forbidden(action string) error {
	return &forbiddenError{action: action}
}

type forbiddenError struct{ action string }

func (e *forbiddenError) Error() string { return "not allowed to " + e.action }

func (e *forbiddenError) Unwrap() error { return domainerr.ErrForbidden }

func offerPrecondition(offer *models.Offer, required ...models.OfferStatus) error {
	return &domainerr.PreconditionError{
		Entity:   "offer",
		ID:       offer.ID,
		Current:  string(offer.Status),
		Required: models.OfferStatusStrings(required),
	}
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func resolveNow(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}

func resolveNotifier(n notify.Publisher) notify.Publisher {
	if n == nil {
		return notify.Discard
	}
	return n
}
