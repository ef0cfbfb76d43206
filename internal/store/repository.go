package store

import (
	"context"
	"time"

	"creatorescrow/internal/models"
)

// OfferUpdate carries the optional side effects of an offer transition.
type OfferUpdate struct {
	AppendNote string
}

// PaymentUpdate carries the optional side effects of a payment transition.
// Empty fields leave the stored value untouched.
type PaymentUpdate struct {
	PaymentIntent string
	FailureReason string
	PaidAt        *time.Time
	Event         *models.WebhookEvent
}

type ReleaseParams struct {
	ReferenceNumber string
	AdminNotes      string
	ReleasedBy      string
	ReleasedAt      time.Time
}

// Repository is the engine's view of the relational store. Every Transition
// and Release method is a single conditional update: it applies only while
// the row is still in one of the expected statuses and reports whether it did.
// When it did not, the current row is returned with applied=false.
type Repository interface {
	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	UpdateOfferTerms(ctx context.Context, offer *models.Offer) (*models.Offer, bool, error)
	TransitionOffer(ctx context.Context, id string, from []models.OfferStatus, to models.OfferStatus, upd OfferUpdate) (*models.Offer, bool, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (*models.Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error)
	GetActivePayment(ctx context.Context, offerID string) (*models.Payment, error)
	TransitionPayment(ctx context.Context, sessionID string, from []models.PaymentStatus, to models.PaymentStatus, upd PaymentUpdate) (*models.Payment, bool, error)
	AnnotatePayment(ctx context.Context, sessionID string, upd PaymentUpdate) (*models.Payment, bool, error)
	ListStalePayments(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Payment, error)

	CreatePayout(ctx context.Context, payout *models.Payout) (bool, error)
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	ListPayoutsByPayment(ctx context.Context, paymentID string) ([]*models.Payout, error)
	ReleasePayout(ctx context.Context, id string, p ReleaseParams) (*models.Payout, bool, error)
}
