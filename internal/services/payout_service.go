package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/notify"
	"creatorescrow/internal/store"

	"github.com/google/uuid"
)

type ReleaseInput struct {
	ReferenceNumber string `json:"reference_number"`
	Notes           string `json:"notes"`
}

type CreatePayoutInput struct {
	PaymentID       string              `json:"payment_id"`
	Amount          int64               `json:"amount"`
	Method          models.PayoutMethod `json:"method"`
	ReferenceNumber string              `json:"reference_number,omitempty"`
	Notes           string              `json:"notes,omitempty"`
}

// PayoutService is the admin-only release controller.
type PayoutService struct {
	Store    store.Repository
	Notifier notify.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

// Release marks a pending payout paid out. The payout update is the only
// step that must succeed; moving the payment and offer along afterwards is
// best effort and each step is a no-op if already done.
func (s *PayoutService) Release(ctx context.Context, actor Actor, payoutID string, in ReleaseInput) (*models.Payout, error) {
	if !actor.Admin {
		return nil, forbidden("release payouts")
	}
	payout, err := s.Store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != models.PayoutPending {
		return nil, payoutPrecondition(payout)
	}

	payment, err := s.Store.GetPayment(ctx, payout.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentPaidEscrow && payment.Status != models.PaymentReleased {
		return nil, &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payment.ID,
			Current:  string(payment.Status),
			Required: []string{string(models.PaymentPaidEscrow), string(models.PaymentReleased)},
		}
	}

	released, applied, err := s.Store.ReleasePayout(ctx, payoutID, store.ReleaseParams{
		ReferenceNumber: strings.TrimSpace(in.ReferenceNumber),
		AdminNotes:      strings.TrimSpace(in.Notes),
		ReleasedBy:      actor.ID,
		ReleasedAt:      resolveNow(s.Now),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, payoutPrecondition(released)
	}
	logger := s.logger().With("payout_id", released.ID, "payment_id", released.PaymentID, "offer_id", released.OfferID)
	logger.Info("payout released", "event", "payout.released", "module", "services", "layer", "payout", "amount", released.Amount)

	if p, ok, err := s.Store.TransitionPayment(ctx, payment.SessionID,
		[]models.PaymentStatus{models.PaymentPaidEscrow}, models.PaymentReleased, store.PaymentUpdate{}); err != nil {
		logger.Error("release payment failed", "event", "payout.payment_release_failed", "module", "services", "layer", "payout", "error", err)
	} else if ok {
		s.notifier().Publish(notify.Update{OfferID: p.OfferID, Entity: "payment", EntityID: p.ID, Status: string(p.Status)})
	}

	if o, ok, err := s.Store.TransitionOffer(ctx, released.OfferID,
		models.OfferSourcesFor(models.OfferReleased), models.OfferReleased, store.OfferUpdate{}); err != nil {
		logger.Error("release offer failed", "event", "payout.offer_release_failed", "module", "services", "layer", "payout", "error", err)
	} else if ok {
		s.notifier().Publish(notify.Update{OfferID: o.ID, Entity: "offer", EntityID: o.ID, Status: string(o.Status)})
	}

	s.notifier().Publish(notify.Update{OfferID: released.OfferID, Entity: "payout", EntityID: released.ID, Status: string(released.Status)})
	return released, nil
}

// CreateManual records an admin-arranged payout against an escrowed payment.
// The store checks the earnings cap atomically with the insert.
func (s *PayoutService) CreateManual(ctx context.Context, actor Actor, in CreatePayoutInput) (*models.Payout, error) {
	if !actor.Admin {
		return nil, forbidden("create payouts")
	}
	if in.Amount <= 0 {
		return nil, domainerr.Invalid("amount", "must be positive")
	}
	method := in.Method
	if method == "" {
		method = models.PayoutManual
	}
	if method != models.PayoutManual && method != models.PayoutProcessor {
		return nil, domainerr.Invalid("method", "must be manual or processor")
	}

	if in.PaymentID == "" {
		return nil, domainerr.Invalid("payment_id", "is required")
	}
	payment, err := s.Store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}

	now := resolveNow(s.Now)
	payout := &models.Payout{
		ID:              uuid.NewString(),
		PaymentID:       payment.ID,
		OfferID:         payment.OfferID,
		RecipientID:     payment.FulfillerID,
		Amount:          in.Amount,
		Currency:        payment.Currency,
		Method:          method,
		Status:          models.PayoutPending,
		ReferenceNumber: strings.TrimSpace(in.ReferenceNumber),
		AdminNotes:      strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := s.Store.CreatePayout(ctx, payout)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payment.ID,
			Current:  "has processor payout",
			Required: []string{"no processor payout"},
		}
	}
	s.logger().Info("payout created", "event", "payout.created", "module", "services", "layer", "payout",
		"payout_id", payout.ID, "payment_id", payment.ID, "amount", payout.Amount, "method", payout.Method)
	return payout, nil
}

func (s *PayoutService) Get(ctx context.Context, actor Actor, id string) (*models.Payout, error) {
	if !actor.Admin {
		return nil, forbidden("view payouts")
	}
	return s.Store.GetPayout(ctx, id)
}

func (s *PayoutService) ListByPayment(ctx context.Context, actor Actor, paymentID string) ([]*models.Payout, error) {
	if !actor.Admin {
		return nil, forbidden("view payouts")
	}
	return s.Store.ListPayoutsByPayment(ctx, paymentID)
}

func payoutPrecondition(p *models.Payout) error {
	return &domainerr.PreconditionError{
		Entity:   "payout",
		ID:       p.ID,
		Current:  string(p.Status),
		Required: []string{string(models.PayoutPending)},
	}
}

func (s *PayoutService) logger() *slog.Logger {
	return resolveLogger(s.Logger)
}

func (s *PayoutService) notifier() notify.Publisher {
	return resolveNotifier(s.Notifier)
}
