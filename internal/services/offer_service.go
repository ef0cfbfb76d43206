package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/notify"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/pricing"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/store"

	"github.com/google/uuid"
)

type CreateOfferInput struct {
	CampaignID     string            `json:"campaign_id"`
	PayerID        string            `json:"payer_id"`
	FulfillerID    string            `json:"fulfiller_id"`
	Items          []models.LineItem `json:"items"`
	PlatformFeePct string            `json:"platform_fee_pct,omitempty"`
	Currency       models.Currency   `json:"currency"`
	Notes          string            `json:"notes,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

// UpdateOfferInput is a partial update. Status only accepts "sent" and
// "cancelled", which run through the same guards as Send and Cancel.
type UpdateOfferInput struct {
	Items     []models.LineItem   `json:"items,omitempty"`
	Currency  models.Currency     `json:"currency,omitempty"`
	Notes     *string             `json:"notes,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	Status    *models.OfferStatus `json:"status,omitempty"`
}

type OfferService struct {
	Store    store.Repository
	Pricing  pricing.Service
	Notifier notify.Publisher
	Logger   *slog.Logger
	Now      func() time.Time

	// Processor, when set, is asked about the open checkout session of an
	// offer cancelled after acceptance. A session found paid is settled
	// through Reconciler and the cancel is refused.
	Processor  processor.Client
	Reconciler *payments.Reconciler
}

func (s *OfferService) Create(ctx context.Context, actor Actor, in CreateOfferInput) (*models.Offer, error) {
	if err := actor.require(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CampaignID) == "" {
		return nil, domainerr.Invalid("campaign_id", "is required")
	}
	if in.PayerID == "" || in.FulfillerID == "" {
		return nil, domainerr.Invalid("payer_id", "payer and fulfiller are required")
	}
	if in.PayerID == in.FulfillerID {
		return nil, domainerr.Invalid("fulfiller_id", "must differ from payer")
	}
	if actor.ID != in.PayerID && actor.ID != in.FulfillerID {
		return nil, forbidden("create an offer for other parties")
	}
	if in.Currency == "" {
		in.Currency = models.USD
	}
	if !in.Currency.Valid() {
		return nil, domainerr.Invalid("currency", "must be one of USD, MYR, SGD")
	}
	if in.PlatformFeePct != "" && !actor.Admin {
		return nil, forbidden("set the platform fee")
	}
	now := resolveNow(s.Now)
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, domainerr.Invalid("expires_at", "must be in the future")
	}

	quote, err := s.Pricing.Quote(in.Items, in.PlatformFeePct)
	if err != nil {
		return nil, err
	}

	offer := &models.Offer{
		ID:          uuid.NewString(),
		CampaignID:  in.CampaignID,
		PayerID:     in.PayerID,
		FulfillerID: in.FulfillerID,
		CreatedBy:   actor.ID,
		Items:       models.Items(in.Items),
		Currency:    in.Currency,
		Status:      models.OfferDrafted,
		Notes:       in.Notes,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	quote.Apply(offer)
	if err := s.Store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	s.logger().Info("offer drafted", "event", "offer.created", "module", "services", "layer", "offer",
		"offer_id", offer.ID, "total", offer.Total, "currency", offer.Currency)
	return offer, nil
}

func (s *OfferService) Get(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Store.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != offer.PayerID && actor.ID != offer.FulfillerID {
		return nil, forbidden("view this offer")
	}
	return offer, nil
}

// Update changes the terms of a drafted or sent offer and re-prices it.
// Stored totals are always recomputed server side.
func (s *OfferService) Update(ctx context.Context, actor Actor, id string, in UpdateOfferInput) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	if in.Items != nil || in.Currency != "" || in.Notes != nil || in.ExpiresAt != nil {
		if actor.ID != offer.CreatedBy && !actor.Admin {
			return nil, forbidden("edit this offer")
		}
		if !offer.Status.Editable() {
			return nil, offerPrecondition(offer, models.OfferDrafted, models.OfferSent)
		}
		if in.Items != nil {
			offer.Items = models.Items(in.Items)
		}
		if in.Currency != "" {
			if !in.Currency.Valid() {
				return nil, domainerr.Invalid("currency", "must be one of USD, MYR, SGD")
			}
			offer.Currency = in.Currency
		}
		if in.Notes != nil {
			offer.Notes = *in.Notes
		}
		if in.ExpiresAt != nil {
			if !in.ExpiresAt.After(resolveNow(s.Now)) {
				return nil, domainerr.Invalid("expires_at", "must be in the future")
			}
			offer.ExpiresAt = in.ExpiresAt
		}
		quote, err := s.Pricing.Quote(offer.Items, offer.PlatformFeePct)
		if err != nil {
			return nil, err
		}
		quote.Apply(offer)

		updated, applied, err := s.Store.UpdateOfferTerms(ctx, offer)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, offerPrecondition(updated, models.OfferDrafted, models.OfferSent)
		}
		offer = updated
	}

	if in.Status == nil {
		return offer, nil
	}
	switch *in.Status {
	case models.OfferSent:
		return s.Send(ctx, actor, id)
	case models.OfferCancelled:
		return s.Cancel(ctx, actor, id)
	default:
		return nil, domainerr.Invalid("status", "only sent or cancelled may be requested")
	}
}

func (s *OfferService) Send(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.CreatedBy {
		return nil, forbidden("send this offer")
	}
	if offer.Expired(resolveNow(s.Now)) {
		return nil, domainerr.Invalid("expires_at", "offer has already expired")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferDrafted}, models.OfferSent, "")
}

func (s *OfferService) Accept(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.Counterparty() {
		return nil, forbidden("accept this offer")
	}
	if offer.Status == models.OfferSent && offer.Expired(resolveNow(s.Now)) {
		return nil, &domainerr.PreconditionError{
			Entity:   "offer",
			ID:       offer.ID,
			Current:  "expired",
			Required: []string{string(models.OfferSent)},
		}
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferSent}, models.OfferAccepted, "")
}

func (s *OfferService) Reject(ctx context.Context, actor Actor, id, reason string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.Counterparty() {
		return nil, forbidden("reject this offer")
	}
	note := "rejected"
	if r := strings.TrimSpace(reason); r != "" {
		note += ": " + r
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferSent}, models.OfferCancelled, note)
}

// Cancel withdraws an offer that has not been paid. A pending checkout for
// the offer is cancelled with it.
func (s *OfferService) Cancel(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if offer.Status == models.OfferAccepted {
		if err := s.retireCheckout(ctx, offer.ID); err != nil {
			return nil, err
		}
	}
	offer, err = s.transition(ctx, offer, models.OfferSourcesFor(models.OfferCancelled), models.OfferCancelled, "")
	if err != nil {
		return nil, err
	}
	// A checkout opened between the first retire and the transition.
	if err := s.retireCheckout(ctx, offer.ID); err != nil {
		s.logger().Error("retire checkout of cancelled offer failed", "event", "offer.cancel_payment", "module", "services", "layer", "offer",
			"offer_id", offer.ID, "error", err)
	}
	return offer, nil
}

// retireCheckout closes the pending payment of an offer, if any. A payment
// already held in escrow blocks the cancel.
func (s *OfferService) retireCheckout(ctx context.Context, offerID string) error {
	payment, err := s.Store.GetActivePayment(ctx, offerID)
	if errors.Is(err, domainerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentPending {
		return paymentPrecondition(payment)
	}
	return retirePendingPayment(ctx, s.Store, s.Processor, s.Reconciler, s.logger(), payment, "offer cancelled")
}

func (s *OfferService) Start(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.FulfillerID {
		return nil, forbidden("start work on this offer")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferPaidEscrow}, models.OfferInProgress, "")
}

func (s *OfferService) Submit(ctx context.Context, actor Actor, id, note string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.FulfillerID {
		return nil, forbidden("submit work for this offer")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferInProgress}, models.OfferSubmitted, prefixed("submitted", note))
}

func (s *OfferService) RequestRevision(ctx context.Context, actor Actor, id, reason string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.PayerID {
		return nil, forbidden("request a revision")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferSubmitted}, models.OfferInProgress, prefixed("revision requested", reason))
}

func (s *OfferService) Approve(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.PayerID {
		return nil, forbidden("approve this offer")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferSubmitted}, models.OfferApproved, "")
}

func (s *OfferService) Complete(ctx context.Context, actor Actor, id string) (*models.Offer, error) {
	offer, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.PayerID && !actor.Admin {
		return nil, forbidden("complete this offer")
	}
	return s.transition(ctx, offer, []models.OfferStatus{models.OfferReleased}, models.OfferCompleted, "")
}

// Refund returns an escrowed offer to the payer. The escrowed payment is
// cancelled so no payout can be released against it.
func (s *OfferService) Refund(ctx context.Context, actor Actor, id, reason string) (*models.Offer, error) {
	if !actor.Admin {
		return nil, forbidden("refund offers")
	}
	offer, err := s.Store.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	offer, err = s.transition(ctx, offer, models.OfferSourcesFor(models.OfferRefunded), models.OfferRefunded, prefixed("refunded", reason))
	if err != nil {
		return nil, err
	}

	payment, err := s.Store.GetActivePayment(ctx, offer.ID)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			return offer, nil
		}
		return offer, err
	}
	updated, applied, err := s.Store.TransitionPayment(ctx, payment.SessionID,
		[]models.PaymentStatus{models.PaymentPaidEscrow}, models.PaymentCancelled,
		store.PaymentUpdate{FailureReason: "refunded"})
	if err != nil {
		return offer, err
	}
	if applied {
		resolveNotifier(s.Notifier).Publish(notify.Update{OfferID: offer.ID, Entity: "payment", EntityID: updated.ID, Status: string(updated.Status)})
	}
	return offer, nil
}

func (s *OfferService) transition(ctx context.Context, offer *models.Offer, from []models.OfferStatus, to models.OfferStatus, note string) (*models.Offer, error) {
	updated, applied, err := s.Store.TransitionOffer(ctx, offer.ID, from, to, store.OfferUpdate{AppendNote: note})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, offerPrecondition(updated, from...)
	}
	s.logger().Info("offer transitioned", "event", "offer.transition", "module", "services", "layer", "offer",
		"offer_id", updated.ID, "from", offer.Status, "to", updated.Status)
	resolveNotifier(s.Notifier).Publish(notify.Update{OfferID: updated.ID, Entity: "offer", EntityID: updated.ID, Status: string(updated.Status)})
	return updated, nil
}

func (s *OfferService) logger() *slog.Logger {
	return resolveLogger(s.Logger)
}

func prefixed(prefix, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return prefix + ": " + text
}
