// Package payments reconciles local payment records with processor
// notifications. Every effect is a conditional store update, so duplicated
// or reordered deliveries converge on the same state.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/notify"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/store"

	"github.com/google/uuid"
)

const (
	defaultTolerance     = 5 * time.Minute
	defaultLookupBackoff = 200 * time.Millisecond

	reasonSessionExpired = "session expired"
)

type Reconciler struct {
	Store     store.Repository
	Secret    string
	Tolerance time.Duration

	// LookupRetries bounds extra session lookups when a completion arrives
	// before the checkout flow has persisted its payment row.
	LookupRetries int
	LookupBackoff time.Duration

	AutoPayout bool
	Notifier   notify.Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

// HandleWebhook verifies, parses and applies one processor notification.
// Only signature, parse and store availability failures are returned; the
// processor should retry on those and nothing else.
func (r *Reconciler) HandleWebhook(ctx context.Context, header string, body []byte) error {
	tolerance := r.Tolerance
	if tolerance == 0 {
		tolerance = defaultTolerance
	}
	if err := processor.VerifySignature(header, body, r.Secret, tolerance, r.now()); err != nil {
		r.logger().Warn("webhook signature rejected", "event", "webhook.signature_invalid", "module", "payments", "layer", "reconciler")
		return err
	}
	ev, err := processor.ParseEvent(body)
	if err != nil {
		return err
	}

	logger := r.logger().With("event_id", ev.ID, "event_type", ev.Type)
	rec := models.WebhookEvent{ID: ev.ID, Type: ev.Type, ReceivedAt: r.now().UTC()}

	switch ev.Type {
	case processor.EventCheckoutCompleted, processor.EventCheckoutExpired:
		var sess processor.CheckoutSession
		if err := json.Unmarshal(ev.Data.Object, &sess); err != nil || sess.ID == "" {
			return domainerr.Invalid("data.object", "checkout session object is malformed")
		}
		if ev.Type == processor.EventCheckoutCompleted {
			_, err = r.ApplySessionCompleted(ctx, &sess, &rec)
		} else {
			_, err = r.ApplySessionExpired(ctx, sess.ID, &rec)
		}
	case processor.EventPaymentSucceeded, processor.EventPaymentFailed, processor.EventPaymentCanceled:
		// Intent events only corroborate the session outcome, so a bad one
		// is logged and acknowledged.
		var pi processor.PaymentIntent
		if err := json.Unmarshal(ev.Data.Object, &pi); err != nil || pi.ID == "" {
			logger.Warn("ignoring malformed payment intent event", "event", "webhook.malformed_intent", "module", "payments", "layer", "reconciler")
			return nil
		}
		err = r.applyIntentEvent(ctx, &pi, &rec)
	default:
		logger.Debug("ignoring webhook event", "event", "webhook.ignored", "module", "payments", "layer", "reconciler")
		return nil
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, domainerr.ErrStoreUnavailable) {
		return err
	}
	logger.Error("webhook handling failed", "event", "webhook.failed", "module", "payments", "layer", "reconciler", "error", err)
	return nil
}

// ApplySessionCompleted moves the payment for sess into escrow and runs the
// follow-ups. It is safe to call any number of times for the same session.
// ev may be nil when the result came from polling rather than a webhook.
func (r *Reconciler) ApplySessionCompleted(ctx context.Context, sess *processor.CheckoutSession, ev *models.WebhookEvent) (*models.Payment, error) {
	logger := r.logger().With("session_id", sess.ID)

	payment, err := r.lookupSession(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			logger.Warn("completed session has no local payment", "event", "reconcile.unknown_session", "module", "payments", "layer", "reconciler")
			return nil, nil
		}
		return nil, err
	}

	if !matchesSnapshot(payment, sess) {
		logger.Error("processor amount differs from payment snapshot",
			"event", "reconcile.amount_mismatch", "module", "payments", "layer", "reconciler",
			"payment_id", payment.ID, "expected_amount", payment.Amount, "expected_currency", payment.Currency,
			"actual_amount", sess.AmountTotal, "actual_currency", sess.Currency)
	}

	paidAt := r.now().UTC()
	upd := store.PaymentUpdate{PaymentIntent: sess.PaymentIntent, PaidAt: &paidAt}
	if ev != nil && !payment.HasEvent(ev.ID) {
		upd.Event = ev
	}
	payment, applied, err := r.Store.TransitionPayment(ctx, sess.ID,
		[]models.PaymentStatus{models.PaymentPending}, models.PaymentPaidEscrow, upd)
	if err != nil {
		return nil, err
	}
	if applied {
		logger.Info("payment held in escrow", "event", "reconcile.paid_escrow", "module", "payments", "layer", "reconciler",
			"payment_id", payment.ID, "offer_id", payment.OfferID)
		r.publish(payment.OfferID, "payment", payment.ID, string(payment.Status), ev)
	}

	switch payment.Status {
	case models.PaymentPaidEscrow, models.PaymentReleased:
		if !applied && ev != nil && !payment.HasEvent(ev.ID) {
			// Settled earlier by polling; record the completion event now.
			annotated, _, err := r.Store.AnnotatePayment(ctx, sess.ID, store.PaymentUpdate{Event: ev})
			if err != nil {
				return payment, err
			}
			payment = annotated
		}
	default:
		// Funds captured against a failed or superseded payment are left for
		// manual review.
		logger.Error("completion for payment in terminal state",
			"event", "reconcile.manual_review", "module", "payments", "layer", "reconciler",
			"payment_id", payment.ID, "status", payment.Status)
		return payment, nil
	}

	if err := r.escrowOffer(ctx, payment, ev); err != nil {
		return payment, err
	}
	if r.AutoPayout {
		if err := r.createProcessorPayout(ctx, payment); err != nil {
			return payment, err
		}
	}
	return payment, nil
}

// ApplySessionExpired fails a still-pending payment. Any other status is left
// alone.
func (r *Reconciler) ApplySessionExpired(ctx context.Context, sessionID string, ev *models.WebhookEvent) (*models.Payment, error) {
	upd := store.PaymentUpdate{FailureReason: reasonSessionExpired, Event: ev}
	payment, applied, err := r.Store.TransitionPayment(ctx, sessionID,
		[]models.PaymentStatus{models.PaymentPending}, models.PaymentFailed, upd)
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			r.logger().Info("expired session has no local payment", "event", "reconcile.unknown_session", "module", "payments", "layer", "reconciler", "session_id", sessionID)
			return nil, nil
		}
		return nil, err
	}
	if applied {
		r.logger().Info("payment failed", "event", "reconcile.failed", "module", "payments", "layer", "reconciler",
			"payment_id", payment.ID, "reason", reasonSessionExpired)
		r.publish(payment.OfferID, "payment", payment.ID, string(payment.Status), ev)
	}
	return payment, nil
}

func (r *Reconciler) applyIntentEvent(ctx context.Context, pi *processor.PaymentIntent, ev *models.WebhookEvent) error {
	payment, err := r.Store.GetPaymentByIntent(ctx, pi.ID)
	if errors.Is(err, domainerr.ErrNotFound) {
		sessionID := pi.Metadata["session_id"]
		if sessionID == "" {
			r.logger().Info("payment intent not linked to a session", "event", "reconcile.unknown_intent", "module", "payments", "layer", "reconciler", "intent_id", pi.ID)
			return nil
		}
		payment, err = r.Store.GetPaymentBySession(ctx, sessionID)
	}
	if err != nil {
		if errors.Is(err, domainerr.ErrNotFound) {
			r.logger().Info("payment intent has no local payment", "event", "reconcile.unknown_intent", "module", "payments", "layer", "reconciler", "intent_id", pi.ID)
			return nil
		}
		return err
	}

	_, applied, err := r.Store.AnnotatePayment(ctx, payment.SessionID, store.PaymentUpdate{PaymentIntent: pi.ID, Event: ev})
	if err != nil {
		return err
	}
	if applied && ev.Type == processor.EventPaymentFailed && pi.LastPaymentError != nil {
		r.logger().Warn("payment attempt failed", "event", "reconcile.intent_failed", "module", "payments", "layer", "reconciler",
			"payment_id", payment.ID, "message", pi.LastPaymentError.Message)
	}
	return nil
}

func (r *Reconciler) lookupSession(ctx context.Context, sessionID string) (*models.Payment, error) {
	backoff := r.LookupBackoff
	if backoff <= 0 {
		backoff = defaultLookupBackoff
	}
	for attempt := 0; ; attempt++ {
		payment, err := r.Store.GetPaymentBySession(ctx, sessionID)
		if err == nil || !errors.Is(err, domainerr.ErrNotFound) || attempt >= r.LookupRetries {
			return payment, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (r *Reconciler) escrowOffer(ctx context.Context, payment *models.Payment, ev *models.WebhookEvent) error {
	offer, applied, err := r.Store.TransitionOffer(ctx, payment.OfferID,
		models.OfferSourcesFor(models.OfferPaidEscrow), models.OfferPaidEscrow, store.OfferUpdate{})
	if err != nil {
		return err
	}
	if applied {
		r.publish(offer.ID, "offer", offer.ID, string(offer.Status), ev)
		return nil
	}
	if offer.Status != models.OfferAccepted && offer.Status != models.OfferPaidEscrow {
		r.logger().Info("offer already past escrow", "event", "reconcile.offer_skipped", "module", "payments", "layer", "reconciler",
			"offer_id", offer.ID, "status", offer.Status)
	}
	return nil
}

func (r *Reconciler) createProcessorPayout(ctx context.Context, payment *models.Payment) error {
	now := r.now().UTC()
	payout := &models.Payout{
		ID:          uuid.NewString(),
		PaymentID:   payment.ID,
		OfferID:     payment.OfferID,
		RecipientID: payment.FulfillerID,
		Amount:      payment.CreatorEarnings,
		Currency:    payment.Currency,
		Method:      models.PayoutProcessor,
		Status:      models.PayoutPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := r.Store.CreatePayout(ctx, payout)
	if err != nil {
		return err
	}
	if created {
		r.logger().Info("payout scheduled", "event", "reconcile.payout_created", "module", "payments", "layer", "reconciler",
			"payout_id", payout.ID, "payment_id", payment.ID, "amount", payout.Amount)
	}
	return nil
}

func (r *Reconciler) publish(offerID, entity, id, status string, ev *models.WebhookEvent) {
	if r.Notifier == nil {
		return
	}
	u := notify.Update{OfferID: offerID, Entity: entity, EntityID: id, Status: status, Timestamp: r.now().UTC()}
	if ev != nil {
		u.EventID = ev.ID
	}
	r.Notifier.Publish(u)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// matchesSnapshot reports whether the processor's charge equals the amount
// stored when the session was created. A zero amount means the processor
// did not report one.
func matchesSnapshot(p *models.Payment, sess *processor.CheckoutSession) bool {
	if sess.AmountTotal != 0 && sess.AmountTotal != p.Amount {
		return false
	}
	if sess.Currency != "" && !strings.EqualFold(sess.Currency, string(p.Currency)) {
		return false
	}
	return true
}
