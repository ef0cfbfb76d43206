package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/pricing"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/store"

	"github.com/google/uuid"
)

const (
	defaultSessionTTL       = 30 * time.Minute
	defaultProcessorTimeout = 10 * time.Second
)

type CheckoutResult struct {
	SessionID string          `json:"session_id"`
	URL       string          `json:"url"`
	PaymentID string          `json:"payment_id"`
	Amount    int64           `json:"amount"`
	Currency  models.Currency `json:"currency"`
}

type PaymentStatusResult struct {
	SessionID     string               `json:"session_id"`
	PaymentID     string               `json:"payment_id"`
	OfferID       string               `json:"offer_id"`
	Status        models.PaymentStatus `json:"status"`
	Amount        int64                `json:"amount"`
	Currency      models.Currency      `json:"currency"`
	FailureReason string               `json:"failure_reason,omitempty"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
}

type CheckoutService struct {
	Store      store.Repository
	Processor  processor.Client
	Reconciler *payments.Reconciler

	SessionTTL       time.Duration
	ProcessorTimeout time.Duration
	// AllowedOrigins restricts redirect targets. Empty allows any http(s)
	// origin.
	AllowedOrigins []string
	SuccessPath    string
	CancelPath     string

	Logger *slog.Logger
	Now    func() time.Time
}

// CreateCheckoutSession opens a processor checkout for an accepted offer and
// records the pending payment. The remote session is created first; if the
// local write then fails the session is expired again.
func (s *CheckoutService) CreateCheckoutSession(ctx context.Context, actor Actor, offerID, originURL string) (*CheckoutResult, error) {
	if err := actor.require(); err != nil {
		return nil, err
	}
	origin, err := s.checkOrigin(originURL)
	if err != nil {
		return nil, err
	}

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actor.ID != offer.PayerID {
		return nil, forbidden("pay for this offer")
	}
	if offer.Status != models.OfferAccepted {
		return nil, offerPrecondition(offer, models.OfferAccepted)
	}
	if mismatches := pricing.ValidateOfferPricing(offer); len(mismatches) > 0 {
		m := mismatches[0]
		s.logger().Error("stored offer pricing is inconsistent", "event", "checkout.pricing_mismatch", "module", "services", "layer", "checkout",
			"offer_id", offer.ID, "field", m.Field, "expected", m.Expected, "actual", m.Actual)
		return nil, domainerr.Invalid(m.Field, fmt.Sprintf("stored value %s does not match computed %s", m.Actual, m.Expected))
	}

	if err := s.supersede(ctx, offer.ID); err != nil {
		return nil, err
	}

	now := resolveNow(s.Now)
	saga := checkoutSaga{svc: s, offer: offer, origin: origin, now: now}
	return saga.run(ctx)
}

// supersede clears the way for a new session. A paid offer can never get a
// second session; a pending one is closed at the processor before it is
// cancelled locally.
func (s *CheckoutService) supersede(ctx context.Context, offerID string) error {
	active, err := s.Store.GetActivePayment(ctx, offerID)
	if errors.Is(err, domainerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if active.Status != models.PaymentPending {
		return paymentPrecondition(active)
	}
	pctx, cancel := context.WithTimeout(ctx, 2*s.processorTimeout())
	defer cancel()
	return retirePendingPayment(pctx, s.Store, s.Processor, s.Reconciler, s.logger(), active, "superseded by new checkout session")
}

// GetPaymentStatus returns the local payment state. While it is still
// pending the processor is asked directly, and a settled or expired result
// is applied through the reconciler as if its webhook had arrived.
func (s *CheckoutService) GetPaymentStatus(ctx context.Context, actor Actor, sessionID string) (*PaymentStatusResult, error) {
	payment, err := s.Store.GetPaymentBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != payment.PayerID && actor.ID != payment.FulfillerID {
		return nil, forbidden("view this payment")
	}
	if payment.Status == models.PaymentPending && s.Processor != nil && s.Reconciler != nil {
		if updated, err := s.Poll(ctx, payment.SessionID); err != nil {
			if errors.Is(err, domainerr.ErrStoreUnavailable) {
				return nil, err
			}
			s.logger().Warn("processor status poll failed", "event", "checkout.poll", "module", "services", "layer", "checkout",
				"session_id", sessionID, "error", err)
		} else if updated != nil {
			payment = updated
		}
	}
	return &PaymentStatusResult{
		SessionID:     payment.SessionID,
		PaymentID:     payment.ID,
		OfferID:       payment.OfferID,
		Status:        payment.Status,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		FailureReason: payment.FailureReason,
		PaidAt:        payment.PaidAt,
	}, nil
}

// Poll fetches the remote session and applies its outcome. It returns nil
// when the session is still open.
func (s *CheckoutService) Poll(ctx context.Context, sessionID string) (*models.Payment, error) {
	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout())
	sess, err := s.Processor.GetCheckoutSession(pctx, sessionID)
	cancel()
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Paid():
		return s.Reconciler.ApplySessionCompleted(ctx, sess, nil)
	case sess.Status == processor.SessionExpired:
		return s.Reconciler.ApplySessionExpired(ctx, sess.ID, nil)
	}
	return nil, nil
}

func (s *CheckoutService) checkOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", domainerr.Invalid("origin", "must be an absolute http(s) url")
	}
	origin := u.Scheme + "://" + u.Host
	if len(s.AllowedOrigins) == 0 {
		return origin, nil
	}
	for _, allowed := range s.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return origin, nil
		}
	}
	return "", domainerr.Invalid("origin", "is not an allowed redirect origin")
}

func (s *CheckoutService) processorTimeout() time.Duration {
	if s.ProcessorTimeout > 0 {
		return s.ProcessorTimeout
	}
	return defaultProcessorTimeout
}

func (s *CheckoutService) logger() *slog.Logger {
	return resolveLogger(s.Logger)
}

// checkoutSaga creates the remote session, then the local row. Each step
// that completes registers how to undo it.
type checkoutSaga struct {
	svc    *CheckoutService
	offer  *models.Offer
	origin string
	now    time.Time

	compensations []func(context.Context)
}

func (g *checkoutSaga) run(ctx context.Context) (*CheckoutResult, error) {
	s := g.svc
	logger := s.logger().With("offer_id", g.offer.ID)

	ttl := s.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	paymentID := uuid.NewString()
	params := processor.CheckoutSessionParams{
		Amount:      g.offer.Total,
		Currency:    g.offer.Currency,
		Description: "Offer " + g.offer.ID,
		SuccessURL:  g.origin + pathOr(s.SuccessPath, "/payments/success") + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   g.origin + pathOr(s.CancelPath, "/payments/cancel") + "?offer_id=" + url.QueryEscape(g.offer.ID),
		ExpiresAt:   g.now.Add(ttl).Unix(),
		Metadata: map[string]string{
			"offer_id":     g.offer.ID,
			"payer_id":     g.offer.PayerID,
			"fulfiller_id": g.offer.FulfillerID,
			"payment_id":   paymentID,
		},
		IdempotencyKey: g.offer.ID + ":" + paymentID,
	}

	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout())
	sess, err := s.Processor.CreateCheckoutSession(pctx, params)
	cancel()
	if err != nil {
		logger.Error("create checkout session failed", "event", "checkout.session_failed", "module", "services", "layer", "checkout", "error", err)
		return nil, err
	}
	g.compensations = append(g.compensations, func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.processorTimeout())
		defer cancel()
		if err := s.Processor.ExpireCheckoutSession(cctx, sess.ID); err != nil {
			logger.Error("expire orphaned session failed", "event", "checkout.compensate_failed", "module", "services", "layer", "checkout",
				"session_id", sess.ID, "error", err)
			return
		}
		logger.Warn("expired orphaned session", "event", "checkout.compensated", "module", "services", "layer", "checkout", "session_id", sess.ID)
	})

	payment := &models.Payment{
		ID:              paymentID,
		OfferID:         g.offer.ID,
		PayerID:         g.offer.PayerID,
		FulfillerID:     g.offer.FulfillerID,
		SessionID:       sess.ID,
		Amount:          g.offer.Total,
		PlatformFee:     g.offer.PlatformFee,
		CreatorEarnings: g.offer.CreatorEarnings,
		Currency:        g.offer.Currency,
		Status:          models.PaymentPending,
		WebhookEvents:   []models.WebhookEvent{},
		CreatedAt:       g.now,
		UpdatedAt:       g.now,
	}
	if err := s.Store.CreatePayment(ctx, payment); err != nil {
		logger.Error("persist payment failed", "event", "checkout.persist_failed", "module", "services", "layer", "checkout",
			"session_id", sess.ID, "error", err)
		g.compensate(ctx)
		if errors.Is(err, domainerr.ErrConflict) {
			return nil, &domainerr.PreconditionError{
				Entity:   "offer",
				ID:       g.offer.ID,
				Current:  "has active payment",
				Required: []string{"no active payment"},
			}
		}
		return nil, err
	}

	logger.Info("checkout session created", "event", "checkout.session_created", "module", "services", "layer", "checkout",
		"session_id", sess.ID, "payment_id", payment.ID, "amount", payment.Amount)
	return &CheckoutResult{
		SessionID: sess.ID,
		URL:       sess.URL,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	}, nil
}

func (g *checkoutSaga) compensate(ctx context.Context) {
	for i := len(g.compensations) - 1; i >= 0; i-- {
		g.compensations[i](ctx)
	}
}

func pathOr(p, fallback string) string {
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// retirePendingPayment makes sure the processor can no longer capture the
// payment's session, then cancels the payment. A session the payer already
// paid is settled through rec and reported as a precondition failure, so an
// offer never ends up with two captured sessions.
func retirePendingPayment(ctx context.Context, st store.Repository, client processor.Client, rec *payments.Reconciler, logger *slog.Logger, payment *models.Payment, reason string) error {
	if client != nil {
		if err := closeRemoteSession(ctx, client, rec, logger, payment); err != nil {
			return err
		}
	}
	cur, applied, err := st.TransitionPayment(ctx, payment.SessionID,
		[]models.PaymentStatus{models.PaymentPending}, models.PaymentCancelled,
		store.PaymentUpdate{FailureReason: reason})
	if err != nil {
		return err
	}
	if applied {
		logger.Info("pending payment cancelled", "event", "payment.cancelled", "module", "services", "layer", "checkout",
			"payment_id", cur.ID, "session_id", cur.SessionID, "reason", reason)
		return nil
	}
	if cur.Status.Active() {
		return paymentPrecondition(cur)
	}
	return nil
}

// closeRemoteSession returns nil once the session is expired or unknown at
// the processor.
func closeRemoteSession(ctx context.Context, client processor.Client, rec *payments.Reconciler, logger *slog.Logger, payment *models.Payment) error {
	sess, err := client.GetCheckoutSession(ctx, payment.SessionID)
	if sessionUnknown(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == processor.SessionOpen {
		expireErr := client.ExpireCheckoutSession(ctx, payment.SessionID)
		if expireErr == nil || sessionUnknown(expireErr) {
			return nil
		}
		// The payer may have finished checkout in the meantime.
		sess, err = client.GetCheckoutSession(ctx, payment.SessionID)
		if err != nil {
			return expireErr
		}
	}

	switch {
	case sess.Status == processor.SessionExpired:
		return nil
	case sess.Paid():
		current := models.PaymentPaidEscrow
		if rec != nil {
			settled, err := rec.ApplySessionCompleted(ctx, sess, nil)
			if err != nil {
				return err
			}
			if settled != nil {
				current = settled.Status
			}
		}
		logger.Warn("pending session already paid at processor", "event", "payment.session_paid", "module", "services", "layer", "checkout",
			"payment_id", payment.ID, "session_id", sess.ID)
		return &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payment.ID,
			Current:  string(current),
			Required: []string{string(models.PaymentPending)},
		}
	case sess.Status == processor.SessionOpen:
		return &domainerr.ExternalError{Op: "expire_session", Err: errors.New("session is still open")}
	default:
		// Completed but not yet settled, e.g. an asynchronous payment method.
		return &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payment.ID,
			Current:  "processing",
			Required: []string{string(models.PaymentPending)},
		}
	}
}

func sessionUnknown(err error) bool {
	var ext *domainerr.ExternalError
	return errors.As(err, &ext) && ext.Status == http.StatusNotFound
}

func paymentPrecondition(p *models.Payment) error {
	return &domainerr.PreconditionError{
		Entity:   "payment",
		ID:       p.ID,
		Current:  string(p.Status),
		Required: []string{string(models.PaymentPending), string(models.PaymentFailed), string(models.PaymentCancelled)},
	}
}
