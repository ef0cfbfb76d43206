package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/processor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCheckoutSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)

	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin+"/offers/"+offer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18876), res.Amount)
	assert.Equal(t, models.USD, res.Currency)
	assert.NotEmpty(t, res.URL)

	require.Len(t, h.fake.Created, 1)
	params := h.fake.Created[0]
	assert.Equal(t, offer.ID, params.Metadata["offer_id"])
	assert.Equal(t, payer.ID, params.Metadata["payer_id"])
	assert.Equal(t, creator.ID, params.Metadata["fulfiller_id"])
	assert.True(t, strings.HasPrefix(params.SuccessURL, appOrigin+"/"))
	assert.True(t, strings.HasPrefix(params.CancelURL, appOrigin+"/"))
	assert.Equal(t, h.now.Add(defaultSessionTTL).Unix(), params.ExpiresAt)
	assert.NotEmpty(t, params.IdempotencyKey)

	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.Equal(t, offer.Total, payment.Amount)
	assert.Equal(t, offer.CreatorEarnings, payment.CreatorEarnings)
	assert.Equal(t, res.PaymentID, payment.ID)
}

func TestCheckoutGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent := h.sentOffer(t)
	_, err := h.checkout.CreateCheckoutSession(ctx, payer, sent.ID, appOrigin)
	requirePrecondition(t, err, "sent")

	offer := h.acceptedOffer(t)
	_, err = h.checkout.CreateCheckoutSession(ctx, creator, offer.ID, appOrigin)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))

	_, err = h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, "https://evil.example.com/x")
	assert.True(t, errors.Is(err, domainerr.ErrValidation))
	_, err = h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, "javascript:alert(1)")
	assert.True(t, errors.Is(err, domainerr.ErrValidation))

	assert.Empty(t, h.fake.Created)
}

func TestCheckoutRefusesInconsistentPricing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := &models.Offer{
		ID: "off_bad", CampaignID: "camp_1", PayerID: payer.ID, FulfillerID: creator.ID, CreatedBy: payer.ID,
		Items:    models.Items{{DeliverableType: "video", Quantity: 2, UnitPrice: 7865}},
		Subtotal: 15730, PlatformFeePct: "20", PlatformFee: 3146, Total: 100, CreatorEarnings: 15730,
		Currency: models.USD, Status: models.OfferAccepted, CreatedAt: h.now, UpdatedAt: h.now,
	}
	require.NoError(t, h.store.CreateOffer(ctx, offer))

	_, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	var ve *domainerr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "total", ve.Field)
	assert.Empty(t, h.fake.Created)
}

func TestProcessorFailureLeavesNoPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	h.fake.CreateErr = &domainerr.ExternalError{Op: "create_session", Err: context.DeadlineExceeded}

	_, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	assert.True(t, errors.Is(err, domainerr.ErrExternalService))

	_, err = h.store.GetActivePayment(ctx, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrNotFound))
}

func TestPersistFailureExpiresRemoteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	h.store.Fault = func(op string) error {
		if op == "CreatePayment" {
			return domainerr.Unavailable(errors.New("connection reset"))
		}
		return nil
	}

	_, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	assert.True(t, errors.Is(err, domainerr.ErrStoreUnavailable))
	require.Len(t, h.fake.Created, 1)
	require.Len(t, h.fake.Expired, 1)

	h.store.Fault = nil
	_, err = h.store.GetActivePayment(ctx, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrNotFound))
}

func TestNewSessionSupersedesPendingOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)

	first, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	second, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	old, err := h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, old.Status)
	assert.Equal(t, []string{first.SessionID}, h.fake.Expired)

	active, err := h.store.GetActivePayment(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, active.SessionID)

	// A late completion of the superseded session does not reactivate it.
	sess := h.fake.Complete(first.SessionID)
	body, sig := h.fake.SignedEvent("evt_late", processor.EventCheckoutCompleted, sess)
	require.NoError(t, h.rec.HandleWebhook(ctx, sig, body))
	old, err = h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, old.Status)
}

func TestPaidOfferCannotBeCheckedOutAgain(t *testing.T) {
	h := newHarness(t)
	offer, _ := h.paidOffer(t)
	_, err := h.checkout.CreateCheckoutSession(context.Background(), payer, offer.ID, appOrigin)
	requirePrecondition(t, err, "paid_escrow")
}

func TestGetPaymentStatusPollsProcessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	status, err := h.checkout.GetPaymentStatus(ctx, payer, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, status.Status)

	h.fake.Complete(res.SessionID)
	status, err = h.checkout.GetPaymentStatus(ctx, payer, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidEscrow, status.Status)
	assert.NotNil(t, status.PaidAt)

	stored, err := h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPaidEscrow, stored.Status)

	_, err = h.checkout.GetPaymentStatus(ctx, stranger, res.SessionID)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
}

func TestGetPaymentStatusAppliesExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	h.fake.Expire(res.SessionID)
	status, err := h.checkout.GetPaymentStatus(ctx, payer, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, status.Status)
	assert.Equal(t, "session expired", status.FailureReason)
}

func TestGetPaymentStatusToleratesProcessorOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	h.fake.GetErr = &domainerr.ExternalError{Op: "get_session", Status: 503, Err: errors.New("unavailable")}
	status, err := h.checkout.GetPaymentStatus(ctx, payer, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, status.Status)
}

func TestSupersedeSettlesSessionAlreadyPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	first, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	// The payer finished checkout but the webhook is still in flight.
	sess := h.fake.Complete(first.SessionID)

	_, err = h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	requirePrecondition(t, err, "paid_escrow")
	assert.Len(t, h.fake.Created, 1)
	assert.Empty(t, h.fake.Expired)

	payment, err := h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidEscrow, payment.Status)
	stored, err := h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPaidEscrow, stored.Status)

	body, sig := h.fake.SignedEvent("evt_"+first.SessionID, processor.EventCheckoutCompleted, sess)
	require.NoError(t, h.rec.HandleWebhook(ctx, sig, body))
	payment, err = h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidEscrow, payment.Status)
	assert.True(t, payment.HasEvent("evt_"+first.SessionID))

	payouts, err := h.store.ListPayoutsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

func TestSupersedeKeepsPaymentWhenExpireFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	first, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	h.fake.ExpireErr = &domainerr.ExternalError{Op: "expire_session", Status: 503, Err: errors.New("unavailable")}
	_, err = h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	assert.True(t, errors.Is(err, domainerr.ErrExternalService))
	assert.Len(t, h.fake.Created, 1)

	payment, err := h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, payment.Status)

	h.fake.ExpireErr = nil
	second, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestSupersedeSessionExpiredAtProcessor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	first, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	h.fake.Expire(first.SessionID)

	_, err = h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	assert.Empty(t, h.fake.Expired)

	old, err := h.store.GetPaymentBySession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, old.Status)
}
