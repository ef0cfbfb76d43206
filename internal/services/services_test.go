package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/pricing"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/processor/processortest"
	"creatorescrow/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	webhookSecret = "whsec_test"
	appOrigin     = "https://app.example.com"
)

var (
	payer    = Actor{ID: "brand_1"}
	creator  = Actor{ID: "creator_1"}
	admin    = Actor{ID: "admin_1", Admin: true}
	stranger = Actor{ID: "someone_else"}
)

type harness struct {
	store    *memory.Store
	fake     *processortest.Fake
	rec      *payments.Reconciler
	offers   *OfferService
	checkout *CheckoutService
	payouts  *PayoutService
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStore(),
		fake:  processortest.New(webhookSecret),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.rec = &payments.Reconciler{
		Store:         h.store,
		Secret:        webhookSecret,
		LookupBackoff: time.Millisecond,
		AutoPayout:    true,
	}
	h.offers = &OfferService{
		Store:      h.store,
		Pricing:    pricing.Service{DefaultFeePct: "20"},
		Now:        clock,
		Processor:  h.fake,
		Reconciler: h.rec,
	}
	h.checkout = &CheckoutService{
		Store:          h.store,
		Processor:      h.fake,
		Reconciler:     h.rec,
		AllowedOrigins: []string{appOrigin},
		Now:            clock,
	}
	h.payouts = &PayoutService{Store: h.store, Now: clock}
	return h
}

func offerInput() CreateOfferInput {
	return CreateOfferInput{
		CampaignID:  "camp_1",
		PayerID:     payer.ID,
		FulfillerID: creator.ID,
		Items:       []models.LineItem{{DeliverableType: "video", Quantity: 2, UnitPrice: 7865}},
		Currency:    models.USD,
	}
}

func (h *harness) sentOffer(t *testing.T) *models.Offer {
	t.Helper()
	ctx := context.Background()
	offer, err := h.offers.Create(ctx, payer, offerInput())
	require.NoError(t, err)
	offer, err = h.offers.Send(ctx, payer, offer.ID)
	require.NoError(t, err)
	return offer
}

func (h *harness) acceptedOffer(t *testing.T) *models.Offer {
	t.Helper()
	offer := h.sentOffer(t)
	offer, err := h.offers.Accept(context.Background(), creator, offer.ID)
	require.NoError(t, err)
	return offer
}

// paidOffer runs checkout and delivers the completion webhook.
func (h *harness) paidOffer(t *testing.T) (*models.Offer, *CheckoutResult) {
	t.Helper()
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin+"/offers/"+offer.ID)
	require.NoError(t, err)

	sess := h.fake.Complete(res.SessionID)
	body, sig := h.fake.SignedEvent("evt_"+res.SessionID, processor.EventCheckoutCompleted, sess)
	require.NoError(t, h.rec.HandleWebhook(ctx, sig, body))

	offer, err = h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, models.OfferPaidEscrow, offer.Status)
	return offer, res
}

func requirePrecondition(t *testing.T, err error, current string) {
	t.Helper()
	var pe *domainerr.PreconditionError
	require.True(t, errors.As(err, &pe), "want PreconditionError, got %v", err)
	assert.Equal(t, current, pe.Current)
	assert.True(t, errors.Is(err, domainerr.ErrPreconditionFailed))
}

func TestEndToEndEscrowLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	offer, res := h.paidOffer(t)
	assert.Equal(t, int64(18876), res.Amount)

	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidEscrow, payment.Status)

	_, err = h.offers.Start(ctx, creator, offer.ID)
	require.NoError(t, err)
	_, err = h.offers.Submit(ctx, creator, offer.ID, "first cut")
	require.NoError(t, err)
	_, err = h.offers.RequestRevision(ctx, payer, offer.ID, "shorter intro")
	require.NoError(t, err)
	_, err = h.offers.Submit(ctx, creator, offer.ID, "")
	require.NoError(t, err)
	offer, err = h.offers.Approve(ctx, payer, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferApproved, offer.Status)
	assert.Contains(t, offer.Notes, "revision requested: shorter intro")

	payouts, err := h.payouts.ListByPayment(ctx, admin, payment.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(15730), payouts[0].Amount)

	released, err := h.payouts.Release(ctx, admin, payouts[0].ID, ReleaseInput{ReferenceNumber: "TRX-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PayoutReleased, released.Status)
	assert.Equal(t, admin.ID, released.ReleasedBy)

	payment, err = h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentReleased, payment.Status)

	offer, err = h.offers.Complete(ctx, payer, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferCompleted, offer.Status)
}
