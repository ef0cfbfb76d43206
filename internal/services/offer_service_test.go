package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOfferPricesServerSide(t *testing.T) {
	h := newHarness(t)
	offer, err := h.offers.Create(context.Background(), payer, offerInput())
	require.NoError(t, err)

	assert.Equal(t, models.OfferDrafted, offer.Status)
	assert.Equal(t, payer.ID, offer.CreatedBy)
	assert.Equal(t, int64(15730), offer.Subtotal)
	assert.Equal(t, "20", offer.PlatformFeePct)
	assert.Equal(t, int64(3146), offer.PlatformFee)
	assert.Equal(t, int64(18876), offer.Total)
	assert.Equal(t, int64(15730), offer.CreatorEarnings)
}

func TestCreateOfferRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor Actor
		edit  func(*CreateOfferInput)
		want  error
	}{
		{name: "same parties", actor: payer, edit: func(in *CreateOfferInput) { in.FulfillerID = payer.ID }, want: domainerr.ErrValidation},
		{name: "bad currency", actor: payer, edit: func(in *CreateOfferInput) { in.Currency = "EUR" }, want: domainerr.ErrValidation},
		{name: "no items", actor: payer, edit: func(in *CreateOfferInput) { in.Items = nil }, want: domainerr.ErrValidation},
		{name: "zero quantity", actor: payer, edit: func(in *CreateOfferInput) { in.Items[0].Quantity = 0 }, want: domainerr.ErrValidation},
		{name: "past expiry", actor: payer, edit: func(in *CreateOfferInput) { past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC); in.ExpiresAt = &past }, want: domainerr.ErrValidation},
		{name: "outsider", actor: stranger, edit: func(*CreateOfferInput) {}, want: domainerr.ErrForbidden},
		{name: "fee override by user", actor: payer, edit: func(in *CreateOfferInput) { in.PlatformFeePct = "5" }, want: domainerr.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := offerInput()
			tt.edit(&in)
			_, err := h.offers.Create(ctx, tt.actor, in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAcceptGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.sentOffer(t)

	_, err := h.offers.Accept(ctx, payer, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))

	accepted, err := h.offers.Accept(ctx, creator, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, accepted.Status)

	_, err = h.offers.Accept(ctx, creator, offer.ID)
	requirePrecondition(t, err, "accepted")
}

func TestAcceptExpiredOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := offerInput()
	expires := h.now.Add(time.Hour)
	in.ExpiresAt = &expires
	offer, err := h.offers.Create(ctx, payer, in)
	require.NoError(t, err)
	_, err = h.offers.Send(ctx, payer, offer.ID)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	_, err = h.offers.Accept(ctx, creator, offer.ID)
	requirePrecondition(t, err, "expired")

	stored, err := h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferSent, stored.Status)
}

func TestRejectAppendsReason(t *testing.T) {
	h := newHarness(t)
	offer := h.sentOffer(t)

	rejected, err := h.offers.Reject(context.Background(), creator, offer.ID, "budget too low")
	require.NoError(t, err)
	assert.Equal(t, models.OfferCancelled, rejected.Status)
	assert.Contains(t, rejected.Notes, "rejected: budget too low")
}

func TestUpdateReprices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.sentOffer(t)

	notes := "two videos with rush"
	updated, err := h.offers.Update(ctx, payer, offer.ID, UpdateOfferInput{
		Items: []models.LineItem{{DeliverableType: "video", Quantity: 2, UnitPrice: 6050, RushPct: 30}},
		Notes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15730), updated.Subtotal)
	assert.Equal(t, int64(18876), updated.Total)
	assert.Equal(t, notes, updated.Notes)
	assert.Equal(t, models.OfferSent, updated.Status)

	_, err = h.offers.Update(ctx, creator, offer.ID, UpdateOfferInput{Notes: &notes})
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
}

func TestUpdateStatusRoutesThroughStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer, err := h.offers.Create(ctx, payer, offerInput())
	require.NoError(t, err)

	paid := models.OfferPaidEscrow
	_, err = h.offers.Update(ctx, payer, offer.ID, UpdateOfferInput{Status: &paid})
	assert.True(t, errors.Is(err, domainerr.ErrValidation))

	sent := models.OfferSent
	updated, err := h.offers.Update(ctx, payer, offer.ID, UpdateOfferInput{Status: &sent})
	require.NoError(t, err)
	assert.Equal(t, models.OfferSent, updated.Status)

	_, err = h.offers.Accept(ctx, creator, offer.ID)
	require.NoError(t, err)
	notes := "late edit"
	_, err = h.offers.Update(ctx, payer, offer.ID, UpdateOfferInput{Notes: &notes})
	requirePrecondition(t, err, "accepted")
}

func TestWorkRequiresEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)

	_, err := h.offers.Start(ctx, creator, offer.ID)
	requirePrecondition(t, err, "accepted")

	_, err = h.offers.Start(ctx, payer, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
}

func TestApproveOnlyByPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer, _ := h.paidOffer(t)
	_, err := h.offers.Start(ctx, creator, offer.ID)
	require.NoError(t, err)
	_, err = h.offers.Submit(ctx, creator, offer.ID, "")
	require.NoError(t, err)

	_, err = h.offers.Approve(ctx, creator, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
	_, err = h.offers.Approve(ctx, payer, offer.ID)
	require.NoError(t, err)
}

func TestCancelAcceptedOfferCancelsPendingCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	cancelled, err := h.offers.Cancel(ctx, creator, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferCancelled, cancelled.Status)

	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, payment.Status)
	assert.Contains(t, h.fake.Expired, res.SessionID)
}

func TestCancelAfterPaymentFails(t *testing.T) {
	h := newHarness(t)
	offer, _ := h.paidOffer(t)
	_, err := h.offers.Cancel(context.Background(), payer, offer.ID)
	requirePrecondition(t, err, "paid_escrow")
}

func TestRefundCancelsEscrowedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer, res := h.paidOffer(t)

	_, err := h.offers.Refund(ctx, payer, offer.ID, "")
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))

	refunded, err := h.offers.Refund(ctx, admin, offer.ID, "creator unresponsive")
	require.NoError(t, err)
	assert.Equal(t, models.OfferRefunded, refunded.Status)

	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, payment.Status)

	payouts, err := h.payouts.ListByPayment(ctx, admin, payment.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	_, err = h.payouts.Release(ctx, admin, payouts[0].ID, ReleaseInput{})
	requirePrecondition(t, err, "cancelled")
}

func TestGetHidesOffersFromOutsiders(t *testing.T) {
	h := newHarness(t)
	offer := h.sentOffer(t)
	_, err := h.offers.Get(context.Background(), stranger, offer.ID)
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
	_, err = h.offers.Get(context.Background(), admin, offer.ID)
	assert.NoError(t, err)
	_, err = h.offers.Get(context.Background(), admin, "missing")
	assert.True(t, errors.Is(err, domainerr.ErrNotFound))
}

func TestCancelRefusedWhenSessionAlreadyPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)
	h.fake.Complete(res.SessionID)

	_, err = h.offers.Cancel(ctx, payer, offer.ID)
	requirePrecondition(t, err, "paid_escrow")
	assert.Empty(t, h.fake.Expired)

	stored, err := h.store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPaidEscrow, stored.Status)
	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaidEscrow, payment.Status)
}
