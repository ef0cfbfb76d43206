package services

import (
	"context"
	"errors"
	"testing"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseIsSingleShot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, res := h.paidOffer(t)
	payouts, err := h.payouts.ListByPayment(ctx, admin, res.PaymentID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	id := payouts[0].ID

	_, err = h.payouts.Release(ctx, creator, id, ReleaseInput{})
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))

	released, err := h.payouts.Release(ctx, admin, id, ReleaseInput{ReferenceNumber: " TRX-9 ", Notes: "wire"})
	require.NoError(t, err)
	assert.Equal(t, "TRX-9", released.ReferenceNumber)
	require.NotNil(t, released.ReleasedAt)

	_, err = h.payouts.Release(ctx, admin, id, ReleaseInput{})
	requirePrecondition(t, err, "released")

	payment, err := h.store.GetPaymentBySession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentReleased, payment.Status)

	// The offer was never approved, so it stays where it was.
	offer, err := h.store.GetOffer(ctx, payment.OfferID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPaidEscrow, offer.Status)
}

func TestReleaseUnknownPayout(t *testing.T) {
	h := newHarness(t)
	_, err := h.payouts.Release(context.Background(), admin, "nope", ReleaseInput{})
	assert.True(t, errors.Is(err, domainerr.ErrNotFound))
}

func TestCreateManualPayoutRespectsEarnings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rec.AutoPayout = false
	_, res := h.paidOffer(t)

	first, err := h.payouts.CreateManual(ctx, admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 10000, ReferenceNumber: "BANK-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PayoutManual, first.Method)
	assert.Equal(t, creator.ID, first.RecipientID)

	_, err = h.payouts.CreateManual(ctx, admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 5731})
	assert.True(t, errors.Is(err, domainerr.ErrValidation))

	_, err = h.payouts.CreateManual(ctx, admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 5730})
	require.NoError(t, err)

	_, err = h.payouts.CreateManual(ctx, admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 0})
	assert.True(t, errors.Is(err, domainerr.ErrValidation))
	_, err = h.payouts.CreateManual(ctx, payer, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 1})
	assert.True(t, errors.Is(err, domainerr.ErrForbidden))
}

func TestCreateManualPayoutNeedsEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	offer := h.acceptedOffer(t)
	res, err := h.checkout.CreateCheckoutSession(ctx, payer, offer.ID, appOrigin)
	require.NoError(t, err)

	_, err = h.payouts.CreateManual(ctx, admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 100})
	requirePrecondition(t, err, "pending")
}

func TestSecondProcessorPayoutRefused(t *testing.T) {
	h := newHarness(t)
	_, res := h.paidOffer(t)
	_, err := h.payouts.CreateManual(context.Background(), admin, CreatePayoutInput{PaymentID: res.PaymentID, Amount: 1, Method: models.PayoutProcessor})
	assert.True(t, errors.Is(err, domainerr.ErrPreconditionFailed))
}
