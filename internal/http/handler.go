package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/notify"
	"creatorescrow/internal/payments"
	"creatorescrow/internal/processor"
	"creatorescrow/internal/services"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Offers     *services.OfferService
	Checkout   *services.CheckoutService
	Payouts    *services.PayoutService
	Reconciler *payments.Reconciler
	Hub        *notify.Hub
	Logger     *slog.Logger
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

type checkoutRequest struct {
	OfferID   string `json:"offer_id"`
	OriginURL string `json:"origin_url"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	writeDomainError(w, h.logger(), err)
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOfferInput
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	offer, err := h.Offers.Create(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Offers.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	var req services.UpdateOfferInput
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	offer, err := h.Offers.Update(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "offerId"), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Offers.Cancel(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// OfferAction serves the POST /offers/{id}/<action> transitions.
func (h *Handler) OfferAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	id := chi.URLParam(r, "offerId")

	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, err)
			return
		}
	}

	var (
		offer *models.Offer
		err   error
	)
	switch chi.URLParam(r, "action") {
	case "send":
		offer, err = h.Offers.Send(ctx, actor, id)
	case "accept":
		offer, err = h.Offers.Accept(ctx, actor, id)
	case "reject":
		offer, err = h.Offers.Reject(ctx, actor, id, req.Reason)
	case "start":
		offer, err = h.Offers.Start(ctx, actor, id)
	case "submit":
		offer, err = h.Offers.Submit(ctx, actor, id, req.Note)
	case "revise":
		offer, err = h.Offers.RequestRevision(ctx, actor, id, req.Reason)
	case "approve":
		offer, err = h.Offers.Approve(ctx, actor, id)
	case "complete":
		offer, err = h.Offers.Complete(ctx, actor, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown offer action")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) OfferEvents(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Offers.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Hub.ServeWS(w, r, offer.ID, notify.Update{
		OfferID:   offer.ID,
		Entity:    "offer",
		EntityID:  offer.ID,
		Status:    string(offer.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if req.OfferID == "" {
		h.fail(w, domainerr.Invalid("offer_id", "is required"))
		return
	}
	origin := req.OriginURL
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	res, err := h.Checkout.CreateCheckoutSession(r.Context(), actorFrom(r.Context()), req.OfferID, origin)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.Checkout.GetPaymentStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProcessorWebhook acknowledges everything except bad signatures, malformed
// bodies and store outages, so the processor only retries what can succeed
// later.
func (h *Handler) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "validation_failed", "unreadable body")
		return
	}
	if err := h.Reconciler.HandleWebhook(r.Context(), r.Header.Get(processor.SignatureHeader), body); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req services.CreatePayoutInput
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	payout, err := h.Payouts.CreateManual(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	payout, err := h.Payouts.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "payoutId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Payouts.ListByPayment(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "paymentId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if payouts == nil {
		payouts = []*models.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (h *Handler) ReleasePayout(w http.ResponseWriter, r *http.Request) {
	var req services.ReleaseInput
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, err)
			return
		}
	}
	payout, err := h.Payouts.Release(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "payoutId"), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (h *Handler) RefundOffer(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, err)
			return
		}
	}
	offer, err := h.Offers.Refund(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "offerId"), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}
