// Package memory is an in-process Repository used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
	"creatorescrow/internal/store"
)

type Store struct {
	mu sync.Mutex

	offers   map[string]models.Offer
	payments map[string]models.Payment // keyed by session id
	payouts  map[string]models.Payout

	// Fault, when set, is consulted at the start of every operation and its
	// error is returned instead of running it.
	Fault func(op string) error
}

var _ store.Repository = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		offers:   make(map[string]models.Offer),
		payments: make(map[string]models.Payment),
		payouts:  make(map[string]models.Payout),
	}
}

func (s *Store) fault(op string) error {
	if s.Fault == nil {
		return nil
	}
	return s.Fault(op)
}

func (s *Store) CreateOffer(_ context.Context, offer *models.Offer) error {
	if err := s.fault("CreateOffer"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[offer.ID]; ok {
		return fmt.Errorf("%w: offer %s exists", domainerr.ErrConflict, offer.ID)
	}
	s.offers[offer.ID] = cloneOffer(*offer)
	return nil
}

func (s *Store) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	if err := s.fault("GetOffer"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, domainerr.NotFound("offer", id)
	}
	out := cloneOffer(o)
	return &out, nil
}

func (s *Store) UpdateOfferTerms(_ context.Context, offer *models.Offer) (*models.Offer, bool, error) {
	if err := s.fault("UpdateOfferTerms"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[offer.ID]
	if !ok {
		return nil, false, domainerr.NotFound("offer", offer.ID)
	}
	if !cur.Status.Editable() {
		out := cloneOffer(cur)
		return &out, false, nil
	}
	cur.Items = append(models.Items(nil), offer.Items...)
	cur.Subtotal = offer.Subtotal
	cur.PlatformFeePct = offer.PlatformFeePct
	cur.PlatformFee = offer.PlatformFee
	cur.Total = offer.Total
	cur.CreatorEarnings = offer.CreatorEarnings
	cur.Currency = offer.Currency
	cur.Notes = offer.Notes
	cur.ExpiresAt = offer.ExpiresAt
	cur.UpdatedAt = time.Now().UTC()
	s.offers[offer.ID] = cur
	out := cloneOffer(cur)
	return &out, true, nil
}

func (s *Store) TransitionOffer(_ context.Context, id string, from []models.OfferStatus, to models.OfferStatus, upd store.OfferUpdate) (*models.Offer, bool, error) {
	if err := s.fault("TransitionOffer"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[id]
	if !ok {
		return nil, false, domainerr.NotFound("offer", id)
	}
	if !containsOffer(from, cur.Status) {
		out := cloneOffer(cur)
		return &out, false, nil
	}
	cur.Status = to
	if upd.AppendNote != "" {
		if cur.Notes == "" {
			cur.Notes = upd.AppendNote
		} else {
			cur.Notes += "\n" + upd.AppendNote
		}
	}
	cur.UpdatedAt = time.Now().UTC()
	s.offers[id] = cur
	out := cloneOffer(cur)
	return &out, true, nil
}

func (s *Store) CreatePayment(_ context.Context, payment *models.Payment) error {
	if err := s.fault("CreatePayment"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.SessionID]; ok {
		return fmt.Errorf("%w: payments_session_id_key", domainerr.ErrConflict)
	}
	if payment.Status.Active() {
		for _, p := range s.payments {
			if p.OfferID == payment.OfferID && p.Status.Active() {
				return fmt.Errorf("%w: payments_one_active_per_offer", domainerr.ErrConflict)
			}
		}
	}
	s.payments[payment.SessionID] = clonePayment(*payment)
	return nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	if err := s.fault("GetPayment"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == id {
			out := clonePayment(p)
			return &out, nil
		}
	}
	return nil, domainerr.NotFound("payment", id)
}

func (s *Store) GetPaymentBySession(_ context.Context, sessionID string) (*models.Payment, error) {
	if err := s.fault("GetPaymentBySession"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[sessionID]
	if !ok {
		return nil, domainerr.NotFound("payment session", sessionID)
	}
	out := clonePayment(p)
	return &out, nil
}

func (s *Store) GetPaymentByIntent(_ context.Context, intentID string) (*models.Payment, error) {
	if err := s.fault("GetPaymentByIntent"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Payment
	for _, p := range s.payments {
		if intentID == "" || p.PaymentIntent != intentID {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			c := clonePayment(p)
			found = &c
		}
	}
	if found == nil {
		return nil, domainerr.NotFound("payment intent", intentID)
	}
	return found, nil
}

func (s *Store) GetActivePayment(_ context.Context, offerID string) (*models.Payment, error) {
	if err := s.fault("GetActivePayment"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OfferID == offerID && p.Status.Active() {
			out := clonePayment(p)
			return &out, nil
		}
	}
	return nil, domainerr.NotFound("active payment for offer", offerID)
}

func (s *Store) TransitionPayment(_ context.Context, sessionID string, from []models.PaymentStatus, to models.PaymentStatus, upd store.PaymentUpdate) (*models.Payment, bool, error) {
	if err := s.fault("TransitionPayment"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[sessionID]
	if !ok {
		return nil, false, domainerr.NotFound("payment session", sessionID)
	}
	if !containsPayment(from, cur.Status) {
		out := clonePayment(cur)
		return &out, false, nil
	}
	cur.Status = to
	if upd.PaymentIntent != "" {
		cur.PaymentIntent = upd.PaymentIntent
	}
	if upd.FailureReason != "" {
		cur.FailureReason = upd.FailureReason
	}
	if upd.PaidAt != nil {
		t := *upd.PaidAt
		cur.PaidAt = &t
	}
	if upd.Event != nil {
		cur.WebhookEvents = append(cur.WebhookEvents, *upd.Event)
	}
	cur.UpdatedAt = time.Now().UTC()
	s.payments[sessionID] = cur
	out := clonePayment(cur)
	return &out, true, nil
}

func (s *Store) AnnotatePayment(_ context.Context, sessionID string, upd store.PaymentUpdate) (*models.Payment, bool, error) {
	if err := s.fault("AnnotatePayment"); err != nil {
		return nil, false, err
	}
	if upd.Event == nil {
		return nil, false, fmt.Errorf("annotate payment: event is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[sessionID]
	if !ok {
		return nil, false, domainerr.NotFound("payment session", sessionID)
	}
	if cur.HasEvent(upd.Event.ID) {
		out := clonePayment(cur)
		return &out, false, nil
	}
	if upd.PaymentIntent != "" {
		cur.PaymentIntent = upd.PaymentIntent
	}
	cur.WebhookEvents = append(cur.WebhookEvents, *upd.Event)
	cur.UpdatedAt = time.Now().UTC()
	s.payments[sessionID] = cur
	out := clonePayment(cur)
	return &out, true, nil
}

func (s *Store) ListStalePayments(_ context.Context, createdBefore time.Time, limit int) ([]*models.Payment, error) {
	if err := s.fault("ListStalePayments"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(createdBefore) {
			c := clonePayment(p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreatePayout(_ context.Context, payout *models.Payout) (bool, error) {
	if err := s.fault("CreatePayout"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var payment *models.Payment
	for _, p := range s.payments {
		if p.ID == payout.PaymentID {
			c := p
			payment = &c
			break
		}
	}
	if payment == nil {
		return false, domainerr.NotFound("payment", payout.PaymentID)
	}
	if payment.Status != models.PaymentPaidEscrow && payment.Status != models.PaymentReleased {
		return false, &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payment.ID,
			Current:  string(payment.Status),
			Required: []string{string(models.PaymentPaidEscrow), string(models.PaymentReleased)},
		}
	}

	var allocated int64
	for _, p := range s.payouts {
		if p.PaymentID != payout.PaymentID {
			continue
		}
		if payout.Method == models.PayoutProcessor && p.Method == models.PayoutProcessor {
			return false, nil
		}
		allocated += p.Amount
	}
	if allocated+payout.Amount > payment.CreatorEarnings {
		return false, domainerr.Invalid("amount", fmt.Sprintf("exceeds remaining creator earnings (%d)", payment.CreatorEarnings-allocated))
	}
	if _, ok := s.payouts[payout.ID]; ok {
		return false, fmt.Errorf("%w: payout %s exists", domainerr.ErrConflict, payout.ID)
	}
	s.payouts[payout.ID] = *payout
	return true, nil
}

func (s *Store) GetPayout(_ context.Context, id string) (*models.Payout, error) {
	if err := s.fault("GetPayout"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return nil, domainerr.NotFound("payout", id)
	}
	return &p, nil
}

func (s *Store) ListPayoutsByPayment(_ context.Context, paymentID string) ([]*models.Payout, error) {
	if err := s.fault("ListPayoutsByPayment"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Payout
	for _, p := range s.payouts {
		if p.PaymentID == paymentID {
			c := p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReleasePayout(_ context.Context, id string, p store.ReleaseParams) (*models.Payout, bool, error) {
	if err := s.fault("ReleasePayout"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payouts[id]
	if !ok {
		return nil, false, domainerr.NotFound("payout", id)
	}
	if cur.Status != models.PayoutPending {
		return &cur, false, nil
	}
	cur.Status = models.PayoutReleased
	if p.ReferenceNumber != "" {
		cur.ReferenceNumber = p.ReferenceNumber
	}
	if p.AdminNotes != "" {
		cur.AdminNotes = p.AdminNotes
	}
	cur.ReleasedBy = p.ReleasedBy
	at := p.ReleasedAt
	cur.ReleasedAt = &at
	cur.UpdatedAt = time.Now().UTC()
	s.payouts[id] = cur
	out := cur
	return &out, true, nil
}

func cloneOffer(o models.Offer) models.Offer {
	o.Items = append(models.Items(nil), o.Items...)
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}

func clonePayment(p models.Payment) models.Payment {
	p.WebhookEvents = append([]models.WebhookEvent(nil), p.WebhookEvents...)
	if p.PaidAt != nil {
		t := *p.PaidAt
		p.PaidAt = &t
	}
	return p
}

func containsOffer(in []models.OfferStatus, s models.OfferStatus) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}

func containsPayment(in []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
