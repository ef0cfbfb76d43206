// Package processortest provides an in-memory payment processor for tests.
package processortest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/processor"
)

type Fake struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*processor.CheckoutSession

	Secret string

	CreateErr error
	GetErr    error
	ExpireErr error

	Created []processor.CheckoutSessionParams
	Expired []string
}

var _ processor.Client = (*Fake)(nil)

func New(secret string) *Fake {
	return &Fake{Secret: secret, sessions: make(map[string]*processor.CheckoutSession)}
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, params processor.CheckoutSessionParams) (*processor.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return nil, &domainerr.ExternalError{Op: "create_session", Err: err}
	}
	f.seq++
	id := fmt.Sprintf("cs_test_%d", f.seq)
	meta := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		meta[k] = v
	}
	s := &processor.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.test/pay/" + id,
		Status:        processor.SessionOpen,
		PaymentStatus: processor.PaymentStatusUnpaid,
		AmountTotal:   params.Amount,
		Currency:      string(params.Currency),
		Metadata:      meta,
		ExpiresAt:     params.ExpiresAt,
	}
	f.sessions[id] = s
	f.Created = append(f.Created, params)
	out := *s
	return &out, nil
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (*processor.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, &domainerr.ExternalError{Op: "get_session", Status: 404, Err: fmt.Errorf("no such session %s", id)}
	}
	out := *s
	return &out, nil
}

func (f *Fake) ExpireCheckoutSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Expired = append(f.Expired, id)
	if f.ExpireErr != nil {
		return f.ExpireErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return &domainerr.ExternalError{Op: "expire_session", Status: 404, Err: fmt.Errorf("no such session %s", id)}
	}
	if s.Status != processor.SessionOpen {
		return &domainerr.ExternalError{Op: "expire_session", Status: 400, Err: fmt.Errorf("session %s is %s", id, s.Status)}
	}
	s.Status = processor.SessionExpired
	return nil
}

// Complete marks the session paid, as if the payer finished checkout.
func (f *Fake) Complete(id string) *processor.CheckoutSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	s.Status = processor.SessionComplete
	s.PaymentStatus = processor.PaymentStatusPaid
	s.PaymentIntent = "pi_" + id
	out := *s
	return &out
}

// Expire marks the session expired without recording a client call.
func (f *Fake) Expire(id string) *processor.CheckoutSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	s.Status = processor.SessionExpired
	out := *s
	return &out
}

func (f *Fake) Session(id string) (processor.CheckoutSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return processor.CheckoutSession{}, false
	}
	return *s, true
}

// EventBody encodes a webhook envelope around object.
func EventBody(id, typ string, object any) []byte {
	obj, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": time.Now().Unix(),
		"data":    map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// SignedEvent returns the body and signature header for an event.
func (f *Fake) SignedEvent(id, typ string, object any) ([]byte, string) {
	body := EventBody(id, typ, object)
	return body, processor.Sign(body, f.Secret, time.Now())
}
