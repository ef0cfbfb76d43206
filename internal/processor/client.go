package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"
)

// Session statuses reported by the processor.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

type Client interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, id string) error
}

type CheckoutSessionParams struct {
	Amount         int64             `json:"amount"`
	Currency       models.Currency   `json:"currency"`
	Description    string            `json:"description,omitempty"`
	SuccessURL     string            `json:"success_url"`
	CancelURL      string            `json:"cancel_url"`
	ExpiresAt      int64             `json:"expires_at"`
	Metadata       map[string]string `json:"metadata"`
	IdempotencyKey string            `json:"-"`
}

type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
	ExpiresAt     int64             `json:"expires_at"`
}

// Paid reports whether the processor considers the session settled.
func (s *CheckoutSession) Paid() bool {
	return s.Status == SessionComplete && s.PaymentStatus == PaymentStatusPaid
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	var out CheckoutSession
	if err := c.doJSON(ctx, "create_session", http.MethodPost, "/v1/checkout/sessions", params.IdempotencyKey, params, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.URL == "" {
		return nil, &domainerr.ExternalError{Op: "create_session", Err: errors.New("response missing session id or url")}
	}
	return &out, nil
}

func (c *HTTPClient) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var out CheckoutSession
	if err := c.doJSON(ctx, "get_session", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ExpireCheckoutSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, "expire_session", http.MethodPost, "/v1/checkout/sessions/"+url.PathEscape(id)+"/expire", "", nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &domainerr.ExternalError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &domainerr.ExternalError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &domainerr.ExternalError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domainerr.ExternalError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
