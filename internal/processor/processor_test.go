package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.completed"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(body, "whsec", now)

	require.NoError(t, VerifySignature(header, body, "whsec", 5*time.Minute, now))
	require.NoError(t, VerifySignature("t=1,v1=00,"+header[len("t=1700000000,"):]+",t=1700000000", body, "whsec", 5*time.Minute, now))

	tests := []struct {
		name   string
		header string
		body   []byte
		secret string
		now    time.Time
	}{
		{name: "wrong secret", header: header, body: body, secret: "other", now: now},
		{name: "tampered body", header: header, body: []byte(`{"id":"evt_2"}`), secret: "whsec", now: now},
		{name: "stale timestamp", header: header, body: body, secret: "whsec", now: now.Add(10 * time.Minute)},
		{name: "empty header", header: "", body: body, secret: "whsec", now: now},
		{name: "no v1", header: "t=1700000000", body: body, secret: "whsec", now: now},
		{name: "garbage", header: "nonsense", body: body, secret: "whsec", now: now},
		{name: "empty secret", header: header, body: body, secret: "", now: now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.header, tt.body, tt.secret, 5*time.Minute, tt.now)
			assert.True(t, errors.Is(err, domainerr.ErrSignatureInvalid))
		})
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_1","type":"checkout.completed","data":{"object":{"id":"cs_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "checkout.completed", ev.Type)
	assert.JSONEq(t, `{"id":"cs_1"}`, string(ev.Data.Object))

	_, err = ParseEvent([]byte(`{`))
	assert.True(t, errors.Is(err, domainerr.ErrValidation))
	_, err = ParseEvent([]byte(`{"type":"x"}`))
	assert.True(t, errors.Is(err, domainerr.ErrValidation))
}

func TestHTTPClientCreateCheckoutSession(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody CheckoutSessionParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(CheckoutSession{ID: "cs_1", URL: "https://pay/cs_1", Status: SessionOpen})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "sk_test", time.Second)
	sess, err := c.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		Amount:         18876,
		Currency:       models.USD,
		Metadata:       map[string]string{"offer_id": "off_1"},
		IdempotencyKey: "off_1:abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, "off_1:abc", gotKey)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, int64(18876), gotBody.Amount)
	assert.Equal(t, "off_1", gotBody.Metadata["offer_id"])
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkout/sessions/slow":
			time.Sleep(200 * time.Millisecond)
		case "/v1/checkout/sessions/missing":
			http.Error(w, "no such session", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 50*time.Millisecond)

	_, err := c.GetCheckoutSession(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domainerr.ErrExternalService))

	_, err = c.GetCheckoutSession(context.Background(), "missing")
	var extErr *domainerr.ExternalError
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, http.StatusNotFound, extErr.Status)
	assert.Equal(t, "get_session", extErr.Op)
}
