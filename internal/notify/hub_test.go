package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(nil, nil)
	ch, cancel := h.Subscribe("off_1")
	other, cancelOther := h.Subscribe("off_2")
	defer cancelOther()

	h.Publish(Update{OfferID: "off_1", Entity: "offer", Status: "paid_escrow"})

	select {
	case u := <-ch:
		assert.Equal(t, "paid_escrow", u.Status)
		assert.False(t, u.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	select {
	case <-other:
		t.Fatal("update leaked to another offer")
	default:
	}

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers("off_1"))
}

func TestHubPublishDoesNotBlock(t *testing.T) {
	h := NewHub(nil, nil)
	_, cancel := h.Subscribe("off_1")
	defer cancel()
	for i := 0; i < bufferSize*3; i++ {
		h.Publish(Update{OfferID: "off_1", Status: "x"})
	}
}

func TestServeWS(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "off_1", Update{OfferID: "off_1", Entity: "offer", Status: "accepted"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Update
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "accepted", first.Status)

	require.Eventually(t, func() bool { return h.Subscribers("off_1") == 1 }, time.Second, 10*time.Millisecond)
	h.Publish(Update{OfferID: "off_1", Entity: "offer", Status: "paid_escrow"})

	var next Update
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "paid_escrow", next.Status)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))
}
