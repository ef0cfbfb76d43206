// Package notify fans offer and payment status changes out to websocket
// subscribers.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	bufferSize = 16
)

// Update is one status change pushed to subscribers of an offer.
type Update struct {
	OfferID   string    `json:"offer_id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives applied transitions. A nil Publisher is not allowed;
// use Discard.
type Publisher interface {
	Publish(Update)
}

type discard struct{}

func (discard) Publish(Update) {}

var Discard Publisher = discard{}

type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Update]struct{}
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:   make(map[string]map[chan Update]struct{}),
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Publish never blocks; a subscriber whose buffer is full misses the update.
func (h *Hub) Publish(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[u.OfferID] {
		select {
		case ch <- u:
		default:
			h.logger.Warn("subscriber buffer full, dropping update",
				"event", "notify.drop", "module", "notify", "layer", "hub", "offer_id", u.OfferID)
		}
	}
}

func (h *Hub) Subscribe(offerID string) (<-chan Update, func()) {
	ch := make(chan Update, bufferSize)
	h.mu.Lock()
	if h.subs[offerID] == nil {
		h.subs[offerID] = make(map[chan Update]struct{})
	}
	h.subs[offerID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[offerID], ch)
			if len(h.subs[offerID]) == 0 {
				delete(h.subs, offerID)
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers(offerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[offerID])
}

// ServeWS upgrades the request and streams updates for offerID until the
// client goes away. initial is sent first so the client starts from the
// current state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, offerID string, initial Update) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "event", "notify.upgrade", "module", "notify", "layer", "hub", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.Subscribe(offerID)
	defer cancel()

	// Reader loop only drains control frames and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeJSON(conn, initial); err != nil {
		return
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case u := <-updates:
			if err := writeJSON(conn, u); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
