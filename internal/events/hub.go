package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type subscriber struct {
	address string
	send    chan []byte
}

// Hub streams committed entries to websocket subscribers. Subscribers may
// filter on one account with ?address=. A subscriber that cannot keep up is
// disconnected rather than blocking the ledger.
type Hub struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *logging.Logger
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Notify implements ledger.Notifier.
func (h *Hub) Notify(_ context.Context, entry ledger.Entry) error {
	msg, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.address != "" && s.address != entry.Address {
			continue
		}
		select {
		case s.send <- msg:
		default:
			delete(h.subs, s)
			close(s.send)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams entries until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := &subscriber{address: r.URL.Query().Get("address"), send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn, s)
	h.writeLoop(conn, s)
}

// readLoop drains control frames and unregisters on disconnect.
func (h *Hub) readLoop(conn *websocket.Conn, s *subscriber) {
	defer h.remove(s)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}

var _ ledger.Notifier = (*Hub)(nil)
