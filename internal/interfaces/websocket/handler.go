// Package websocket streams the core's events (persistent_message,
// stream_message, session_status, session_update) to connected clients.
// Delivery is non-blocking best-effort per §5: a slow client drops events
// and reconciles by re-reading the message log over HTTP.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/infrastructure/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // single-user deployment behind the gateway
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clientBuffer bounds each client's outbound queue; overflow drops.
	clientBuffer = 256
)

// Envelope is the wire form of one event.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler upgrades connections and fans bus events out to them.
type Handler struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHandler subscribes to the bus and returns an http.Handler for the
// /ws endpoint.
func NewHandler(bus eventbus.Bus, logger *zap.Logger) *Handler {
	h := &Handler{
		logger:  logger.With(zap.String("component", "ws-handler")),
		clients: make(map[*client]struct{}),
	}

	for _, eventType := range []string{
		eventbus.EventTypePersistentMessage,
		eventbus.EventTypeStreamMessage,
		eventbus.EventTypeSessionStatus,
		eventbus.EventTypeSessionUpdate,
	} {
		bus.Subscribe(eventType, h.onEvent)
	}
	return h
}

func (h *Handler) onEvent(_ context.Context, ev eventbus.Event) {
	data, err := json.Marshal(Envelope{
		Type:      ev.Type(),
		Timestamp: ev.Timestamp(),
		Payload:   ev.Payload(),
	})
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", ev.Type()), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Queue full: drop for this client, never block the bus.
		}
	}
}

// ServeHTTP upgrades the connection and pumps events until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client connected", zap.Int("clients", count))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Handler) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// readPump only services control frames; clients talk to the core over
// HTTP, not this socket.
func (h *Handler) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
