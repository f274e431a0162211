// Package websocket provides WebSocket-based inbox event broadcasting.
// Following Hexagonal Architecture: this is an adapter layer component.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"channelhub/internal/core/ports"
)

var _ ports.EventPublisher = (*EventHub)(nil)

// InboxEvent is the wire shape pushed to dashboard clients.
type InboxEvent struct {
	Type           string    `json:"type"` // "message_ingested"
	TenantID       int64     `json:"-"`    // routing only, never sent
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Preview        string    `json:"preview"`
	At             time.Time `json:"at"`
}

// EventHub fans inbox events out to connected dashboard clients. Fan-out is
// tenant-scoped: a client only ever receives events for its own tenant.
// Delivery is best effort with a drop-if-full strategy; a slow dashboard
// must never block ingestion.
type EventHub struct {
	clients map[*Client]struct{}

	broadcast  chan InboxEvent
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	upgrader websocket.Upgrader
}

// Client represents a connected WebSocket client pinned to one tenant.
type Client struct {
	hub      *EventHub
	conn     *websocket.Conn
	tenantID int64
	send     chan []byte
}

const (
	broadcastBufferSize = 256
	clientBufferSize    = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// NewEventHub creates a new EventHub instance.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan InboxEvent, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The upstream gateway terminates auth; origins vary behind it.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run starts the hub's main event loop (call as goroutine).
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("Dashboard client connected", "tenant_id", client.tenantID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("Dashboard client disconnected", "tenant_id", client.tenantID, "total", total)

		case event := <-h.broadcast:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if client.tenantID != event.TenantID {
					continue
				}
				// Non-blocking send: a full client buffer drops the
				// event for that client only.
				select {
				case client.send <- payload:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// PublishMessageIngested queues an event for the tenant's clients. Never
// blocks: when the broadcast buffer is full the event is dropped.
func (h *EventHub) PublishMessageIngested(tenantID, conversationID, messageID int64, preview string) {
	event := InboxEvent{
		Type:           "message_ingested",
		TenantID:       tenantID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Preview:        preview,
		At:             time.Now(),
	}
	select {
	case h.broadcast <- event:
	default:
	}
}

// ServeWS handles WebSocket upgrade requests.
// Route: GET /ws/events with the gateway-set X-Tenant-ID header.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
	if err != nil || tenantID <= 0 {
		http.Error(w, "Unauthorized: missing tenant identity", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, clientBufferSize),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the current number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the connection and keeps the pong deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// writePump sends queued events to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
