// Package realtime streams a user's notifications over WebSocket.
//
// Clients connect to GET /ws (token in the Authorization header or ?token=)
// and receive every notification addressed to them as it is delivered.
// A client may narrow the stream by sending {"types": ["BOOKING_CONFIRMED", ...]}.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/rideshare/internal/metrics"
	"github.com/mbd888/rideshare/internal/notify"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is the frame sent to clients.
type Event struct {
	Type         string              `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	Notification notify.Notification `json:"notification"`
}

// Subscription filters a client's stream. Empty Types means everything.
type Subscription struct {
	Types []string `json:"types"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

func (c *Client) wants(t string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sub.Types) == 0 || slices.Contains(c.sub.Types, t)
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxPerUser bounds connections for a single user (tabs, devices).
	MaxPerUser = 5
)

type delivery struct {
	userID string
	event  *Event
}

// Hub routes notifications to the connections of their user.
type Hub struct {
	users      map[string]map[*Client]bool
	total      int
	deliver    chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		users:      make(map[string]map[*Client]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for _, clients := range h.users {
				for client := range clients {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.users = make(map[string]map[*Client]bool)
			h.total = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*Client]bool)
			}
			h.users[client.userID][client] = true
			h.total++
			h.totalClients.Add(1)
			if current := int64(h.total); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := h.total
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.total
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case d := <-h.deliver:
			h.totalEvents.Add(1)
			frame, err := json.Marshal(d.event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.users[d.userID] {
				if !client.wants(d.event.Type) {
					continue
				}
				select {
				case client.send <- frame:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.removeLocked(client)
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients := h.users[client.userID]
	if !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.users, client.userID)
	}
	close(client.send)
	h.total--
}

// Notify queues n for the user's open connections. Users with no open
// connection simply miss the live push; the notification still reaches
// the other sinks.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	ts := n.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	select {
	case h.deliver <- delivery{userID: n.UserID, event: &Event{Type: n.Type, Timestamp: ts, Notification: n}}:
	default:
		h.logger.Warn("realtime queue full, dropping event", "user_id", n.UserID, "type", n.Type)
	}
	return nil
}

// Connected reports how many connections userID has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": h.total,
		"connectedUsers":   len(h.users),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Handle upgrades GET /ws for the authenticated user.
func (h *Hub) Handle(c *gin.Context) {
	userID := c.GetString("authUserID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required"})
		return
	}
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.total, len(h.users[userID])
	h.mu.RUnlock()
	if total >= h.maxClients || mine >= MaxPerUser {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ notify.Sink = (*Hub)(nil)
