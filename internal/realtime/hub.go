// Package realtime streams risk snapshots over WebSocket.
//
// Consumers receive the complete sorted snapshot collection on connect and
// again after every tracked write, plus a notice whenever an hourly rollup
// is published. Slow consumers are dropped rather than allowed to stall the
// engine.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/vigil/internal/event"
	"github.com/mbd888/vigil/internal/metrics"
	"github.com/mbd888/vigil/internal/risk"
	"github.com/mbd888/vigil/internal/snapshot"
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
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MessageType for pushed frames.
type MessageType string

const (
	MessageSnapshots MessageType = "snapshots"
	MessageRollup    MessageType = "rollup"
)

// Message is one pushed frame.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription filters for a client. The collection is always pushed whole;
// filters trim entries out of a client's copy, they never suppress pushes.
type Subscription struct {
	MinRisk risk.Level `json:"minRisk,omitempty"` // only snapshots at or above this level
	Keys    []string   `json:"keys,omitempty"`    // watch specific entity keys
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// latest pushed collection, replayed to newly connected clients
	lastMu    sync.RWMutex
	lastSnaps []snapshot.EntitySnapshot

	// Stats
	totalPushes  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
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
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Info("stream client connected", "total", n)

			// replay the current collection so the client starts in sync
			h.lastMu.RLock()
			snaps := h.lastSnaps
			h.lastMu.RUnlock()
			if snaps != nil {
				h.deliver(client, Message{
					Type:      MessageSnapshots,
					Timestamp: time.Now(),
					Data:      client.filter(snaps),
				})
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Info("stream client disconnected", "total", n)

		case msg := <-h.broadcast:
			h.totalPushes.Add(1)
			metrics.SnapshotPushesTotal.Inc()

			snaps, isSnaps := msg.Data.([]snapshot.EntitySnapshot)
			var shared []byte
			if !isSnaps {
				shared = serialize(msg)
			}

			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				payload := shared
				if isSnaps {
					payload = serialize(Message{
						Type:      msg.Type,
						Timestamp: msg.Timestamp,
						Data:      client.filter(snaps),
					})
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// filter returns the subset of snaps matching the client's subscription.
// The input is already sorted; filtering preserves order.
func (c *Client) filter(snaps []snapshot.EntitySnapshot) []snapshot.EntitySnapshot {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.MinRisk == "" && len(sub.Keys) == 0 {
		return snaps
	}

	minRank := 0
	if sub.MinRisk != "" {
		minRank = risk.Rank(sub.MinRisk)
	}

	out := make([]snapshot.EntitySnapshot, 0, len(snaps))
	for _, s := range snaps {
		if minRank > 0 && risk.Rank(s.Risk) < minRank {
			continue
		}
		if len(sub.Keys) > 0 && !containsKey(sub.Keys, s.Key) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func serialize(msg Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// deliver sends a message to one client, dropping it if the client is slow.
func (h *Hub) deliver(client *Client, msg Message) {
	select {
	case client.send <- serialize(msg):
	default:
	}
}

// BroadcastSnapshots pushes the full sorted collection to every client.
// Called by the tracker after every accepted write.
func (h *Hub) BroadcastSnapshots(snaps []snapshot.EntitySnapshot) {
	h.lastMu.Lock()
	h.lastSnaps = snaps
	h.lastMu.Unlock()

	select {
	case h.broadcast <- Message{Type: MessageSnapshots, Timestamp: time.Now(), Data: snaps}:
	default:
		h.logger.Warn("broadcast channel full, dropping snapshot push")
	}
}

// BroadcastRollup notifies clients that an hourly rollup was published.
func (h *Hub) BroadcastRollup(evt event.RollupPublished) {
	select {
	case h.broadcast <- Message{Type: MessageRollup, Timestamp: time.Now(), Data: evt}:
	default:
		h.logger.Warn("broadcast channel full, dropping rollup notice")
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalPushes":      h.totalPushes.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse subscription update
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			if sub.MinRisk != "" && !risk.Valid(sub.MinRisk) {
				continue
			}
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
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
