// Package realtime pushes alerts and system messages to WebSocket subscribers.
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

	"alerting/internal/alert"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 256

	// DefaultHeartbeatInterval is how often Run sends a HEARTBEAT.
	DefaultHeartbeatInterval = 30 * time.Second
)

// MessageType identifies the payload of an Envelope.
type MessageType string

const (
	TypeAlert              MessageType = "ALERT"
	TypeSystemNotification MessageType = "SYSTEM_NOTIFICATION"
	TypeAlertStatusUpdate  MessageType = "ALERT_STATUS_UPDATE"
	TypeHeartbeat          MessageType = "HEARTBEAT"
)

// Envelope is the JSON frame sent to subscribers.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// StatusUpdate is the data of an ALERT_STATUS_UPDATE frame.
type StatusUpdate struct {
	AlertID            string                   `json:"alert_id"`
	RuleID             string                   `json:"rule_id"`
	DeviceID           string                   `json:"device_id"`
	Status             alert.Status             `json:"status"`
	NotificationStatus alert.NotificationStatus `json:"notification_status"`
	Actor              string                   `json:"actor,omitempty"`
	Note               string                   `json:"note,omitempty"`
}

// SystemNotification is the data of a SYSTEM_NOTIFICATION frame.
type SystemNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Heartbeat is the data of a HEARTBEAT frame.
type Heartbeat struct {
	Connections int `json:"connections"`
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{} // closed when the connection ends
	closeOnce sync.Once
}

func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks subscribers and fans frames out to them. A subscriber whose
// buffer is full misses the frame; broadcasts never block on it.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	connections atomic.Int64
	dropped     atomic.Int64
	now         func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
}

// ServeHTTP upgrades the request and registers the connection as a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	slog.Info("WebSocket subscriber connected",
		"remote", r.RemoteAddr,
		"connections", h.ConnectionCount(),
	)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.connections.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.connections.Add(-1)
	}
	h.mu.Unlock()
	c.stop()
}

// readPump drains the connection so pongs and close frames are processed.
// The subscriber is unregistered when it returns.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		slog.Debug("WebSocket subscriber disconnected", "connections", h.ConnectionCount())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes queued frames and pings to the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// ConnectionCount returns the number of live subscribers.
func (h *Hub) ConnectionCount() int {
	return int(h.connections.Load())
}

// Dropped returns how many frames were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// BroadcastAlert pushes a newly raised alert. It returns the number of
// subscribers the frame was queued for.
func (h *Hub) BroadcastAlert(rec *alert.Record) int {
	return h.broadcast(TypeAlert, rec)
}

// BroadcastStatusUpdate pushes a lifecycle change of rec.
func (h *Hub) BroadcastStatusUpdate(rec *alert.Record, actor, note string) int {
	return h.broadcast(TypeAlertStatusUpdate, StatusUpdate{
		AlertID:            rec.ID,
		RuleID:             rec.RuleID,
		DeviceID:           rec.DeviceID,
		Status:             rec.Status,
		NotificationStatus: rec.NotificationStatus,
		Actor:              actor,
		Note:               note,
	})
}

// BroadcastSystemNotification pushes an operational message.
func (h *Hub) BroadcastSystemNotification(title, body string) int {
	return h.broadcast(TypeSystemNotification, SystemNotification{Title: title, Body: body})
}

// SendHeartbeat pushes a HEARTBEAT carrying the current connection count.
func (h *Hub) SendHeartbeat() int {
	return h.broadcast(TypeHeartbeat, Heartbeat{Connections: h.ConnectionCount()})
}

func (h *Hub) broadcast(t MessageType, data any) int {
	payload, err := json.Marshal(Envelope{Type: t, Timestamp: h.now(), Data: data})
	if err != nil {
		slog.Error("Failed to marshal realtime message", "type", t, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients {
		select {
		case c.send <- payload:
			sent++
		default:
			h.dropped.Add(1)
			slog.Debug("Subscriber too slow, dropping frame", "type", t)
		}
	}
	return sent
}

// Run sends a heartbeat every interval until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.SendHeartbeat()
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.connections.Store(0)
	h.mu.Unlock()

	for c := range clients {
		c.stop()
	}
	slog.Info("Realtime hub closed", "disconnected", len(clients))
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
