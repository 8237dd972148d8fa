// Package realtime streams refund activity to seller and admin consoles
// over WebSocket.
//
// Consoles subscribe instead of polling the list endpoints:
// - Sellers see events for their own requests
// - Admins see every event, including escalations
//
// Clients may narrow the stream by sending a subscription frame:
//
//	{"eventTypes": ["refund.escalated"], "refundIds": ["rfd_..."]}
//
// The hub answers with a "subscription.updated" or "error" frame.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/mbd888/refunddesk/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxConnectionsPerViewer bounds tabs per seller or admin.
	MaxConnectionsPerViewer = 5
	// MaxFilterValues bounds each list in a subscription frame.
	MaxFilterValues = 100

	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 16 * 1024
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Event is one frame pushed to consoles.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RefundID  string      `json:"refundId,omitempty"`
	SellerID  string      `json:"sellerId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscription narrows what a client receives. Empty fields match everything.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
	RefundIDs  []string `json:"refundIds"`
}

func (s Subscription) validate() error {
	if len(s.EventTypes) > MaxFilterValues || len(s.RefundIDs) > MaxFilterValues {
		return fmt.Errorf("at most %d values per filter", MaxFilterValues)
	}
	return nil
}

func (s Subscription) matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.RefundIDs) > 0 && !contains(s.RefundIDs, event.RefundID) {
		return false
	}
	return true
}

// Viewer is who the connection belongs to. It is fixed at upgrade time
// and cannot be changed by subscription frames.
type Viewer struct {
	Role auth.Role
	ID   string
}

func (v Viewer) key() string { return string(v.Role) + ":" + v.ID }

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	viewer Viewer
	// send is owned by the hub, which closes it on unregister.
	send chan []byte
	// control carries replies to subscription frames. Never closed.
	control chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats summarizes hub activity for /health.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	Admins           int   `json:"admins"`
	Sellers          int   `json:"sellers"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	Dropped          int64 `json:"dropped"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins sets the browser origins allowed to connect. Requests
// from the API's own host and non-browser clients are always allowed; "*"
// allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, o := range origins {
			h.origins[strings.TrimRight(o, "/")] = true
		}
	}
}

// WithMaxClients overrides MaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// Hub fans events out to connected consoles. Clients are indexed by seller
// so a seller's event only touches that seller's connections and the admins.
type Hub struct {
	mu         sync.RWMutex
	admins     map[*Client]struct{}
	sellers    map[string]map[*Client]struct{}
	perViewer  map[string]int
	count      int
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]bool
	done       chan struct{} // closed when Run exits; rejects late upgrades
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		admins:     make(map[*Client]struct{}),
		sellers:    make(map[string]map[*Client]struct{}),
		perViewer:  make(map[string]int),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		origins:    make(map[string]bool),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] || h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.each(func(c *Client) { close(c.send) })
			h.admins = make(map[*Client]struct{})
			h.sellers = make(map[string]map[*Client]struct{})
			h.perViewer = make(map[string]int)
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.add(client)
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("console connected", "role", client.viewer.Role, "viewer", client.viewer.ID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.remove(client) {
				close(client.send)
			}
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("console disconnected", "role", client.viewer.Role, "viewer", client.viewer.ID, "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	targets := func(set map[*Client]struct{}) {
		for c := range set {
			if !c.subscription().matches(event) {
				continue
			}
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	targets(h.admins)
	if event.SellerID != "" {
		targets(h.sellers[event.SellerID])
	}
	h.mu.RUnlock()

	// A console that cannot keep up reconnects and reloads from the API.
	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			if h.remove(c) {
				close(c.send)
				h.dropped.Add(1)
			}
		}
		n := h.count
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow realtime consoles", "count", len(slow))
	}
}

// add and remove must be called with h.mu held.
func (h *Hub) add(c *Client) {
	switch c.viewer.Role {
	case auth.RoleAdmin:
		h.admins[c] = struct{}{}
	case auth.RoleSeller:
		set, ok := h.sellers[c.viewer.ID]
		if !ok {
			set = make(map[*Client]struct{})
			h.sellers[c.viewer.ID] = set
		}
		set[c] = struct{}{}
	default:
		return
	}
	h.perViewer[c.viewer.key()]++
	h.count++
}

func (h *Hub) remove(c *Client) bool {
	switch c.viewer.Role {
	case auth.RoleAdmin:
		if _, ok := h.admins[c]; !ok {
			return false
		}
		delete(h.admins, c)
	case auth.RoleSeller:
		set := h.sellers[c.viewer.ID]
		if _, ok := set[c]; !ok {
			return false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.sellers, c.viewer.ID)
		}
	default:
		return false
	}
	if h.perViewer[c.viewer.key()]--; h.perViewer[c.viewer.key()] <= 0 {
		delete(h.perViewer, c.viewer.key())
	}
	h.count--
	return true
}

func (h *Hub) each(fn func(*Client)) {
	for c := range h.admins {
		fn(c)
	}
	for _, set := range h.sellers {
		for c := range set {
			fn(c)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Broadcast queues an event. Events are dropped when the hub is saturated;
// consoles reload from the API on reconnect.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime broadcast queue full, dropping event", "type", event.Type, "refund", event.RefundID)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{
		ConnectedClients: h.count,
		Admins:           len(h.admins),
		Sellers:          len(h.sellers),
	}
	h.mu.RUnlock()
	st.TotalEvents = h.totalEvents.Load()
	st.TotalClients = h.totalClients.Load()
	st.PeakClients = h.peakClients.Load()
	st.Dropped = h.dropped.Load()
	return st
}

// Handler returns the gin handler for GET /ws. The route must sit behind
// auth.Middleware; buyers and anonymous callers are rejected.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFrom(c)
		if !ok || (actor.Role != auth.RoleSeller && actor.Role != auth.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Realtime feed is available to sellers and admins.",
			})
			return
		}
		h.HandleWebSocket(c.Writer, c.Request, Viewer{Role: actor.Role, ID: actor.ID})
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for viewer
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, viewer Viewer) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.count, h.perViewer[viewer.key()]
	h.mu.RUnlock()
	if total >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if mine >= MaxConnectionsPerViewer {
		http.Error(w, "too many connections for this account", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		viewer:  viewer,
		send:    make(chan []byte, sendBuffer),
		control: make(chan []byte, 4),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.applySubscription(message)
	}
}

func (c *Client) applySubscription(message []byte) {
	var sub Subscription
	err := json.Unmarshal(message, &sub)
	if err == nil {
		err = sub.validate()
	}

	reply := &Event{Type: "subscription.updated", Timestamp: time.Now().UTC(), Data: sub}
	if err != nil {
		reply = &Event{Type: "error", Timestamp: time.Now().UTC(), Data: "invalid subscription: " + err.Error()}
	} else {
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}

	data, _ := json.Marshal(reply)
	select {
	case c.control <- data:
	default:
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			c.hub.logger.Debug("websocket write error", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, []byte{})
				return
			}
			if !write(websocket.TextMessage, message) {
				return
			}
		case message := <-c.control:
			if !write(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
