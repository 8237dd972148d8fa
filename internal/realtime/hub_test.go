package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/refunddesk/internal/auth"
)

var (
	adminViewer  = Viewer{Role: auth.RoleAdmin, ID: "admin-1"}
	sellerViewer = Viewer{Role: auth.RoleSeller, ID: "seller-1"}
)

func testHub(opts ...Option) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
}

func fakeClient(h *Hub, v Viewer, sub Subscription) *Client {
	return &Client{hub: h, viewer: v, sub: sub, send: make(chan []byte, sendBuffer), control: make(chan []byte, 4)}
}

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Subscription filters
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name  string
		sub   Subscription
		event Event
		want  bool
	}{
		{"empty matches all", Subscription{}, Event{Type: "refund.requested", RefundID: "rfd_1"}, true},
		{"event type hit", Subscription{EventTypes: []string{"refund.escalated"}}, Event{Type: "refund.escalated"}, true},
		{"event type miss", Subscription{EventTypes: []string{"refund.escalated"}}, Event{Type: "refund.requested"}, false},
		{"refund hit", Subscription{RefundIDs: []string{"rfd_1"}}, Event{Type: "refund.cancelled", RefundID: "rfd_1"}, true},
		{"refund miss", Subscription{RefundIDs: []string{"rfd_1"}}, Event{Type: "refund.cancelled", RefundID: "rfd_2"}, false},
		{"both must hold", Subscription{EventTypes: []string{"refund.cancelled"}, RefundIDs: []string{"rfd_1"}}, Event{Type: "refund.requested", RefundID: "rfd_1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.matches(&tt.event); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscription_ValidateBounds(t *testing.T) {
	sub := Subscription{RefundIDs: make([]string, MaxFilterValues+1)}
	if sub.validate() == nil {
		t.Error("oversized filter should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func TestHub_SellerSeesOnlyOwnEvents(t *testing.T) {
	h := testHub()
	runHub(t, h)

	mine := fakeClient(h, sellerViewer, Subscription{})
	other := fakeClient(h, Viewer{Role: auth.RoleSeller, ID: "seller-2"}, Subscription{})
	admin := fakeClient(h, adminViewer, Subscription{})
	h.register <- mine
	h.register <- other
	h.register <- admin

	h.Broadcast(&Event{Type: "refund.requested", RefundID: "rfd_1", SellerID: "seller-1", Timestamp: time.Now()})

	if got := recv(t, mine); got.RefundID != "rfd_1" {
		t.Errorf("expected rfd_1, got %s", got.RefundID)
	}
	if got := recv(t, admin); got.SellerID != "seller-1" {
		t.Errorf("admin expected seller-1 event, got %+v", got)
	}
	expectNothing(t, other)
}

func TestHub_EscalationReachesAdminsOnly(t *testing.T) {
	h := testHub()
	runHub(t, h)

	admin := fakeClient(h, adminViewer, Subscription{EventTypes: []string{"refund.escalated"}})
	seller := fakeClient(h, sellerViewer, Subscription{})
	h.register <- admin
	h.register <- seller

	// Events without a seller never reach seller consoles.
	h.Broadcast(&Event{Type: "refund.escalated", RefundID: "rfd_9", Timestamp: time.Now()})
	h.Broadcast(&Event{Type: "refund.requested", RefundID: "rfd_10", SellerID: "seller-1", Timestamp: time.Now()})

	if got := recv(t, admin); got.Type != "refund.escalated" {
		t.Errorf("expected escalation, got %s", got.Type)
	}
	if got := recv(t, seller); got.RefundID != "rfd_10" {
		t.Errorf("seller expected rfd_10, got %s", got.RefundID)
	}
	expectNothing(t, admin)
}

func TestHub_BuyersAreNeverIndexed(t *testing.T) {
	h := testHub()
	runHub(t, h)

	buyer := fakeClient(h, Viewer{Role: auth.RoleBuyer, ID: "buyer-1"}, Subscription{})
	h.register <- buyer
	h.Broadcast(&Event{Type: "refund.requested", SellerID: "seller-1", Timestamp: time.Now()})

	expectNothing(t, buyer)
	if n := h.Stats().ConnectedClients; n != 0 {
		t.Errorf("expected 0 clients, got %d", n)
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, viewer: adminViewer, send: make(chan []byte), control: make(chan []byte, 1)}
	h.register <- slow
	h.Broadcast(&Event{Type: "refund.requested", SellerID: "seller-1", Timestamp: time.Now()})

	waitFor(t, func() bool { return h.Stats().Dropped == 1 })
	if n := h.Stats().ConnectedClients; n != 0 {
		t.Errorf("slow client should be removed, %d left", n)
	}
	if _, open := <-slow.send; open {
		t.Error("slow client's send channel should be closed")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestHub_StatsTrackRegistrations(t *testing.T) {
	h := testHub()
	runHub(t, h)

	a := fakeClient(h, adminViewer, Subscription{})
	s1 := fakeClient(h, sellerViewer, Subscription{})
	s2 := fakeClient(h, sellerViewer, Subscription{})
	h.register <- a
	h.register <- s1
	h.register <- s2

	waitFor(t, func() bool { return h.Stats().ConnectedClients == 3 })
	st := h.Stats()
	if st.Admins != 1 || st.Sellers != 1 || st.PeakClients != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
	if h.perViewerCount(sellerViewer) != 2 {
		t.Errorf("expected 2 connections for seller-1")
	}

	h.unregister <- s1
	h.unregister <- s2
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 })
	st = h.Stats()
	if st.Sellers != 0 || st.PeakClients != 3 {
		t.Errorf("unexpected stats after unregister %+v", st)
	}
}

func (h *Hub) perViewerCount(v Viewer) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.perViewer[v.key()]
}

func TestHub_ContextCancellationClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := fakeClient(h, adminViewer, Subscription{})
	h.register <- c
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	if _, open := <-c.send; open {
		t.Error("client channel should be closed on shutdown")
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func newWSServer(t *testing.T, h *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if role := c.Query("role"); role != "" {
			c.Set(auth.ContextKeyActor, auth.Actor{ID: c.Query("id"), Role: auth.Role(role)})
		}
		c.Next()
	}, h.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHandler_RejectsBuyers(t *testing.T) {
	h := testHub()
	runHub(t, h)
	wsURL := newWSServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?role=buyer&id=buyer-1", nil)
	if err == nil {
		t.Fatal("buyer upgrade should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for buyer, got %v", resp)
	}
}

func TestHandler_SubscribeAndReceive(t *testing.T) {
	h := testHub()
	runHub(t, h)
	wsURL := newWSServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?role=seller&id=seller-1", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(Subscription{RefundIDs: []string{"rfd_1"}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var ack Event
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack failed: %v", err)
	}
	if ack.Type != "subscription.updated" {
		t.Fatalf("expected subscription.updated, got %s", ack.Type)
	}

	h.Broadcast(&Event{Type: "refund.requested", RefundID: "rfd_2", SellerID: "seller-1", Timestamp: time.Now()})
	h.Broadcast(&Event{Type: "refund.cancelled", RefundID: "rfd_1", SellerID: "seller-1", Timestamp: time.Now()})

	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.RefundID != "rfd_1" || got.Type != "refund.cancelled" {
		t.Errorf("expected filtered rfd_1 cancellation, got %+v", got)
	}
}

func TestHandler_InvalidSubscriptionReportsError(t *testing.T) {
	h := testHub()
	runHub(t, h)
	wsURL := newWSServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?role=admin&id=admin-1", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eventTypes": "not-a-list"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var reply Event
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.Type != "error" {
		t.Errorf("expected error frame, got %s", reply.Type)
	}
}

func TestHandler_PerViewerLimit(t *testing.T) {
	h := testHub()
	runHub(t, h)
	wsURL := newWSServer(t, h)

	for i := 0; i < MaxConnectionsPerViewer; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?role=seller&id=seller-1", nil)
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		defer func() { _ = conn.Close() }()
	}
	waitFor(t, func() bool { return h.Stats().ConnectedClients == MaxConnectionsPerViewer })

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?role=seller&id=seller-1", nil)
	if err == nil {
		t.Fatal("connection over the per-viewer limit should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", resp)
	}

	// Another seller is unaffected.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?role=seller&id=seller-2", nil)
	if err != nil {
		t.Fatalf("other seller dial failed: %v", err)
	}
	_ = conn.Close()
}

func TestCheckOrigin(t *testing.T) {
	h := testHub(WithAllowedOrigins([]string{"https://console.example.com/"}))

	req := func(origin string) *http.Request {
		r := httptest.NewRequest("GET", "http://api.example.com/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !h.checkOrigin(req("")) {
		t.Error("non-browser clients should be allowed")
	}
	if !h.checkOrigin(req("https://console.example.com")) {
		t.Error("configured origin should be allowed")
	}
	if !h.checkOrigin(req("https://api.example.com")) {
		t.Error("same host should be allowed")
	}
	if h.checkOrigin(req("https://evil.example.com")) {
		t.Error("unknown origin should be refused")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
