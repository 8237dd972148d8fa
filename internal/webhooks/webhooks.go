// Package webhooks delivers refund notifications to external endpoints.
//
// Sellers and admins register webhook URLs to receive events such as:
// - A new refund request against the seller
// - A seller or admin decision
// - A request escalated after the seller's window lapsed
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/refunddesk/internal/circuitbreaker"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/retry"
	"github.com/mbd888/refunddesk/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 20

// Header names sent with every delivery.
const (
	HeaderEvent     = "X-Refunddesk-Event"
	HeaderTimestamp = "X-Refunddesk-Timestamp"
	HeaderSignature = "X-Refunddesk-Signature"
	HeaderDelivery  = "X-Refunddesk-Delivery"
)

// AllOwners addresses every subscription of a role, e.g. all admins.
const AllOwners = "*"

// Event is the JSON body of a delivery.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription is one registered endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"ownerId"`
	OwnerRole           string     `json:"ownerRole"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // Used for HMAC signing
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription asked for eventType. An empty
// event list subscribes to everything.
func (s *Subscription) Wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Target selects which subscriptions receive an event.
type Target struct {
	Role string
	ID   string
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, role, ownerID string) ([]*Subscription, error)
	GetByRole(ctx context.Context, role string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	logger       *slog.Logger
	urlValidator func(string) error
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
	d.breaker = circuitbreaker.New(5, time.Minute).OnTransition(d.circuitChanged)
	return d
}

func (d *Dispatcher) circuitChanged(url string, from, to circuitbreaker.State) {
	metrics.WebhookCircuitTransitionsTotal.WithLabelValues(to.String()).Inc()
	if to == circuitbreaker.StateOpen {
		d.logger.Warn("webhook endpoint circuit opened", "url", url, "from", from.String())
	}
}

// WithHTTPClient replaces the delivery client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithURLValidator replaces the endpoint check run before every send.
func (d *Dispatcher) WithURLValidator(fn func(string) error) *Dispatcher {
	d.urlValidator = fn
	return d
}

// OpenCircuits returns how many endpoints are currently short-circuited.
func (d *Dispatcher) OpenCircuits() int {
	return d.breaker.OpenCount()
}

// WithRetryPolicy replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Dispatch sends event to every active subscription of target that wants
// it. Deliveries run in the background; Dispatch returns how many started.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, event *Event) (int, error) {
	var (
		subs []*Subscription
		err  error
	)
	if target.ID == AllOwners {
		subs, err = d.store.GetByRole(ctx, target.Role)
	} else {
		subs, err = d.store.GetByOwner(ctx, target.Role, target.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	started := 0
	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		started++
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, event, payload)
		}(sub)
	}
	return started, nil
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if !d.breaker.Allow(sub.URL) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		d.logger.Warn("webhook circuit open, skipping delivery", "webhook", sub.ID, "event", event.Type)
		return
	}

	err := retry.Do(ctx, d.policy, func() error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed", "webhook", sub.ID, "event", event.Type, "error", err)
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.breaker.RecordSuccess(sub.URL)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	// Checked on every send: DNS may have changed since registration.
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	ts := strconv.FormatInt(event.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, ts)

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload" under secret.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	now := d.now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, cur); err != nil {
		d.logger.Warn("failed to record webhook success", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= MaxConsecutiveFailures && cur.Active {
		cur.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID, "owner", sub.OwnerID, "failures", cur.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, cur); err != nil {
		d.logger.Warn("failed to record webhook error", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return copySub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByOwner(ctx context.Context, role, ownerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerRole == role && sub.OwnerID == ownerID {
			result = append(result, copySub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByRole(ctx context.Context, role string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerRole == role {
			result = append(result, copySub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
