package refund

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/refunddesk/internal/bizhours"
)

// monday is 2026-03-02 09:00 UTC.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func (f *fakeOrders) GetOrder(_ context.Context, id string) (*Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) put(o *Order) {
	f.mu.Lock()
	f.orders[o.ID] = o
	f.mu.Unlock()
}

type debitRecord struct {
	account  string
	amount   string
	currency string
}

// fakeLedger applies each idempotency key at most once.
type fakeLedger struct {
	mu       sync.Mutex
	debits   map[string]debitRecord
	reversed map[string]bool
	calls    int
	fail     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{debits: make(map[string]debitRecord), reversed: make(map[string]bool)}
}

func (l *fakeLedger) Debit(_ context.Context, accountID, amount, currency, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail != nil {
		return l.fail
	}
	if _, ok := l.debits[key]; ok {
		return ErrDebitAlreadyApplied
	}
	l.debits[key] = debitRecord{account: accountID, amount: amount, currency: currency}
	return nil
}

func (l *fakeLedger) ReverseDebit(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.debits[key]; !ok {
		return ErrNoDebit
	}
	if l.reversed[key] {
		return ErrDebitAlreadyApplied
	}
	l.reversed[key] = true
	return nil
}

func (l *fakeLedger) applied(key string) (debitRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.debits[key]
	return d, ok && !l.reversed[key]
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.debits {
		if !l.reversed[k] {
			n++
		}
	}
	return n
}

func (l *fakeLedger) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

type recordingNotifier struct {
	events chan Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan Event, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.events <- ev
}

func (n *recordingNotifier) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Event{}
	}
}

// noLock lets concurrent callers through so the compare-and-swap alone
// has to settle races.
type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type fixture struct {
	svc      *Service
	store    *MemoryStore
	orders   *fakeOrders
	ledger   *fakeLedger
	clock    *testClock
	notifier *recordingNotifier
}

const (
	buyerEmail = "ana@example.com"
	sellerID   = "seller-1"
	adminID    = "admin-1"
)

var (
	buyer = Actor{ID: "buyer-1", Role: RoleBuyer, Email: buyerEmail}
	admin = Actor{ID: adminID, Role: RoleAdmin}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		orders:   &fakeOrders{orders: make(map[string]*Order)},
		ledger:   newFakeLedger(),
		clock:    &testClock{t: monday},
		notifier: newRecordingNotifier(),
	}
	rules := NewEligibility(bizhours.NewCalendar(time.UTC), 0, 0)
	f.svc = NewService(f.store, f.orders, f.ledger, rules).
		WithClock(f.clock.Now).
		WithNotifier(f.notifier)
	return f
}

// completedOrder adds an order completed at completedAt.
func (f *fixture) completedOrder(id string, completedAt time.Time) *Order {
	o := &Order{
		ID:          id,
		Status:      OrderStatusCompleted,
		Amount:      "100.00",
		Currency:    "EUR",
		CompletedAt: &completedAt,
		SellerID:    sellerID,
		BuyerEmail:  buyerEmail,
		ProductID:   "prod-1",
	}
	f.orders.put(o)
	return o
}

// pending creates a completed order and a pending request on it at the
// current clock time.
func (f *fixture) pending(t *testing.T, orderID string) *RefundRequest {
	t.Helper()
	f.completedOrder(orderID, f.clock.Now().Add(-time.Hour))
	r, err := f.svc.Create(context.Background(), buyer, CreateInput{OrderID: orderID, Reason: "never arrived"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}
