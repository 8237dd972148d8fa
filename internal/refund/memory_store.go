package refund

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/refunddesk/internal/pagination"
)

// MemoryStore is an in-memory refund store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*RefundRequest
	active   map[string]string // order ID -> active request ID
	history  map[string][]*Transition
}

// NewMemoryStore creates a new in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*RefundRequest),
		active:   make(map[string]string),
		history:  make(map[string][]*Transition),
	}
}

func (m *MemoryStore) Create(ctx context.Context, req *RefundRequest, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[req.OrderID]; ok && req.Status.IsActive() {
		return ErrAlreadyActive
	}
	m.requests[req.ID] = req.Clone()
	if req.Status.IsActive() {
		m.active[req.OrderID] = req.ID
	}
	tc := *t
	m.history[req.ID] = append(m.history[req.ID], &tc)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetActiveByOrder(ctx context.Context, orderID string) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expectedStatus Status, expectedVersion int64, req *RefundRequest, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return ErrConcurrentModification
	}

	stored := req.Clone()
	// escalated_at is owned by the sweep and may have been set meanwhile.
	if stored.EscalatedAt == nil && cur.EscalatedAt != nil {
		t := *cur.EscalatedAt
		stored.EscalatedAt = &t
	}
	m.requests[req.ID] = stored
	if !stored.Status.IsActive() && m.active[stored.OrderID] == stored.ID {
		delete(m.active, stored.OrderID)
	}
	tc := *t
	m.history[req.ID] = append(m.history[req.ID], &tc)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.requests[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Transition, 0, len(m.history[id]))
	for _, t := range m.history[id] {
		tc := *t
		out = append(out, &tc)
	}
	return out, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerEmail string, opts ListOptions) ([]*RefundRequest, error) {
	email := strings.ToLower(buyerEmail)
	return m.list(opts, func(r *RefundRequest) bool { return r.BuyerEmail == email }), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, opts ListOptions) ([]*RefundRequest, error) {
	return m.list(opts, func(r *RefundRequest) bool { return r.SellerID == sellerID }), nil
}

func (m *MemoryStore) ListEscalated(ctx context.Context, now time.Time, opts ListOptions) ([]*RefundRequest, error) {
	return m.list(opts, func(r *RefundRequest) bool {
		return r.Status == StatusRejectedBySeller ||
			(r.Status == StatusPending && now.After(r.ResponseDeadline))
	}), nil
}

func (m *MemoryStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RefundRequest
	for _, r := range m.requests {
		if r.Status == StatusPending && r.EscalatedAt == nil && now.After(r.ResponseDeadline) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResponseDeadline.Before(out[j].ResponseDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != StatusPending || r.EscalatedAt != nil {
		return false, nil
	}
	t := at
	r.EscalatedAt = &t
	return true, nil
}

// list returns matching requests ordered by created_at DESC, id DESC,
// starting after the cursor, up to opts.Limit+1 rows.
func (m *MemoryStore) list(opts ListOptions, match func(*RefundRequest) bool) []*RefundRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cursor *pagination.Cursor
	if !opts.BeforeTime.IsZero() {
		cursor = &pagination.Cursor{CreatedAt: opts.BeforeTime, ID: opts.BeforeID}
	}

	var out []*RefundRequest
	for _, r := range m.requests {
		if !match(r) {
			continue
		}
		if opts.StatusFilter != "" && r.Status != opts.StatusFilter {
			continue
		}
		if cursor != nil && !cursor.After(r.CreatedAt, r.ID) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit+1 {
		out = out[:opts.Limit+1]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
