// Package orders reads the storefront's orders.
//
// Orders are owned by the checkout system. This package only looks them up;
// the postgres store reads a replicated projection of the orders table.
package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("orders: order not found")

// Status is the checkout status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is the read-only view of a storefront order.
type Order struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	SellerID    string     `json:"sellerId"`
	BuyerEmail  string     `json:"buyerEmail"`
	ProductID   string     `json:"productId"`
}

// Store looks orders up by ID.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
}

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Put inserts or replaces an order. Buyer emails are stored lowercased.
func (m *MemoryStore) Put(o *Order) {
	cp := *o
	cp.BuyerEmail = strings.ToLower(strings.TrimSpace(cp.BuyerEmail))
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = &cp
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
