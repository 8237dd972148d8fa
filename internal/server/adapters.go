package server

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/refunddesk/internal/ledger"
	"github.com/mbd888/refunddesk/internal/orders"
	"github.com/mbd888/refunddesk/internal/refund"
)

// ordersAdapter adapts orders.Store to refund.OrderLookup.
type ordersAdapter struct {
	store orders.Store
}

func (a *ordersAdapter) GetOrder(ctx context.Context, id string) (*refund.Order, error) {
	o, err := a.store.Get(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, refund.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &refund.Order{
		ID:          o.ID,
		Status:      string(o.Status),
		Amount:      o.Amount,
		Currency:    o.Currency,
		CompletedAt: o.CompletedAt,
		SellerID:    o.SellerID,
		BuyerEmail:  o.BuyerEmail,
		ProductID:   o.ProductID,
	}, nil
}

// ledgerAdapter adapts ledger.Ledger to refund.Ledger and refund.Reverser.
type ledgerAdapter struct {
	l *ledger.Ledger
}

func (a *ledgerAdapter) Debit(ctx context.Context, accountID, amount, currency, key string) error {
	err := a.l.Debit(ctx, accountID, amount, currency, key)
	if errors.Is(err, ledger.ErrAlreadyApplied) {
		return refund.ErrDebitAlreadyApplied
	}
	return err
}

func (a *ledgerAdapter) ReverseDebit(ctx context.Context, key string) error {
	err := a.l.ReverseDebit(ctx, key)
	switch {
	case errors.Is(err, ledger.ErrEntryNotFound):
		return refund.ErrNoDebit
	case errors.Is(err, ledger.ErrAlreadyApplied):
		return refund.ErrDebitAlreadyApplied
	}
	return err
}

// seedDemoOrders loads a few completed orders so the in-memory mode can be
// exercised end to end.
func seedDemoOrders(store *orders.MemoryStore, now time.Time) {
	recent := now.Add(-48 * time.Hour)
	old := now.Add(-30 * 24 * time.Hour)
	store.Put(&orders.Order{
		ID: "ord-demo-1", Status: orders.StatusCompleted, Amount: "149.90", Currency: "BRL",
		CompletedAt: &recent, SellerID: "seller-demo", BuyerEmail: "buyer@example.com", ProductID: "course-go",
	})
	store.Put(&orders.Order{
		ID: "ord-demo-2", Status: orders.StatusCompleted, Amount: "39.00", Currency: "BRL",
		CompletedAt: &old, SellerID: "seller-demo", BuyerEmail: "buyer@example.com", ProductID: "ebook-sql",
	})
	store.Put(&orders.Order{
		ID: "ord-demo-3", Status: orders.StatusPaid, Amount: "20.00", Currency: "BRL",
		SellerID: "seller-demo", BuyerEmail: "buyer@example.com", ProductID: "template-pack",
	})
}
