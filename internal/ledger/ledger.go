// Package ledger keeps seller balances and the entries that move them.
//
// Refund debits are keyed by an idempotency key (the refund request ID).
// Applying the same debit twice never moves money twice: the second call
// reports ErrAlreadyApplied and leaves the balance untouched. Balances may
// go negative; a refund is owed to the buyer whatever the seller holds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/refunddesk/internal/idgen"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/money"
)

var (
	ErrAlreadyApplied      = errors.New("ledger: idempotency key already applied")
	ErrEntryNotFound       = errors.New("ledger: entry not found")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientContext = errors.New("ledger: account, currency and idempotency key are required")
)

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryCredit         EntryType = "credit"
	EntryRefundDebit    EntryType = "refund_debit"
	EntryRefundReversal EntryType = "refund_reversal"
)

// Sign returns +1 for entries that add to the balance and -1 otherwise.
func (t EntryType) Sign() int {
	if t == EntryRefundDebit {
		return -1
	}
	return 1
}

// Entry is one immutable balance movement.
type Entry struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Currency       string    `json:"currency"`
	Type           EntryType `json:"type"`
	Amount         string    `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance is an account's position in one currency.
type Balance struct {
	AccountID     string    `json:"accountId"`
	Currency      string    `json:"currency"`
	Available     string    `json:"available"`
	TotalCredited string    `json:"totalCredited"`
	TotalDebited  string    `json:"totalDebited"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists entries and balances.
//
// Apply must be atomic: the entry is recorded and the balance adjusted
// together, or neither happens. A second entry with the same type and
// idempotency key returns ErrAlreadyApplied.
type Store interface {
	Apply(ctx context.Context, entry *Entry) error
	FindEntry(ctx context.Context, entryType EntryType, idempotencyKey string) (*Entry, error)
	GetBalances(ctx context.Context, accountID string) ([]*Balance, error)
	GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// Ledger applies balance movements through a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Debit takes amount from accountID once per idempotency key.
func (l *Ledger) Debit(ctx context.Context, accountID, amount, currency, idempotencyKey string) (err error) {
	defer func(start time.Time) { observeOp(EntryRefundDebit, start, err) }(time.Now())

	entry, err := l.newEntry(accountID, amount, currency, idempotencyKey, EntryRefundDebit)
	if err != nil {
		return err
	}
	entry.Description = "refund " + idempotencyKey
	if err := l.store.Apply(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			return err
		}
		return fmt.Errorf("ledger debit %s: %w", idempotencyKey, err)
	}

	l.logger.Info("seller debited",
		"account", accountID, "amount", entry.Amount, "currency", currency, "key", idempotencyKey)
	return nil
}

// ReverseDebit credits back the refund debit recorded under idempotencyKey.
// It returns ErrEntryNotFound when no such debit exists and
// ErrAlreadyApplied when it was already reversed.
func (l *Ledger) ReverseDebit(ctx context.Context, idempotencyKey string) (err error) {
	defer func(start time.Time) { observeOp(EntryRefundReversal, start, err) }(time.Now())

	debit, err := l.store.FindEntry(ctx, EntryRefundDebit, idempotencyKey)
	if err != nil {
		return err
	}
	entry := &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      debit.AccountID,
		Currency:       debit.Currency,
		Type:           EntryRefundReversal,
		Amount:         debit.Amount,
		IdempotencyKey: idempotencyKey,
		Description:    "reversal of " + debit.ID,
		CreatedAt:      l.now(),
	}
	if err := l.store.Apply(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			return err
		}
		return fmt.Errorf("ledger reversal %s: %w", idempotencyKey, err)
	}

	l.logger.Warn("refund debit reversed",
		"account", debit.AccountID, "amount", debit.Amount, "key", idempotencyKey)
	return nil
}

// Credit adds funds to an account, e.g. settled sales. reference makes the
// credit idempotent the same way a debit key does.
func (l *Ledger) Credit(ctx context.Context, accountID, amount, currency, reference string) (err error) {
	defer func(start time.Time) { observeOp(EntryCredit, start, err) }(time.Now())

	entry, err := l.newEntry(accountID, amount, currency, reference, EntryCredit)
	if err != nil {
		return err
	}
	return l.store.Apply(ctx, entry)
}

// Balances returns every currency position held by accountID.
func (l *Ledger) Balances(ctx context.Context, accountID string) ([]*Balance, error) {
	return l.store.GetBalances(ctx, accountID)
}

// History returns the most recent entries for accountID, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, accountID, limit)
}

func (l *Ledger) newEntry(accountID, amount, currency, key string, typ EntryType) (*Entry, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(key) == "" || !money.ValidCurrency(currency) {
		return nil, ErrInsufficientContext
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	normalized, _ := money.Normalize(amount)
	return &Entry{
		ID:             idgen.WithPrefix("le_"),
		AccountID:      accountID,
		Currency:       currency,
		Type:           typ,
		Amount:         normalized,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	}, nil
}

// observeOp records one ledger operation. A replayed idempotency key is
// counted apart from failures.
func observeOp(op EntryType, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrAlreadyApplied):
		result = "duplicate"
	case errors.Is(err, ErrEntryNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(op), result).Inc()
	metrics.LedgerOperationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}
