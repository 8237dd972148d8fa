package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/mbd888/refunddesk/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance // "account|currency"
	entries  []*Entry
	applied  map[string]*Entry // "type|key"
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		applied:  make(map[string]*Entry),
	}
}

func balanceKey(accountID, currency string) string { return accountID + "|" + currency }

func appliedKey(t EntryType, key string) string { return string(t) + "|" + key }

func (m *MemoryStore) Apply(ctx context.Context, entry *Entry) error {
	amount, ok := money.Parse(entry.Amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ak := appliedKey(entry.Type, entry.IdempotencyKey)
	if _, dup := m.applied[ak]; dup {
		return ErrAlreadyApplied
	}

	bk := balanceKey(entry.AccountID, entry.Currency)
	bal, ok := m.balances[bk]
	if !ok {
		bal = &Balance{
			AccountID:     entry.AccountID,
			Currency:      entry.Currency,
			Available:     "0.00",
			TotalCredited: "0.00",
			TotalDebited:  "0.00",
		}
		m.balances[bk] = bal
	}

	avail, ok := parseSigned(bal.Available)
	if !ok {
		avail = new(big.Int)
	}
	if entry.Type.Sign() < 0 {
		avail.Sub(avail, amount)
		debited, _ := money.Parse(bal.TotalDebited)
		bal.TotalDebited = money.Format(debited.Add(debited, amount))
	} else {
		avail.Add(avail, amount)
		credited, _ := money.Parse(bal.TotalCredited)
		bal.TotalCredited = money.Format(credited.Add(credited, amount))
	}
	bal.Available = money.Format(avail)
	bal.UpdatedAt = entry.CreatedAt

	cp := *entry
	m.entries = append(m.entries, &cp)
	m.applied[ak] = &cp
	return nil
}

func (m *MemoryStore) FindEntry(ctx context.Context, entryType EntryType, idempotencyKey string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.applied[appliedKey(entryType, idempotencyKey)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetBalances(ctx context.Context, accountID string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for _, b := range m.balances {
		if b.AccountID == accountID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// parseSigned parses a balance that may carry a leading minus sign.
func parseSigned(s string) (*big.Int, bool) {
	if len(s) > 0 && s[0] == '-' {
		v, ok := money.Parse(s[1:])
		if !ok {
			return nil, false
		}
		return v.Neg(v), true
	}
	return money.Parse(s)
}

var _ Store = (*MemoryStore)(nil)
