package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by
// the goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply records the entry and moves the balance in one transaction. The
// UNIQUE (type, idempotency_key) constraint turns a replay into a no-op.
func (p *PostgresStore) Apply(ctx context.Context, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, currency, type, amount, idempotency_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8)
		ON CONFLICT (type, idempotency_key) DO NOTHING
	`, entry.ID, entry.AccountID, entry.Currency, string(entry.Type), entry.Amount,
		entry.IdempotencyKey, entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAlreadyApplied
	}

	delta, credited, debited := entry.Amount, entry.Amount, "0"
	if entry.Type.Sign() < 0 {
		delta, credited, debited = "-"+entry.Amount, "0", entry.Amount
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seller_balances (account_id, currency, available, total_credited, total_debited, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6)
		ON CONFLICT (account_id, currency) DO UPDATE SET
			available      = seller_balances.available + EXCLUDED.available,
			total_credited = seller_balances.total_credited + EXCLUDED.total_credited,
			total_debited  = seller_balances.total_debited + EXCLUDED.total_debited,
			updated_at     = EXCLUDED.updated_at
	`, entry.AccountID, entry.Currency, delta, credited, debited, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) FindEntry(ctx context.Context, entryType EntryType, idempotencyKey string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, currency, type, amount, idempotency_key, description, created_at
		FROM ledger_entries
		WHERE type = $1 AND idempotency_key = $2
	`, string(entryType), idempotencyKey)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) GetBalances(ctx context.Context, accountID string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, currency, available, total_credited, total_debited, updated_at
		FROM seller_balances
		WHERE account_id = $1
		ORDER BY currency
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.AccountID, &b.Currency, &b.Available, &b.TotalCredited, &b.TotalDebited, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetHistory retrieves ledger entries for an account
func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, currency, type, amount, idempotency_key, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var typ string
	var description sql.NullString
	if err := s.Scan(&e.ID, &e.AccountID, &e.Currency, &typ, &e.Amount, &e.IdempotencyKey, &description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.Description = description.String
	return e, nil
}

var _ Store = (*PostgresStore)(nil)
