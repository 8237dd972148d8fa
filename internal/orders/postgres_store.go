package orders

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads orders from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var status string
	var completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, status, amount, currency, completed_at, seller_id, LOWER(buyer_email), product_id
		FROM orders
		WHERE id = $1
	`, id).Scan(&o.ID, &status, &o.Amount, &o.Currency, &completedAt, &o.SellerID, &o.BuyerEmail, &o.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return o, nil
}

var _ Store = (*PostgresStore)(nil)
