package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists refund requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, order_id, buyer_email, seller_id, product_id, amount, currency,
		       reason, seller_comment, admin_comment, cancel_reason, status,
		       response_deadline, refund_request_deadline, debited, escalated_at,
		       version, created_at, updated_at`

// activeIndex is the partial unique index allowing one active request per order.
const activeIndex = "idx_refund_one_active_per_order"

func (p *PostgresStore) Create(ctx context.Context, r *RefundRequest, t *Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_requests (
			id, order_id, buyer_email, seller_id, product_id, amount, currency,
			reason, seller_comment, admin_comment, cancel_reason, status,
			response_deadline, refund_request_deadline, debited, escalated_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)`,
		r.ID, r.OrderID, r.BuyerEmail, r.SellerID, r.ProductID, r.Amount, r.Currency,
		r.Reason, nullStringPtr(r.SellerComment), nullStringPtr(r.AdminComment), nullStringPtr(r.CancelReason), string(r.Status),
		r.ResponseDeadline, r.RefundRequestDeadline, r.Debited, nullTime(r.EscalatedAt),
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeIndex {
			return ErrAlreadyActive
		}
		return fmt.Errorf("insert refund request: %w", err)
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests
		WHERE order_id = $1 AND status IN ('pending', 'rejected_by_seller')`, orderID)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// CompareAndSwap updates the row only while status and version still match
// what the caller read, and appends the transition in the same transaction.
// escalated_at is left alone; the sweep owns it.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, expectedStatus Status, expectedVersion int64, r *RefundRequest, t *Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE refund_requests SET
			status = $1, seller_comment = $2, admin_comment = $3, cancel_reason = $4,
			debited = $5, version = $6, updated_at = $7
		WHERE id = $8 AND status = $9 AND version = $10`,
		string(r.Status), nullStringPtr(r.SellerComment), nullStringPtr(r.AdminComment), nullStringPtr(r.CancelReason),
		r.Debited, r.Version, r.UpdatedAt,
		r.ID, string(expectedStatus), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update refund request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM refund_requests WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}

	if err := insertTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, id string) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, event, from_status, to_status, actor_id, actor_role, comment, at
		FROM refund_transitions
		WHERE request_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		var event, to, role string
		var from, comment sql.NullString
		if err := rows.Scan(&t.RequestID, &event, &from, &to, &t.ActorID, &role, &comment, &t.At); err != nil {
			return nil, err
		}
		t.Event = EventKind(event)
		t.From = Status(from.String)
		t.To = Status(to)
		t.ActorRole = Role(role)
		t.Comment = comment.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerEmail string, opts ListOptions) ([]*RefundRequest, error) {
	return p.list(ctx, opts, "buyer_email = $1", strings.ToLower(buyerEmail))
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, opts ListOptions) ([]*RefundRequest, error) {
	return p.list(ctx, opts, "seller_id = $1", sellerID)
}

func (p *PostgresStore) ListEscalated(ctx context.Context, now time.Time, opts ListOptions) ([]*RefundRequest, error) {
	return p.list(ctx, opts,
		"(status = 'rejected_by_seller' OR (status = 'pending' AND response_deadline < $1))", now)
}

func (p *PostgresStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refund_requests
		WHERE status = 'pending'
		  AND escalated_at IS NULL
		  AND response_deadline < $1
		ORDER BY response_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRefunds(rows)
}

func (p *PostgresStore) MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_requests SET escalated_at = $2
		WHERE id = $1 AND status = 'pending' AND escalated_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// list runs a paged query. where must use $1 for its single argument.
func (p *PostgresStore) list(ctx context.Context, opts ListOptions, where string, arg interface{}) ([]*RefundRequest, error) {
	args := []interface{}{arg}
	query := `SELECT ` + refundColumns + ` FROM refund_requests WHERE ` + where

	if opts.StatusFilter != "" {
		args = append(args, string(opts.StatusFilter))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !opts.BeforeTime.IsZero() {
		args = append(args, opts.BeforeTime, opts.BeforeID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, opts.Limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRefunds(rows)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTransition(ctx context.Context, db execer, t *Transition) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refund_transitions (request_id, event, from_status, to_status, actor_id, actor_role, comment, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.RequestID, string(t.Event), nullString(string(t.From)), string(t.To),
		t.ActorID, string(t.ActorRole), nullString(t.Comment), t.At,
	)
	if err != nil {
		return fmt.Errorf("insert refund transition: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRefund(s scanner) (*RefundRequest, error) {
	r := &RefundRequest{}
	var (
		status        string
		sellerComment sql.NullString
		adminComment  sql.NullString
		cancelReason  sql.NullString
		escalatedAt   sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.OrderID, &r.BuyerEmail, &r.SellerID, &r.ProductID, &r.Amount, &r.Currency,
		&r.Reason, &sellerComment, &adminComment, &cancelReason, &status,
		&r.ResponseDeadline, &r.RefundRequestDeadline, &r.Debited, &escalatedAt,
		&r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.SellerComment = stringPtr(sellerComment)
	r.AdminComment = stringPtr(adminComment)
	r.CancelReason = stringPtr(cancelReason)
	if escalatedAt.Valid {
		t := escalatedAt.Time
		r.EscalatedAt = &t
	}
	r.Currency = strings.TrimSpace(r.Currency)
	return r, nil
}

func scanRefunds(rows *sql.Rows) ([]*RefundRequest, error) {
	var result []*RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
