// Package refund resolves buyer refund disputes on completed orders.
//
// Flow:
//  1. Buyer opens a request on a completed order (within the refund window)
//  2. Seller approves or rejects within 48 business hours
//  3. Approval debits the seller balance once, keyed by the request ID
//  4. A seller rejection, or a lapsed window, escalates to an admin
//  5. Admin approves or rejects; the decision is final
//
// All status changes go through one transition table. A request is
// debited at most once however many approvals reach it.
package refund

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotEligible            = errors.New("refund: order is outside the refund window")
	ErrAlreadyActive          = errors.New("refund: order already has an active refund request")
	ErrOrderNotCompleted      = errors.New("refund: order is not completed")
	ErrNotFound               = errors.New("refund: request not found")
	ErrForbidden              = errors.New("refund: actor may not act on this request")
	ErrInvalidTransition      = errors.New("refund: transition not allowed from current status")
	ErrWindowExpired          = errors.New("refund: seller response window has expired")
	ErrValidation             = errors.New("refund: validation failed")
	ErrConcurrentModification = errors.New("refund: request was modified concurrently")
	ErrLedgerFailure          = errors.New("refund: seller balance debit could not be confirmed")

	// ErrOrderNotFound is returned by OrderLookup implementations.
	ErrOrderNotFound = errors.New("refund: order not found")
	// ErrDebitAlreadyApplied is returned by Ledger implementations when the
	// idempotency key was already debited. The engine treats it as success.
	ErrDebitAlreadyApplied = errors.New("refund: debit already applied")
	// ErrNoDebit is returned by Reverser implementations when no debit was
	// ever recorded under the key.
	ErrNoDebit = errors.New("refund: no debit to reverse")
)

// Status represents the state of a refund request.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApprovedBySeller Status = "approved_by_seller"
	StatusRejectedBySeller Status = "rejected_by_seller"
	StatusApprovedByAdmin  Status = "approved_by_admin"
	StatusRejectedByAdmin  Status = "rejected_by_admin"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal returns true if no further transition is accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApprovedBySeller, StatusApprovedByAdmin, StatusRejectedByAdmin, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// IsActive returns true while the request blocks a new one on the same order.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRejectedBySeller
}

// EventKind names a transition. Status is only ever written by applying one.
type EventKind string

const (
	EventCreate        EventKind = "create"
	EventSellerApprove EventKind = "seller_approve"
	EventSellerReject  EventKind = "seller_reject"
	EventAdminApprove  EventKind = "admin_approve"
	EventAdminReject   EventKind = "admin_reject"
	EventCancel        EventKind = "cancel"
)

// Debits reports whether the event moves money out of the seller balance.
func (e EventKind) Debits() bool {
	return e == EventSellerApprove || e == EventAdminApprove
}

// transitions is the whole state machine. Creation has no source status.
var transitions = map[Status]map[EventKind]Status{
	"": {
		EventCreate: StatusPending,
	},
	StatusPending: {
		EventSellerApprove: StatusApprovedBySeller,
		EventSellerReject:  StatusRejectedBySeller,
		EventAdminApprove:  StatusApprovedByAdmin,
		EventAdminReject:   StatusRejectedByAdmin,
		EventCancel:        StatusCancelled,
	},
	StatusRejectedBySeller: {
		EventAdminApprove: StatusApprovedByAdmin,
		EventAdminReject:  StatusRejectedByAdmin,
		EventCancel:       StatusCancelled,
	},
}

// Next returns the status reached by applying event in from.
func Next(from Status, event EventKind) (Status, error) {
	to, ok := transitions[from][event]
	if !ok {
		return "", ErrInvalidTransition
	}
	return to, nil
}

// Action is a decision a seller or admin can take.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Role identifies who performed a transition.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the party applying a transition.
type Actor struct {
	ID    string
	Role  Role
	Email string
}

// RefundRequest is the dispute record.
type RefundRequest struct {
	ID                    string     `json:"id"`
	OrderID               string     `json:"orderId"`
	BuyerEmail            string     `json:"buyerEmail"`
	SellerID              string     `json:"sellerId"`
	ProductID             string     `json:"productId,omitempty"`
	Amount                string     `json:"amount"`
	Currency              string     `json:"currency"`
	Reason                string     `json:"reason"`
	SellerComment         *string    `json:"sellerComment"`
	AdminComment          *string    `json:"adminComment"`
	CancelReason          *string    `json:"cancelReason,omitempty"`
	Status                Status     `json:"status"`
	ResponseDeadline      time.Time  `json:"responseDeadline"`
	RefundRequestDeadline time.Time  `json:"refundRequestDeadline"`
	Debited               bool       `json:"debited"`
	EscalatedAt           *time.Time `json:"escalatedAt,omitempty"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the request is in a final state.
func (r *RefundRequest) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy.
func (r *RefundRequest) Clone() *RefundRequest {
	cp := *r
	cp.SellerComment = cloneString(r.SellerComment)
	cp.AdminComment = cloneString(r.AdminComment)
	cp.CancelReason = cloneString(r.CancelReason)
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		cp.EscalatedAt = &t
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Transition is one audit entry. Entries are never changed or removed.
type Transition struct {
	RequestID string    `json:"requestId"`
	Event     EventKind `json:"event"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actorId"`
	ActorRole Role      `json:"actorRole"`
	Comment   string    `json:"comment,omitempty"`
	At        time.Time `json:"at"`
}

// Order is the part of a storefront order this package needs.
type Order struct {
	ID          string
	Status      string
	Amount      string
	Currency    string
	CompletedAt *time.Time
	SellerID    string
	BuyerEmail  string
	ProductID   string
}

// OrderStatusCompleted is the only order status that accepts refunds.
const OrderStatusCompleted = "completed"

// OrderLookup abstracts order storage so refund doesn't import orders.
type OrderLookup interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
}

// Ledger abstracts the seller balance so refund doesn't import ledger.
type Ledger interface {
	Debit(ctx context.Context, accountID, amount, currency, idempotencyKey string) error
}

// Reverser undoes a debit. Optional; used when a debit landed but the
// transition that issued it lost a race. Implementations return ErrNoDebit
// when nothing was debited under the key and ErrDebitAlreadyApplied when the
// debit was already reversed.
type Reverser interface {
	ReverseDebit(ctx context.Context, idempotencyKey string) error
}

// ListOptions pages a list query. Queries return up to Limit+1 rows so the
// caller can tell whether another page exists.
type ListOptions struct {
	Limit        int
	BeforeTime   time.Time
	BeforeID     string
	StatusFilter Status
}

// Store persists refund requests and their audit trail.
type Store interface {
	// Create inserts a new request with its creation transition. It
	// returns ErrAlreadyActive if the order has an active request.
	Create(ctx context.Context, req *RefundRequest, t *Transition) error
	Get(ctx context.Context, id string) (*RefundRequest, error)
	GetActiveByOrder(ctx context.Context, orderID string) (*RefundRequest, error)
	// CompareAndSwap stores req only if the current row still has
	// expectedStatus and expectedVersion, appending t in the same step.
	// It returns ErrConcurrentModification otherwise.
	CompareAndSwap(ctx context.Context, expectedStatus Status, expectedVersion int64, req *RefundRequest, t *Transition) error
	History(ctx context.Context, id string) ([]*Transition, error)
	ListByBuyer(ctx context.Context, buyerEmail string, opts ListOptions) ([]*RefundRequest, error)
	ListBySeller(ctx context.Context, sellerID string, opts ListOptions) ([]*RefundRequest, error)
	// ListEscalated returns rejected_by_seller requests and pending ones
	// whose response deadline is before now.
	ListEscalated(ctx context.Context, now time.Time, opts ListOptions) ([]*RefundRequest, error)
	// ListLapsed returns pending requests past their deadline that have
	// not been marked escalated yet.
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*RefundRequest, error)
	// MarkEscalated stamps escalated_at on a still-pending request. It
	// reports false if another sweeper got there first.
	MarkEscalated(ctx context.Context, id string, at time.Time) (bool, error)
}
