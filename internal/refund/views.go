package refund

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/refunddesk/internal/pagination"
)

// View is a request as returned to a reader, with derived fields.
type View struct {
	*RefundRequest
	IsEscalated    bool `json:"isEscalated"`
	HoursRemaining int  `json:"hoursRemaining"`
}

// Page is one page of a list projection.
type Page struct {
	Items      []*View `json:"items"`
	NextCursor string  `json:"nextCursor,omitempty"`
	HasMore    bool    `json:"hasMore"`
}

// PageRequest selects a page. Cursor is the NextCursor of the previous page.
type PageRequest struct {
	Limit  int
	Cursor string
	Status Status
}

// Project builds the view of r for a reader with role. Buyers see the
// public reason and outcome only; seller and admin comments are withheld.
func (s *Service) Project(r *RefundRequest, role Role) *View {
	now := s.now()
	cp := r.Clone()
	if role == RoleBuyer {
		cp.SellerComment = nil
		cp.AdminComment = nil
	}
	return &View{
		RefundRequest:  cp,
		IsEscalated:    s.rules.IsEscalated(r, now),
		HoursRemaining: s.rules.HoursRemaining(r, now),
	}
}

// ListForBuyer lists the buyer's requests, newest first.
func (s *Service) ListForBuyer(ctx context.Context, buyerEmail string, pr PageRequest) (*Page, error) {
	email := strings.ToLower(strings.TrimSpace(buyerEmail))
	return s.list(pr, RoleBuyer, func(opts ListOptions) ([]*RefundRequest, error) {
		return s.store.ListByBuyer(ctx, email, opts)
	})
}

// ListForSeller lists requests against the seller, newest first.
func (s *Service) ListForSeller(ctx context.Context, sellerID string, pr PageRequest) (*Page, error) {
	return s.list(pr, RoleSeller, func(opts ListOptions) ([]*RefundRequest, error) {
		return s.store.ListBySeller(ctx, sellerID, opts)
	})
}

// ListEscalated lists requests awaiting an admin: seller rejections and
// pending requests past their response deadline.
func (s *Service) ListEscalated(ctx context.Context, pr PageRequest) (*Page, error) {
	now := s.now()
	return s.list(pr, RoleAdmin, func(opts ListOptions) ([]*RefundRequest, error) {
		return s.store.ListEscalated(ctx, now, opts)
	})
}

func (s *Service) list(pr PageRequest, role Role, fetch func(ListOptions) ([]*RefundRequest, error)) (*Page, error) {
	limit := pr.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	opts := ListOptions{Limit: limit, StatusFilter: pr.Status}
	if pr.Cursor != "" {
		c, err := pagination.Decode(pr.Cursor)
		if err != nil {
			return nil, errors.Join(ErrValidation, err)
		}
		opts.BeforeTime, opts.BeforeID = c.CreatedAt, c.ID
	}

	rows, err := fetch(opts)
	if err != nil {
		return nil, err
	}
	rows, next, more := pagination.ComputePage(rows, limit, func(r *RefundRequest) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	page := &Page{Items: make([]*View, 0, len(rows)), NextCursor: next, HasMore: more}
	for _, r := range rows {
		page.Items = append(page.Items, s.Project(r, role))
	}
	return page, nil
}

// EligibilityView tells a buyer whether an order can still be disputed.
type EligibilityView struct {
	OrderID         string    `json:"orderId"`
	Eligible        bool      `json:"eligible"`
	Reason          string    `json:"reason,omitempty"`
	RefundDeadline  time.Time `json:"refundDeadline,omitempty"`
	DaysRemaining   int       `json:"daysRemaining"`
	ActiveRequestID string    `json:"activeRequestId,omitempty"`
}

// CheckEligibility reports whether the buyer may open a request on orderID.
func (s *Service) CheckEligibility(ctx context.Context, buyer Actor, orderID string) (*EligibilityView, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(order.BuyerEmail, strings.TrimSpace(buyer.Email)) {
		return nil, ErrForbidden
	}

	view := &EligibilityView{OrderID: order.ID}
	active, err := s.store.GetActiveByOrder(ctx, order.ID)
	switch {
	case err == nil:
		view.ActiveRequestID = active.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	now := s.now()
	if checkErr := s.rules.CheckCreate(order, active != nil, now); checkErr != nil {
		view.Reason = ErrorCode(checkErr)
	} else {
		view.Eligible = true
	}
	if order.CompletedAt != nil {
		view.RefundDeadline = s.rules.RefundDeadline(order).UTC()
		view.DaysRemaining = s.rules.DaysRemaining(order, now)
	}
	return view, nil
}
