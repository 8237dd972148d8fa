package refund

import (
	"math"
	"time"

	"github.com/mbd888/refunddesk/internal/bizhours"
)

const (
	// DefaultRefundWindow is how long after completion a buyer may open a request.
	DefaultRefundWindow = 7 * 24 * time.Hour
	// DefaultResponseBusinessHours is the seller's window to decide.
	DefaultResponseBusinessHours = 48
)

// Eligibility holds the deadline rules. All checks take now explicitly.
type Eligibility struct {
	calendar      *bizhours.Calendar
	refundWindow  time.Duration
	responseHours int
}

// NewEligibility creates the rules. Zero values fall back to the defaults.
func NewEligibility(calendar *bizhours.Calendar, refundWindow time.Duration, responseHours int) *Eligibility {
	if calendar == nil {
		calendar = bizhours.NewCalendar(time.UTC)
	}
	if refundWindow <= 0 {
		refundWindow = DefaultRefundWindow
	}
	if responseHours <= 0 {
		responseHours = DefaultResponseBusinessHours
	}
	return &Eligibility{calendar: calendar, refundWindow: refundWindow, responseHours: responseHours}
}

// RefundDeadline is the last instant a request may be created for o.
// It is the zero time when the order never completed.
func (e *Eligibility) RefundDeadline(o *Order) time.Time {
	if o.CompletedAt == nil {
		return time.Time{}
	}
	return o.CompletedAt.Add(e.refundWindow)
}

// CheckCreate returns nil when a request may be opened for o at now.
// hasActive reports whether o already has a non-terminal request.
func (e *Eligibility) CheckCreate(o *Order, hasActive bool, now time.Time) error {
	if o.Status != OrderStatusCompleted || o.CompletedAt == nil {
		return ErrOrderNotCompleted
	}
	if hasActive {
		return ErrAlreadyActive
	}
	// Inclusive: now == deadline is still eligible.
	if now.After(e.RefundDeadline(o)) {
		return ErrNotEligible
	}
	return nil
}

// CanCreate is CheckCreate as a predicate.
func (e *Eligibility) CanCreate(o *Order, hasActive bool, now time.Time) bool {
	return e.CheckCreate(o, hasActive, now) == nil
}

// ResponseDeadline is createdAt plus the seller's business-hour window.
func (e *Eligibility) ResponseDeadline(createdAt time.Time) time.Time {
	return e.calendar.AddBusinessHours(createdAt, e.responseHours).UTC()
}

// CanSellerDecide reports whether the seller may still act on r.
func (e *Eligibility) CanSellerDecide(r *RefundRequest, now time.Time) bool {
	return r.Status == StatusPending && !now.After(r.ResponseDeadline)
}

// IsEscalated reports whether r needs an admin.
func (e *Eligibility) IsEscalated(r *RefundRequest, now time.Time) bool {
	switch r.Status {
	case StatusRejectedBySeller:
		return true
	case StatusPending:
		return now.After(r.ResponseDeadline)
	}
	return false
}

// DaysRemaining is the number of calendar days, rounded up, left to open a
// request on o. Zero once the window has closed.
func (e *Eligibility) DaysRemaining(o *Order, now time.Time) int {
	deadline := e.RefundDeadline(o)
	if deadline.IsZero() || now.After(deadline) {
		return 0
	}
	return int(math.Ceil(deadline.Sub(now).Hours() / 24))
}

// HoursRemaining is the business time, in whole hours rounded up, the
// seller has left on r. Zero unless r is pending and inside the window.
func (e *Eligibility) HoursRemaining(r *RefundRequest, now time.Time) int {
	if !e.CanSellerDecide(r, now) {
		return 0
	}
	left := e.calendar.Between(now, r.ResponseDeadline)
	return int(math.Ceil(left.Hours()))
}
