package refund

import (
	"context"
	"time"
)

// EventType names a notification about a refund request.
type EventType string

const (
	EventRequested        EventType = "refund.requested"
	EventApprovedBySeller EventType = "refund.approved_by_seller"
	EventRejectedBySeller EventType = "refund.rejected_by_seller"
	EventApprovedByAdmin  EventType = "refund.approved_by_admin"
	EventRejectedByAdmin  EventType = "refund.rejected_by_admin"
	EventCancelled        EventType = "refund.cancelled"
	EventEscalated        EventType = "refund.escalated"
)

// AllAdmins addresses every admin.
const AllAdmins = "*"

// Recipient is one party to inform. Buyers are addressed by email.
type Recipient struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Event is a notification. Request is a snapshot taken after the change.
type Event struct {
	Type       EventType      `json:"type"`
	Request    *RefundRequest `json:"request"`
	Transition *Transition    `json:"transition,omitempty"`
	Recipients []Recipient    `json:"recipients"`
	At         time.Time      `json:"at"`
}

// Notifier informs parties of changes. Implementations must not block for
// long and must swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

var eventTypes = map[Status]EventType{
	StatusPending:          EventRequested,
	StatusApprovedBySeller: EventApprovedBySeller,
	StatusRejectedBySeller: EventRejectedBySeller,
	StatusApprovedByAdmin:  EventApprovedByAdmin,
	StatusRejectedByAdmin:  EventRejectedByAdmin,
	StatusCancelled:        EventCancelled,
}

// NewEvent builds the notification for transition t on r.
func NewEvent(r *RefundRequest, t *Transition) Event {
	ev := Event{
		Type:       eventTypes[t.To],
		Request:    r.Clone(),
		Transition: t,
		At:         t.At,
	}
	buyer := Recipient{Role: RoleBuyer, ID: r.BuyerEmail}
	seller := Recipient{Role: RoleSeller, ID: r.SellerID}
	admins := Recipient{Role: RoleAdmin, ID: AllAdmins}

	switch t.To {
	case StatusPending:
		ev.Recipients = []Recipient{seller}
	case StatusApprovedBySeller:
		ev.Recipients = []Recipient{buyer}
	case StatusRejectedBySeller:
		ev.Recipients = []Recipient{buyer, admins}
	case StatusApprovedByAdmin, StatusRejectedByAdmin:
		ev.Recipients = []Recipient{buyer, seller}
	case StatusCancelled:
		ev.Recipients = []Recipient{buyer, seller}
	}
	return ev
}

// NewEscalationEvent builds the notification sent when a seller's window lapses.
func NewEscalationEvent(r *RefundRequest, at time.Time) Event {
	return Event{
		Type:    EventEscalated,
		Request: r.Clone(),
		Recipients: []Recipient{
			{Role: RoleAdmin, ID: AllAdmins},
			{Role: RoleSeller, ID: r.SellerID},
		},
		At: at,
	}
}
