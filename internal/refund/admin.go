package refund

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AdminDecision is the body of an administrative override.
type AdminDecision struct {
	Action  Action `json:"action"`
	Comment string `json:"comment"`
}

// AdminOverride applies the final decision on a pending or seller-rejected
// request. A comment is always required. Admins may act on a pending
// request before the seller's window lapses. Approval uses the same
// idempotency key as the seller path, so the seller is debited at most once.
func (s *Service) AdminOverride(ctx context.Context, id, adminID string, d AdminDecision) (*RefundRequest, error) {
	comment := strings.TrimSpace(d.Comment)
	if comment == "" {
		return nil, fmt.Errorf("%w: administrative decisions require a comment", ErrValidation)
	}
	if tooLong(comment) {
		return nil, fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, MaxTextLength)
	}

	var event EventKind
	switch d.Action {
	case ActionApprove:
		event = EventAdminApprove
	case ActionReject:
		event = EventAdminReject
	default:
		return nil, fmt.Errorf("%w: action must be approve or reject", ErrValidation)
	}

	return s.apply(ctx, id, command{
		event:   event,
		actor:   Actor{ID: adminID, Role: RoleAdmin},
		comment: comment,
		guard: func(r *RefundRequest, _ time.Time) error {
			_, err := Next(r.Status, event)
			return err
		},
		mutate: func(r *RefundRequest) {
			r.AdminComment = &comment
		},
	})
}
