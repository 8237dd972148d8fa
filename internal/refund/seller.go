package refund

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SellerDecision is the body of a seller's decision.
type SellerDecision struct {
	Action  Action `json:"action"`
	Comment string `json:"comment"`
}

// SellerDecide applies a seller's approve or reject decision. Approval
// debits the seller balance by the request amount before the status is
// committed; if the debit fails nothing changes and ErrLedgerFailure is
// returned. After the response window only the admin path remains and
// ErrWindowExpired is returned.
func (s *Service) SellerDecide(ctx context.Context, id, sellerID string, d SellerDecision) (*RefundRequest, error) {
	comment := strings.TrimSpace(d.Comment)
	if tooLong(comment) {
		return nil, fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, MaxTextLength)
	}

	var event EventKind
	switch d.Action {
	case ActionApprove:
		event = EventSellerApprove
	case ActionReject:
		if comment == "" {
			return nil, fmt.Errorf("%w: a comment is required to reject", ErrValidation)
		}
		event = EventSellerReject
	default:
		return nil, fmt.Errorf("%w: action must be approve or reject", ErrValidation)
	}

	return s.apply(ctx, id, command{
		event:   event,
		actor:   Actor{ID: sellerID, Role: RoleSeller},
		comment: comment,
		guard: func(r *RefundRequest, now time.Time) error {
			if r.SellerID != sellerID {
				return ErrForbidden
			}
			if _, err := Next(r.Status, event); err != nil {
				return err
			}
			if !s.rules.CanSellerDecide(r, now) {
				return ErrWindowExpired
			}
			return nil
		},
		mutate: func(r *RefundRequest) {
			if comment != "" {
				r.SellerComment = &comment
			}
		},
	})
}
