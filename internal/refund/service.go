package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/refunddesk/internal/idgen"
	"github.com/mbd888/refunddesk/internal/lock"
	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/money"
	"github.com/mbd888/refunddesk/internal/retry"
	"github.com/mbd888/refunddesk/internal/traces"
)

// MaxTextLength bounds reasons and comments, in characters.
const MaxTextLength = 2000

func tooLong(s string) bool { return utf8.RuneCountInString(s) > MaxTextLength }

// CreateInput is what a buyer submits to open a request.
type CreateInput struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Service implements refund business logic.
type Service struct {
	store    Store
	orders   OrderLookup
	ledger   Ledger
	reverser Reverser
	rules    *Eligibility
	locker   lock.Locker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	retry    retry.Policy
}

// NewService creates a new refund service. If ledger also implements
// Reverser it is used to undo debits orphaned by a lost race.
func NewService(store Store, orders OrderLookup, ledger Ledger, rules *Eligibility) *Service {
	s := &Service{
		store:    store,
		orders:   orders,
		ledger:   ledger,
		rules:    rules,
		locker:   lock.NewLocal(),
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
		retry: retry.Policy{
			Attempts:  2,
			BaseDelay: 10 * time.Millisecond,
			RetryIf: func(err error) bool {
				return errors.Is(err, ErrConcurrentModification)
			},
		},
	}
	if rv, ok := ledger.(Reverser); ok {
		s.reverser = rv
	}
	return s
}

// WithLocker replaces the in-process transition lock, e.g. with Redis.
func (s *Service) WithLocker(l lock.Locker) *Service {
	s.locker = l
	return s
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithReverser sets the debit reverser explicitly.
func (s *Service) WithReverser(r Reverser) *Service {
	s.reverser = r
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Rules returns the eligibility rules the service enforces.
func (s *Service) Rules() *Eligibility {
	return s.rules
}

// Create opens a refund request for one of the buyer's completed orders.
func (s *Service) Create(ctx context.Context, buyer Actor, in CreateInput) (*RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "refund.create", traces.OrderID(in.OrderID))
	defer span.End()

	req, err := s.create(ctx, buyer, in)
	if err != nil {
		metrics.RefundCreateRejectedTotal.WithLabelValues(ErrorCode(err)).Inc()
		span.RecordError(err)
		return nil, err
	}
	metrics.RefundCreatedTotal.Inc()
	return req, nil
}

func (s *Service) create(ctx context.Context, buyer Actor, in CreateInput) (*RefundRequest, error) {
	orderID := strings.TrimSpace(in.OrderID)
	reason := strings.TrimSpace(in.Reason)
	if orderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", ErrValidation)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if tooLong(reason) {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, MaxTextLength)
	}
	email := strings.ToLower(strings.TrimSpace(buyer.Email))

	// One creation per order at a time; the store's uniqueness check is the backstop.
	unlock, err := s.locker.Lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, fmt.Errorf("acquire order lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if email == "" || !strings.EqualFold(order.BuyerEmail, email) {
		return nil, ErrForbidden
	}

	hasActive := false
	if _, err := s.store.GetActiveByOrder(ctx, orderID); err == nil {
		hasActive = true
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	if err := s.rules.CheckCreate(order, hasActive, now); err != nil {
		return nil, err
	}

	amount, ok := money.Normalize(order.Amount)
	if !ok || !money.IsPositive(amount) {
		return nil, fmt.Errorf("%w: order %s has invalid amount %q", ErrNotEligible, order.ID, order.Amount)
	}

	now = now.UTC().Truncate(time.Microsecond)
	req := &RefundRequest{
		ID:                    idgen.WithPrefix("rr_"),
		OrderID:               order.ID,
		BuyerEmail:            email,
		SellerID:              order.SellerID,
		ProductID:             order.ProductID,
		Amount:                amount,
		Currency:              order.Currency,
		Reason:                reason,
		Status:                StatusPending,
		ResponseDeadline:      s.rules.ResponseDeadline(now),
		RefundRequestDeadline: s.rules.RefundDeadline(order).UTC(),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	t := &Transition{
		RequestID: req.ID,
		Event:     EventCreate,
		To:        StatusPending,
		ActorID:   buyer.ID,
		ActorRole: RoleBuyer,
		At:        now,
	}
	if err := s.store.Create(ctx, req, t); err != nil {
		return nil, err
	}

	s.logger.Info("refund requested",
		"refundId", req.ID, "orderId", req.OrderID, "seller", req.SellerID,
		"amount", req.Amount, "currency", req.Currency, "responseDeadline", req.ResponseDeadline)
	s.notify(ctx, req, t)
	return req.Clone(), nil
}

// Cancel withdraws an active request. Buyers may cancel their own;
// admins and the system may cancel any.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if tooLong(reason) {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, MaxTextLength)
	}

	return s.apply(ctx, id, command{
		event:   EventCancel,
		actor:   actor,
		comment: reason,
		guard: func(r *RefundRequest, _ time.Time) error {
			switch actor.Role {
			case RoleAdmin, RoleSystem:
			case RoleBuyer:
				if !strings.EqualFold(actor.Email, r.BuyerEmail) {
					return ErrForbidden
				}
			default:
				return ErrForbidden
			}
			_, err := Next(r.Status, EventCancel)
			return err
		},
		mutate: func(r *RefundRequest) {
			r.CancelReason = &reason
		},
	})
}

// Get returns a request the actor is a party to.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*RefundRequest, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(r, actor) {
		return nil, ErrForbidden
	}
	return r, nil
}

// History returns the audit trail of a request the actor is a party to.
func (s *Service) History(ctx context.Context, id string, actor Actor) ([]*Transition, error) {
	if _, err := s.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

func canView(r *RefundRequest, actor Actor) bool {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleSeller:
		return actor.ID == r.SellerID
	case RoleBuyer:
		return strings.EqualFold(actor.Email, r.BuyerEmail)
	}
	return false
}

// notify hands the event to the dispatcher off the request path. Failures
// are the dispatcher's to log; they never affect the transition.
func (s *Service) notify(ctx context.Context, r *RefundRequest, t *Transition) {
	s.notifyEvent(ctx, NewEvent(r, t))
}

func (s *Service) notifyEvent(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic in refund notifier", "refundId", ev.Request.ID, "panic", fmt.Sprint(p))
			}
		}()
		s.notifier.Notify(ctx, ev)
	}()
}
