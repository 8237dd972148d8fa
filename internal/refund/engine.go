package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/retry"
	"github.com/mbd888/refunddesk/internal/traces"
)

// command is one decision to apply to a stored request.
type command struct {
	event   EventKind
	actor   Actor
	comment string
	// guard runs against the freshly read request and returns the first
	// reason the decision may not apply.
	guard  func(r *RefundRequest, now time.Time) error
	mutate func(r *RefundRequest)
}

// apply runs cmd under the per-request lock. Inside it, each attempt
// re-reads the request, checks the guard, debits the seller if the event
// calls for it, and commits with a compare-and-swap on status and version.
// A lost swap is retried once; if the request moved on meanwhile the
// caller gets ErrInvalidTransition wrapping ErrConcurrentModification.
func (s *Service) apply(ctx context.Context, id string, cmd command) (*RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "refund."+string(cmd.event),
		traces.RefundID(id),
		traces.RefundEvent(string(cmd.event)),
		traces.Actor(cmd.actor.ID, string(cmd.actor.Role)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RefundDecisionDuration.WithLabelValues(string(cmd.event)).Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.locker.Lock(ctx, "refund:"+id)
	if err != nil {
		return nil, fmt.Errorf("acquire refund lock: %w", err)
	}
	defer unlock()

	var (
		result     *RefundRequest
		transition *Transition
		previous   *RefundRequest
		freshDebit bool
		attempt    int
	)

	err = retry.Do(ctx, s.retry, func() error {
		attempt++

		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}

		now := s.now()
		if err := cmd.guard(current, now); err != nil {
			if attempt > 1 && errors.Is(err, ErrInvalidTransition) {
				err = fmt.Errorf("%w: %w", ErrInvalidTransition, ErrConcurrentModification)
			}
			return retry.Permanent(err)
		}
		to, err := Next(current.Status, cmd.event)
		if err != nil {
			return retry.Permanent(err)
		}

		updated := current.Clone()
		updated.Status = to
		updated.Version = current.Version + 1
		updated.UpdatedAt = monotonic(current.UpdatedAt, now)
		if cmd.mutate != nil {
			cmd.mutate(updated)
		}

		if cmd.event.Debits() && !current.Debited {
			fresh, err := s.debit(ctx, updated)
			if err != nil {
				return retry.Permanent(err)
			}
			freshDebit = freshDebit || fresh
			updated.Debited = true
		}

		t := &Transition{
			RequestID: id,
			Event:     cmd.event,
			From:      current.Status,
			To:        to,
			ActorID:   cmd.actor.ID,
			ActorRole: cmd.actor.Role,
			Comment:   cmd.comment,
			At:        updated.UpdatedAt,
		}
		if err := s.store.CompareAndSwap(ctx, current.Status, current.Version, updated, t); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				metrics.RefundConcurrentConflictsTotal.Inc()
				s.logger.Warn("refund modified concurrently",
					"refundId", id, "event", cmd.event, "attempt", attempt)
				return err
			}
			return retry.Permanent(err)
		}

		result, transition, previous = updated, t, current
		return nil
	})
	if err != nil {
		if freshDebit {
			s.compensate(context.WithoutCancel(ctx), id)
		}
		metrics.RefundTransitionsTotal.WithLabelValues(string(cmd.event), ErrorCode(err)).Inc()
		span.RecordError(err)
		return nil, err
	}

	if result.IsTerminal() && !result.Debited && s.reverser != nil {
		// A lost approval may have debited under this key while the request
		// was open. Nothing can adopt it now.
		s.reverseOrphan(context.WithoutCancel(ctx), id, result.Status)
	}

	metrics.RefundTransitionsTotal.WithLabelValues(string(cmd.event), "ok").Inc()
	if result.IsTerminal() {
		metrics.RefundResolutionDuration.Observe(result.UpdatedAt.Sub(result.CreatedAt).Seconds())
	}
	s.logger.Info("refund "+string(result.Status),
		"refundId", id,
		"from", previous.Status,
		"actor", cmd.actor.ID,
		"role", cmd.actor.Role,
		"debited", result.Debited,
	)
	s.notify(ctx, result, transition)
	return result.Clone(), nil
}

// debit charges the seller for r. It reports whether this call moved money.
func (s *Service) debit(ctx context.Context, r *RefundRequest) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "refund.ledger_debit",
		traces.RefundID(r.ID),
		traces.SellerID(r.SellerID),
		traces.Amount(r.Amount, r.Currency),
	)
	defer span.End()

	err := s.ledger.Debit(ctx, r.SellerID, r.Amount, r.Currency, r.ID)
	switch {
	case err == nil:
		metrics.RefundLedgerDebitsTotal.WithLabelValues("applied").Inc()
		return true, nil
	case errors.Is(err, ErrDebitAlreadyApplied):
		metrics.RefundLedgerDebitsTotal.WithLabelValues("already_applied").Inc()
		s.logger.Info("refund debit already applied", "refundId", r.ID, "seller", r.SellerID)
		return false, nil
	default:
		metrics.RefundLedgerDebitsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		s.logger.Error("refund debit failed",
			"refundId", r.ID, "seller", r.SellerID, "amount", r.Amount, "currency", r.Currency, "error", err)
		return false, fmt.Errorf("%w: %v", ErrLedgerFailure, err)
	}
}

// compensate handles a debit whose transition was never committed. While
// the request is still active the debit is left in place: a later approval
// adopts it through the idempotency key, and a closing reject or cancel
// reverses it. Once the request has closed without recording a debit it is
// reversed here.
func (s *Service) compensate(ctx context.Context, id string) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("CRITICAL: refund debited but state unknown, manual reconciliation required",
			"refundId", id, "error", err)
		return
	}
	if current.Debited {
		return
	}
	if !current.IsTerminal() {
		s.logger.Warn("refund debit applied ahead of its transition, awaiting adoption",
			"refundId", id, "status", current.Status)
		return
	}
	if s.reverser == nil {
		s.logger.Error("CRITICAL: refund debited but transition not committed, manual reconciliation required",
			"refundId", id, "status", current.Status)
		return
	}
	s.reverseOrphan(ctx, id, current.Status)
}

// reverseOrphan undoes any debit recorded under id for a request that
// closed without one. No debit, or one already reversed, is not an error.
func (s *Service) reverseOrphan(ctx context.Context, id string, status Status) {
	err := s.reverser.ReverseDebit(ctx, id)
	switch {
	case err == nil:
		metrics.RefundLedgerDebitsTotal.WithLabelValues("reversed").Inc()
		s.logger.Warn("reversed orphaned refund debit", "refundId", id, "status", status)
	case errors.Is(err, ErrNoDebit), errors.Is(err, ErrDebitAlreadyApplied):
	default:
		s.logger.Error("CRITICAL: failed to reverse orphaned refund debit",
			"refundId", id, "status", status, "error", err)
	}
}

// monotonic returns now, or a microsecond past prev when the clock has not
// moved beyond it. Postgres keeps microseconds.
func monotonic(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
