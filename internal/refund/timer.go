package refund

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/refunddesk/internal/metrics"
)

// DefaultSweepInterval is how often lapsed seller windows are looked for.
const DefaultSweepInterval = time.Minute

// Timer periodically finds pending requests whose seller window lapsed,
// stamps them escalated and tells the admins. Status is never changed:
// escalation is a read-side classification.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escalation sweep.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in refund escalation sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep escalates every lapsed request once and returns how many it marked.
func (t *Timer) Sweep(ctx context.Context) int {
	now := t.service.now().UTC()

	lapsed, err := t.store.ListLapsed(ctx, now, t.batch)
	if err != nil {
		t.logger.Warn("failed to list lapsed refund requests", "error", err)
		return 0
	}

	marked := 0
	for _, r := range lapsed {
		ok, err := t.store.MarkEscalated(ctx, r.ID, now)
		if err != nil {
			t.logger.Warn("failed to mark refund escalated", "refundId", r.ID, "error", err)
			continue
		}
		if !ok {
			// Decided or marked by another instance since the list.
			continue
		}
		marked++
		r.EscalatedAt = &now
		metrics.RefundEscalationsTotal.Inc()
		t.logger.Info("refund escalated to admin",
			"refundId", r.ID,
			"seller", r.SellerID,
			"responseDeadline", r.ResponseDeadline,
		)
		t.service.notifyEvent(ctx, NewEscalationEvent(r, now))
	}
	return marked
}
