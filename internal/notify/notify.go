// Package notify fans refund events out to webhooks, Kafka and the
// realtime feed. Delivery is best effort: a failing sink is logged and
// counted, never reported back to the decision that produced the event.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/refund"
)

// DefaultSinkTimeout bounds a single sink call.
const DefaultSinkTimeout = 5 * time.Second

// Sink delivers one event to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev refund.Event) error
}

// Dispatcher implements refund.Notifier. Sinks run in the background so
// Notify returns immediately.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

var _ refund.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultSinkTimeout,
	}
}

// WithTimeout overrides the per-sink timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// Notify hands ev to every sink.
func (d *Dispatcher) Notify(ctx context.Context, ev refund.Event) {
	// The caller's request may finish before delivery does.
	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			d.send(base, sink, ev)
		}(sink)
	}
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, ev refund.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
			d.logger.Error("notification sink panicked", "sink", sink.Name(), "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := sink.Send(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Warn("notification failed",
			"sink", sink.Name(),
			"event", string(ev.Type),
			"refund", ev.Request.ID,
			"error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

// Wait blocks until every in-flight notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Message is the wire form of a refund event shared by every sink.
type Message struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	RefundID   string             `json:"refundId"`
	OrderID    string             `json:"orderId"`
	SellerID   string             `json:"sellerId"`
	BuyerEmail string             `json:"buyerEmail"`
	Status     refund.Status      `json:"status"`
	Amount     string             `json:"amount"`
	Currency   string             `json:"currency"`
	Transition *refund.Transition `json:"transition,omitempty"`
	Recipients []refund.Recipient `json:"recipients"`
	At         time.Time          `json:"at"`
}

// NewMessage flattens ev. The ID is stable for a given request, event and
// version so consumers can drop duplicates.
func NewMessage(ev refund.Event) Message {
	r := ev.Request
	return Message{
		ID:         messageID(ev),
		Type:       string(ev.Type),
		RefundID:   r.ID,
		OrderID:    r.OrderID,
		SellerID:   r.SellerID,
		BuyerEmail: r.BuyerEmail,
		Status:     r.Status,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Transition: ev.Transition,
		Recipients: ev.Recipients,
		At:         ev.At,
	}
}

func messageID(ev refund.Event) string {
	if ev.Type == refund.EventEscalated {
		return ev.Request.ID + ":escalated"
	}
	return ev.Request.ID + ":" + string(ev.Type) + ":" + strconv.FormatInt(ev.Request.Version, 10)
}
