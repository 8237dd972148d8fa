package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refunddesk/internal/metrics"
	"github.com/mbd888/refunddesk/internal/realtime"
	"github.com/mbd888/refunddesk/internal/refund"
	"github.com/mbd888/refunddesk/internal/webhooks"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rejectedEvent() refund.Event {
	r := &refund.RefundRequest{
		ID:         "rfd_1",
		OrderID:    "ord-1",
		BuyerEmail: "ana@example.com",
		SellerID:   "seller-1",
		Amount:     "100.00",
		Currency:   "EUR",
		Status:     refund.StatusRejectedBySeller,
		Version:    2,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	t := &refund.Transition{
		RequestID: r.ID,
		Event:     refund.EventSellerReject,
		From:      refund.StatusPending,
		To:        refund.StatusRejectedBySeller,
		ActorID:   "seller-1",
		ActorRole: refund.RoleSeller,
		Comment:   "delivered on time",
		At:        at,
	}
	return refund.NewEvent(r, t)
}

type fakeSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []refund.Event
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, ev refund.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	if f.name == "panicky" {
		panic("boom")
	}
	return f.err
}

func TestDispatcher_FansOutAndCounts(t *testing.T) {
	ok := &fakeSink{name: "test_ok"}
	bad := &fakeSink{name: "test_bad", err: errors.New("down")}
	panicky := &fakeSink{name: "panicky"}

	okBefore := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_ok", "ok"))
	badBefore := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_bad", "error"))

	d := NewDispatcher(quietLogger(), ok, bad, panicky)
	d.Notify(context.Background(), rejectedEvent())
	d.Wait()

	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
	assert.Len(t, panicky.got, 1)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_ok", "ok")))
	assert.Equal(t, badBefore+1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_bad", "error")))
}

func TestDispatcher_SurvivesCancelledCaller(t *testing.T) {
	sink := &fakeSink{name: "test_ctx"}
	d := NewDispatcher(quietLogger(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, rejectedEvent())
	cancel()
	d.Wait()

	assert.Len(t, sink.got, 1)
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(rejectedEvent())

	assert.Equal(t, "rfd_1:refund.rejected_by_seller:2", msg.ID)
	assert.Equal(t, "refund.rejected_by_seller", msg.Type)
	assert.Equal(t, "seller-1", msg.SellerID)
	assert.Equal(t, refund.StatusRejectedBySeller, msg.Status)
	require.NotNil(t, msg.Transition)
	assert.Equal(t, "delivered on time", msg.Transition.Comment)
	assert.Len(t, msg.Recipients, 2)

	esc := NewMessage(refund.NewEscalationEvent(&refund.RefundRequest{ID: "rfd_9", SellerID: "seller-1", Version: 4}, at))
	assert.Equal(t, "rfd_9:escalated", esc.ID)
}

type recordingWebhooks struct {
	mu      sync.Mutex
	targets []webhooks.Target
	events  []*webhooks.Event
}

func (r *recordingWebhooks) Dispatch(_ context.Context, target webhooks.Target, event *webhooks.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	r.events = append(r.events, event)
	return 1, nil
}

func TestWebhookSink_SkipsBuyersAndAddressesAllAdmins(t *testing.T) {
	rec := &recordingWebhooks{}
	sink := NewWebhookSink(rec)

	require.NoError(t, sink.Send(context.Background(), rejectedEvent()))

	// rejected_by_seller informs the buyer and all admins.
	require.Len(t, rec.targets, 1)
	assert.Equal(t, webhooks.Target{Role: "admin", ID: webhooks.AllOwners}, rec.targets[0])
	assert.Equal(t, "refund.rejected_by_seller", rec.events[0].Type)
	assert.Equal(t, "rfd_1:refund.rejected_by_seller:2", rec.events[0].ID)
}

type recordingHub struct {
	events []*realtime.Event
}

func (r *recordingHub) Broadcast(ev *realtime.Event) { r.events = append(r.events, ev) }

func TestHubSink(t *testing.T) {
	hub := &recordingHub{}
	require.NoError(t, NewHubSink(hub).Send(context.Background(), rejectedEvent()))

	require.Len(t, hub.events, 1)
	assert.Equal(t, "rfd_1", hub.events[0].RefundID)
	assert.Equal(t, "seller-1", hub.events[0].SellerID)
	assert.Equal(t, "refund.rejected_by_seller", hub.events[0].Type)
}

func TestKafkaSink_Publishes(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg Message
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.RefundID != "rfd_1" || msg.Type != "refund.rejected_by_seller" {
			return errors.New("unexpected message")
		}
		return nil
	})

	sink := NewKafkaSink(producer, "refund-events")
	require.NoError(t, sink.Send(context.Background(), rejectedEvent()))
	require.NoError(t, sink.Close())
}

func TestKafkaSink_ReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))

	sink := NewKafkaSink(producer, "refund-events")
	err := sink.Send(context.Background(), rejectedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	require.NoError(t, sink.Close())
}
