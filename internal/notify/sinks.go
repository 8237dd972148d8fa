package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mbd888/refunddesk/internal/realtime"
	"github.com/mbd888/refunddesk/internal/refund"
	"github.com/mbd888/refunddesk/internal/webhooks"
)

// WebhookDispatcher is the part of webhooks.Dispatcher the sink needs.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, target webhooks.Target, event *webhooks.Event) (int, error)
}

// WebhookSink delivers events to seller and admin webhook subscriptions.
// Buyers have no webhooks and are reached through Kafka consumers.
type WebhookSink struct {
	dispatcher WebhookDispatcher
}

// NewWebhookSink wraps d.
func NewWebhookSink(d WebhookDispatcher) *WebhookSink {
	return &WebhookSink{dispatcher: d}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, ev refund.Event) error {
	msg := NewMessage(ev)
	event := &webhooks.Event{
		ID:        msg.ID,
		Type:      msg.Type,
		Timestamp: msg.At,
		Data:      msg,
	}

	var errs []error
	for _, rcpt := range ev.Recipients {
		if rcpt.Role == refund.RoleBuyer {
			continue
		}
		target := webhooks.Target{Role: string(rcpt.Role), ID: rcpt.ID}
		if rcpt.ID == refund.AllAdmins {
			target.ID = webhooks.AllOwners
		}
		if _, err := s.dispatcher.Dispatch(ctx, target, event); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", rcpt.Role, rcpt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Broadcaster is the part of realtime.Hub the sink needs.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// HubSink pushes events to connected seller and admin consoles.
type HubSink struct {
	hub Broadcaster
}

// NewHubSink wraps hub.
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "realtime" }

func (s *HubSink) Send(_ context.Context, ev refund.Event) error {
	msg := NewMessage(ev)
	s.hub.Broadcast(&realtime.Event{
		Type:      msg.Type,
		Timestamp: msg.At,
		RefundID:  msg.RefundID,
		SellerID:  msg.SellerID,
		Data:      msg,
	})
	return nil
}

// KafkaSink publishes every event to a topic, keyed by refund ID so one
// request's events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// NewKafkaProducer connects an idempotent synchronous producer to brokers.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(_ context.Context, ev refund.Event) error {
	msg := NewMessage(ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pm := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(msg.RefundID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(msg.Type)},
			{Key: []byte("event-id"), Value: []byte(msg.ID)},
		},
	}
	if _, _, err := s.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close releases the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
