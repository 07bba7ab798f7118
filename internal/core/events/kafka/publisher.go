package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mesaya/payment-service/internal/core/events"
)

// MessageWriter is the part of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type message struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Forwarder copies domain events onto a Kafka topic, keyed by payment id so every
// event of one payment lands on the same partition.
type Forwarder struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewForwarder(writer MessageWriter, topic string, logger *slog.Logger) *Forwarder {
	return &Forwarder{writer: writer, topic: topic, logger: logger}
}

func (f *Forwarder) Register(bus *events.EventBus) {
	for _, eventType := range events.OutboundEventTypes {
		bus.Subscribe(eventType, f.Handle)
	}
}

func (f *Forwarder) Handle(ctx context.Context, event events.Event) error {
	value, err := json.Marshal(message{
		EventID:    event.EventID(),
		EventType:  event.EventType(),
		OccurredAt: event.OccurredAt(),
		Data:       event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID(), err)
	}

	key := partitionKey(event)
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
			{Key: "event_id", Value: []byte(event.EventID())},
		},
	}

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.Error("failed to forward event to kafka",
			"topic", f.topic,
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"error", err)
		return err
	}

	f.logger.Debug("event forwarded to kafka", "topic", f.topic, "event_id", event.EventID(), "key", key)
	return nil
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}

func partitionKey(event events.Event) string {
	if data, ok := event.Payload().(map[string]interface{}); ok {
		if id, ok := data["payment_id"].(string); ok && id != "" {
			return id
		}
	}
	return event.EventID()
}
