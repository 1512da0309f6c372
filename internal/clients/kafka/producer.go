package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"pulse-server/internal/observability"
)

// Producer handles publishing tracked events to Kafka
type Producer struct {
	writer *kafka.Writer
	logger *observability.Logger
}

// ProducerConfig contains configuration for Kafka producer
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger *observability.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:        kafka.TCP(config.Brokers...),
		Topic:       config.Topic,
		Balancer:    &kafka.LeastBytes{},
		Async:       false,
		Compression: kafka.Snappy,
		BatchSize:   100,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// TrackedEventMessage is the wire shape of one analytics event. The ID is
// generated at publish time and keys the consumer-side upsert, so a
// redelivered message lands only once.
type TrackedEventMessage struct {
	ID         string                 `json:"id"`
	AccountID  string                 `json:"account_id"`
	DeviceUDID *string                `json:"device_udid,omitempty"`
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// PublishEvent publishes a tracked event to Kafka
func (p *Producer) PublishEvent(ctx context.Context, event TrackedEventMessage) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event_name", Value: event.Name},
		observability.Field{Key: "event_id", Value: event.ID},
	)

	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal event", err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		// Partition by account for per-tenant ordering.
		Key:   []byte(event.AccountID),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(event.Name)},
			{Key: "account_id", Value: []byte(event.AccountID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to write message to kafka", err)
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
