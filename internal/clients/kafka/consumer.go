package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"

	"pulse-server/internal/observability"
)

// Consumer handles consuming tracked events from Kafka
type Consumer struct {
	reader *kafka.Reader
	logger *observability.Logger
}

// ConsumerConfig contains configuration for Kafka consumer
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(config ConsumerConfig, logger *observability.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		Topic:       config.Topic,
		GroupID:     config.GroupID,
		MinBytes:    10e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader: reader,
		logger: logger,
	}
}

// ConsumeEvents reads events until the context is cancelled, invoking the
// handler per event. ReadMessage is safe for concurrent use, so several
// goroutines may run this loop against the same consumer. Handlers must be
// idempotent: a failed handler does not stop the loop and the event may be
// redelivered on rebalance.
func (c *Consumer) ConsumeEvents(ctx context.Context, handler func(context.Context, TrackedEventMessage) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return err
			}
			c.logger.Error(ctx, "failed to read message from kafka", err)
			continue
		}

		var event TrackedEventMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Error(ctx, "failed to unmarshal event, skipping", err)
			continue
		}

		msgCtx := observability.WithFields(ctx,
			observability.Field{Key: "event_id", Value: event.ID},
			observability.Field{Key: "event_name", Value: event.Name},
			observability.Field{Key: "partition", Value: msg.Partition},
			observability.Field{Key: "offset", Value: msg.Offset},
		)
		if err := handler(msgCtx, event); err != nil {
			c.logger.Error(msgCtx, "failed to process event", err)
		}
	}
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
