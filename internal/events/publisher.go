package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/clients/kafka"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

// Publisher hands tracked analytics events to Kafka so the serving path
// never waits on analytics persistence.
type Publisher struct {
	kafkaProducer *kafka.Producer
	logger        *observability.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(kafkaProducer *kafka.Producer, logger *observability.Logger) *Publisher {
	return &Publisher{
		kafkaProducer: kafkaProducer,
		logger:        logger,
	}
}

// PublishTrackedEvent publishes a named analytics event for a device.
func (p *Publisher) PublishTrackedEvent(ctx context.Context, account store.Account, device *store.Device, name string, properties store.JSONB) error {
	event := kafka.TrackedEventMessage{
		ID:         uuid.New().String(),
		AccountID:  account.ID.String(),
		Name:       name,
		Properties: properties,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if device != nil {
		udid := device.UDID
		event.DeviceUDID = &udid
	}
	return p.kafkaProducer.PublishEvent(ctx, event)
}
