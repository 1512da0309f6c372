package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/clients/kafka"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

// TrackedEventConsumer drains the analytics topic into the tracked_events
// table. Persistence is an upsert keyed by the event's uuid, so the
// at-least-once delivery from Kafka collapses to exactly-once rows.
type TrackedEventConsumer struct {
	consumer *kafka.Consumer
	store    *store.Store
	logger   *observability.Logger
	workers  int
}

// NewTrackedEventConsumer creates a new tracked event consumer
func NewTrackedEventConsumer(consumer *kafka.Consumer, st *store.Store, workers int, logger *observability.Logger) *TrackedEventConsumer {
	if workers <= 0 {
		workers = 1
	}
	return &TrackedEventConsumer{
		consumer: consumer,
		store:    st,
		logger:   logger,
		workers:  workers,
	}
}

// Start runs the worker pool until the context is cancelled.
func (c *TrackedEventConsumer) Start(ctx context.Context) {
	c.logger.Info(ctx, fmt.Sprintf("starting %d tracked-event workers", c.workers))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.consumer.ConsumeEvents(ctx, c.handleEvent)
		}()
	}
	wg.Wait()
	c.logger.Info(ctx, "tracked-event workers stopped")
}

func (c *TrackedEventConsumer) handleEvent(ctx context.Context, event kafka.TrackedEventMessage) error {
	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		// Malformed events are dropped, not retried.
		c.logger.Warn(ctx, "tracked event with invalid id, dropping")
		return nil
	}
	accountID, err := uuid.Parse(event.AccountID)
	if err != nil {
		c.logger.Warn(ctx, "tracked event with invalid account id, dropping")
		return nil
	}

	var deviceID *uuid.UUID
	if event.DeviceUDID != nil {
		device, err := c.store.GetDeviceByUDID(ctx, *event.DeviceUDID)
		if err == nil {
			deviceID = &device.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	createdAt, err := time.Parse(time.RFC3339, event.Timestamp)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	return c.store.UpsertTrackedEvent(ctx, store.UpsertTrackedEventParams{
		ID:         eventID,
		AccountID:  accountID,
		DeviceID:   deviceID,
		Name:       event.Name,
		Properties: store.JSONB(event.Properties),
		CreatedAt:  createdAt,
	})
}
