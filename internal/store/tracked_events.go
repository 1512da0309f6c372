package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertTrackedEventParams represents parameters for persisting an
// analytics event delivered at-least-once from the event stream.
type UpsertTrackedEventParams struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	DeviceID   *uuid.UUID
	Name       string
	Properties JSONB
	CreatedAt  time.Time
}

const sqlUpsertTrackedEvent = `
INSERT INTO tracked_events (id, account_id, device_id, name, properties, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`

// UpsertTrackedEvent persists an analytics event, ignoring redelivery of an
// event ID that has already landed.
func (s *Store) UpsertTrackedEvent(ctx context.Context, params UpsertTrackedEventParams) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertTrackedEvent,
		params.ID, params.AccountID, params.DeviceID, params.Name, params.Properties, params.CreatedAt)
	if err != nil {
		s.logger.Error(ctx, "failed to upsert tracked event", err)
		return fmt.Errorf("failed to upsert tracked event: %w", err)
	}
	return nil
}
