package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const deviceColumns = `id, udid, client_key, data, visit_count, created_at, updated_at`

// UpsertDeviceParams carries the per-request device attributes. Nil fields
// leave the stored value untouched.
type UpsertDeviceParams struct {
	UDID       string
	ClientKey  *string
	Data       JSONB
	VisitCount *int
}

const sqlUpsertDevice = `
INSERT INTO devices (udid, client_key, data, visit_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (udid) DO UPDATE SET
    client_key  = COALESCE(EXCLUDED.client_key, devices.client_key),
    data        = COALESCE(EXCLUDED.data, devices.data),
    visit_count = COALESCE(EXCLUDED.visit_count, devices.visit_count),
    updated_at  = now()
RETURNING ` + deviceColumns

// UpsertDevice finds or creates a device by UDID, refreshing the client key,
// data blob and visit count when the request supplied them.
func (s *Store) UpsertDevice(ctx context.Context, params UpsertDeviceParams) (Device, error) {
	var device Device
	err := s.db.GetContext(ctx, &device, sqlUpsertDevice,
		params.UDID, params.ClientKey, params.Data, params.VisitCount)
	if err != nil {
		s.logger.Error(ctx, "failed to upsert device", err)
		return Device{}, fmt.Errorf("failed to upsert device: %w", err)
	}
	return device, nil
}

const sqlGetDeviceByUDID = `SELECT ` + deviceColumns + ` FROM devices WHERE udid = $1`

// GetDeviceByUDID retrieves a device by its UDID.
func (s *Store) GetDeviceByUDID(ctx context.Context, udid string) (Device, error) {
	var device Device
	err := s.db.GetContext(ctx, &device, sqlGetDeviceByUDID, udid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get device by udid", err)
		return Device{}, fmt.Errorf("failed to get device by udid: %w", err)
	}
	return device, nil
}

// Device creation is fire-and-forget from the tag's perspective, so a
// follow-up request can race the initial write. GetDeviceWithRetry polls
// briefly before giving up with ErrNotFound.
const (
	deviceRetryInterval = 200 * time.Millisecond
	deviceRetryTimeout  = 2 * time.Second
)

// GetDeviceWithRetry looks up a device by UDID, retrying for a bounded
// window to absorb read-after-write races. Returns ErrNotFound once the
// window elapses.
func (s *Store) GetDeviceWithRetry(ctx context.Context, udid string) (Device, error) {
	deadline := time.Now().Add(deviceRetryTimeout)
	for {
		device, err := s.GetDeviceByUDID(ctx, udid)
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Device{}, err
		}
		if time.Now().After(deadline) {
			return Device{}, ErrNotFound
		}
		select {
		case <-ctx.Done():
			return Device{}, ctx.Err()
		case <-time.After(deviceRetryInterval):
		}
	}
}

const sqlGetLinkedDevices = `SELECT ` + deviceColumns + ` FROM devices WHERE client_key = $1`

// GetLinkedDevices returns every device sharing the given device's client
// key, i.e. the set treated as one logical visitor. A device without a
// client key links only to itself.
func (s *Store) GetLinkedDevices(ctx context.Context, device Device) ([]Device, error) {
	if device.ClientKey == nil || *device.ClientKey == "" {
		return []Device{device}, nil
	}

	var devices []Device
	err := s.db.SelectContext(ctx, &devices, sqlGetLinkedDevices, *device.ClientKey)
	if err != nil {
		s.logger.Error(ctx, "failed to get linked devices", err)
		return nil, fmt.Errorf("failed to get linked devices: %w", err)
	}

	// The requesting device is included even if its own client_key write
	// has not landed yet.
	found := false
	for _, d := range devices {
		if d.ID == device.ID {
			found = true
			break
		}
	}
	if !found {
		devices = append(devices, device)
	}
	return devices, nil
}

// DeviceIDs extracts the IDs from a device set.
func DeviceIDs(devices []Device) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}
