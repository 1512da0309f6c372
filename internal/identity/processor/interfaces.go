package processor

import (
	"context"

	"pulse-server/internal/store"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/store_mock.go -package=mocks

// Store defines the database operations required by IdentityProcessor
type Store interface {
	GetAccountByIdentifier(ctx context.Context, identifier string) (store.Account, error)
	UpsertDevice(ctx context.Context, params store.UpsertDeviceParams) (store.Device, error)
	GetDeviceWithRetry(ctx context.Context, udid string) (store.Device, error)
	GetLinkedDevices(ctx context.Context, device store.Device) ([]store.Device, error)
}
