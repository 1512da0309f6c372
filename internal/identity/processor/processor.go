package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

var (
	// ErrAccountNotFound is returned when no account matches the identifier.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountDisabled is returned when the account exists but serving is
	// switched off for it.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrInvalidDevice is returned when the supplied UDID is not a UUID.
	ErrInvalidDevice = errors.New("invalid device udid")
	// ErrDeviceNotFound is returned when a lookup-only resolution finds no
	// device row within the retry window.
	ErrDeviceNotFound = errors.New("device not found")
)

// IdentityProcessor resolves the (account, device) pair every serving and
// submission request runs under.
type IdentityProcessor struct {
	store  Store
	logger *observability.Logger
}

// New creates a new IdentityProcessor.
func New(store Store, logger *observability.Logger) *IdentityProcessor {
	return &IdentityProcessor{store: store, logger: logger}
}

// ResolveParams carries the request attributes used to resolve identity.
type ResolveParams struct {
	Identifier string
	UDID       string
	ClientKey  *string
	DeviceData store.JSONB
	VisitCount *int
}

// Identity is the resolved tenant and visitor for a request. Linked is the
// client-key-linked device set, always containing Device itself.
type Identity struct {
	Account store.Account
	Device  store.Device
	Linked  []store.Device
}

// LinkedIDs returns the IDs of the linked device set.
func (i Identity) LinkedIDs() []uuid.UUID {
	return store.DeviceIDs(i.Linked)
}

// Resolve finds the account by identifier and finds-or-creates the device by
// UDID, persisting any client key, data blob or visit count the request
// carried. The linked device set is loaded for downstream eligibility checks.
func (p *IdentityProcessor) Resolve(ctx context.Context, params ResolveParams) (Identity, error) {
	account, err := p.resolveAccount(ctx, params.Identifier)
	if err != nil {
		// The disabled error still carries the account so callers can
		// render its deactivation message.
		return Identity{Account: account}, err
	}

	if _, err := uuid.Parse(params.UDID); err != nil {
		return Identity{}, ErrInvalidDevice
	}

	device, err := p.store.UpsertDevice(ctx, store.UpsertDeviceParams{
		UDID:       params.UDID,
		ClientKey:  params.ClientKey,
		Data:       params.DeviceData,
		VisitCount: params.VisitCount,
	})
	if err != nil {
		p.logger.Error(ctx, "failed to upsert device", err)
		return Identity{}, fmt.Errorf("failed to upsert device: %w", err)
	}

	linked, err := p.store.GetLinkedDevices(ctx, device)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to load linked devices: %w", err)
	}

	return Identity{Account: account, Device: device, Linked: linked}, nil
}

// ResolveExisting resolves identity without creating a device row. Used by
// submission endpoints where the device must already exist; the store retries
// briefly to absorb a race with the device's initial write.
func (p *IdentityProcessor) ResolveExisting(ctx context.Context, identifier, udid string) (Identity, error) {
	account, err := p.resolveAccount(ctx, identifier)
	if err != nil {
		return Identity{Account: account}, err
	}

	if _, err := uuid.Parse(udid); err != nil {
		return Identity{}, ErrInvalidDevice
	}

	device, err := p.store.GetDeviceWithRetry(ctx, udid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrDeviceNotFound
		}
		return Identity{}, fmt.Errorf("failed to get device: %w", err)
	}

	linked, err := p.store.GetLinkedDevices(ctx, device)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to load linked devices: %w", err)
	}

	return Identity{Account: account, Device: device, Linked: linked}, nil
}

// ResolveAccount resolves just the tenant, for endpoints that do not carry
// a device.
func (p *IdentityProcessor) ResolveAccount(ctx context.Context, identifier string) (store.Account, error) {
	return p.resolveAccount(ctx, identifier)
}

func (p *IdentityProcessor) resolveAccount(ctx context.Context, identifier string) (store.Account, error) {
	account, err := p.store.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Account{}, ErrAccountNotFound
		}
		p.logger.Error(ctx, "failed to get account", err)
		return store.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	if !account.Enabled {
		return account, ErrAccountDisabled
	}
	return account, nil
}
