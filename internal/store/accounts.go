package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sqlGetAccountByIdentifier = `
SELECT id, identifier, name, enabled, deactivation_message,
       frequency_cap_enabled, frequency_cap_type, frequency_cap_limit, frequency_cap_duration,
       ip_blocklist, rate_limit_rpm, viewed_impressions_enabled_at, created_at, updated_at
FROM accounts
WHERE identifier = $1
`

// GetAccountByIdentifier retrieves an account by its external identifier.
func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (Account, error) {
	var account Account
	err := s.db.GetContext(ctx, &account, sqlGetAccountByIdentifier, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get account by identifier", err)
		return Account{}, fmt.Errorf("failed to get account by identifier: %w", err)
	}
	return account, nil
}
