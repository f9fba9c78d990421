// Package onboarding persists the per-user "has completed onboarding" flag.
// The flag must survive session loss for the same user id without leaking to
// other users on the same device. A legacy schema kept a single global
// boolean; it is carried here only long enough to be migrated.
package onboarding

import "context"

// Store is the persisted flag surface. Implementations: memory (default),
// Redis, Postgres.
type Store interface {
	// Get reports the flag for a user id; absent users are false.
	Get(ctx context.Context, userID string) (bool, error)
	Set(ctx context.Context, userID string, onboarded bool) error
	// Delete removes a user's flag, for account-deletion paths. No
	// automatic eviction happens otherwise.
	Delete(ctx context.Context, userID string) error

	// LegacyGlobal reads the pre-migration global slot. The second return
	// reports whether the slot is populated at all.
	LegacyGlobal(ctx context.Context) (value bool, present bool, err error)
	SetLegacyGlobal(ctx context.Context, value bool) error
	ClearLegacy(ctx context.Context) error
}

// Migrate moves a populated legacy global slot onto the given user id and
// clears the slot. Idempotent: an empty slot is a no-op. A false legacy
// value is still migrated so the slot is drained either way.
func Migrate(ctx context.Context, store Store, userID string) error {
	value, present, err := store.LegacyGlobal(ctx)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if value {
		if err := store.Set(ctx, userID, true); err != nil {
			return err
		}
	}
	return store.ClearLegacy(ctx)
}
