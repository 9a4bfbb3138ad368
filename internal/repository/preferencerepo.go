package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

// PreferenceRepository stores per-(user, channel) notification preferences and
// the per-user advisory dismissal state.
type PreferenceRepository interface {
	// Get loads preferences for one channel or returns errs.ErrNotFound.
	Get(ctx context.Context, userID uuid.UUID, ch model.Channel) (model.Preferences, error)
	// ListByUser returns all stored channels of a user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Preferences, error)
	// Upsert inserts or replaces preferences for one channel.
	Upsert(ctx context.Context, p model.Preferences) error
	// Repair rewrites the normalizable columns (frequency, time of day, interval) from
	// their values in from to those in to. A row changed since from was read is left
	// alone and errs.ErrConflict returned.
	Repair(ctx context.Context, from, to model.Preferences) error
	// InsertMissing creates rows that do not exist yet and leaves existing ones untouched.
	InsertMissing(ctx context.Context, ps []model.Preferences) error
	// ListEnabled pages enabled units ordered by (user_id, channel), strictly after the cursor.
	// A zero cursor starts from the beginning.
	ListEnabled(ctx context.Context, after model.UnitKey, limit int) ([]model.UnitKey, error)

	// DismissedTier returns the most severe dismissed tier (model.TierOK if none).
	DismissedTier(ctx context.Context, userID uuid.UUID) (model.Tier, error)
	// Dismiss records a dismissal; the stored tier never decreases.
	Dismiss(ctx context.Context, userID uuid.UUID, tier model.Tier, at time.Time) error
}

// ContactRepository resolves per-channel recipient addresses.
type ContactRepository interface {
	// Address returns the recipient address or errs.ErrNotFound.
	Address(ctx context.Context, userID uuid.UUID, ch model.Channel) (string, error)
	// SetAddress stores a recipient address.
	SetAddress(ctx context.Context, userID uuid.UUID, ch model.Channel, address string) error
}
