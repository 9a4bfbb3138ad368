package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

// PreferenceRepo implements PreferenceRepository using PostgreSQL.
type PreferenceRepo struct{ db *DB }

// NewPreferenceRepo constructs a preference repository.
func NewPreferenceRepo(db *DB) *PreferenceRepo { return &PreferenceRepo{db: db} }

// Get loads preferences of one channel.
func (r *PreferenceRepo) Get(ctx context.Context, userID uuid.UUID, ch model.Channel) (model.Preferences, error) {
	const q = `
SELECT enabled, frequency, time_of_day, interval_days, updated_at
FROM notification_preferences WHERE user_id=$1 AND channel=$2`
	p := model.Preferences{UserID: userID, Channel: ch}
	var freq string
	var interval int32
	err := r.db.Pool.QueryRow(ctx, q, userID, string(ch)).Scan(&p.Enabled, &freq, &p.TimeOfDay, &interval, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Preferences{}, errs.ErrNotFound
		}
		return model.Preferences{}, err
	}
	p.Frequency = model.Frequency(freq)
	p.IntervalDays = int(interval)
	return p, nil
}

// ListByUser returns every stored channel of a user ordered by channel name.
func (r *PreferenceRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Preferences, error) {
	const q = `
SELECT channel, enabled, frequency, time_of_day, interval_days, updated_at
FROM notification_preferences WHERE user_id=$1 ORDER BY channel`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Preferences
	for rows.Next() {
		p := model.Preferences{UserID: userID}
		var ch, freq string
		var interval int32
		if err := rows.Scan(&ch, &p.Enabled, &freq, &p.TimeOfDay, &interval, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Channel = model.Channel(ch)
		p.Frequency = model.Frequency(freq)
		p.IntervalDays = int(interval)
		out = append(out, p)
	}
	return out, rows.Err()
}

const upsertPrefs = `
INSERT INTO notification_preferences (user_id, channel, enabled, frequency, time_of_day, interval_days, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, channel) DO UPDATE SET
    enabled = EXCLUDED.enabled,
    frequency = EXCLUDED.frequency,
    time_of_day = EXCLUDED.time_of_day,
    interval_days = EXCLUDED.interval_days,
    updated_at = EXCLUDED.updated_at`

// Upsert inserts or replaces one channel's preferences.
func (r *PreferenceRepo) Upsert(ctx context.Context, p model.Preferences) error {
	_, err := r.db.Pool.Exec(ctx, upsertPrefs,
		p.UserID, string(p.Channel), p.Enabled, string(p.Frequency), p.TimeOfDay, int32(p.IntervalDays), p.UpdatedAt)
	return err
}

// Repair updates the normalizable columns only if they still hold the values read.
func (r *PreferenceRepo) Repair(ctx context.Context, from, to model.Preferences) error {
	const q = `
UPDATE notification_preferences
SET frequency=$3, time_of_day=$4, interval_days=$5, updated_at=$6
WHERE user_id=$1 AND channel=$2 AND frequency=$7 AND time_of_day=$8 AND interval_days=$9`
	tag, err := r.db.Pool.Exec(ctx, q,
		from.UserID, string(from.Channel),
		string(to.Frequency), to.TimeOfDay, int32(to.IntervalDays), to.UpdatedAt,
		string(from.Frequency), from.TimeOfDay, int32(from.IntervalDays))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}

// InsertMissing creates absent rows in one transaction, leaving existing rows as they are.
func (r *PreferenceRepo) InsertMissing(ctx context.Context, ps []model.Preferences) error {
	if len(ps) == 0 {
		return nil
	}
	const q = `
INSERT INTO notification_preferences (user_id, channel, enabled, frequency, time_of_day, interval_days, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, channel) DO NOTHING`
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, p := range ps {
			if _, err := tx.Exec(ctx, q,
				p.UserID, string(p.Channel), p.Enabled, string(p.Frequency), p.TimeOfDay, int32(p.IntervalDays), p.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEnabled pages enabled units by (user_id, channel) keyset.
func (r *PreferenceRepo) ListEnabled(ctx context.Context, after model.UnitKey, limit int) ([]model.UnitKey, error) {
	b := psql.Select("user_id", "channel").
		From("notification_preferences").
		Where("enabled")
	if after.UserID != uuid.Nil {
		b = b.Where("(user_id, channel) > (?, ?)", after.UserID, string(after.Channel))
	}
	q, args, err := b.OrderBy("user_id", "channel").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UnitKey
	for rows.Next() {
		var k model.UnitKey
		var ch string
		if err := rows.Scan(&k.UserID, &ch); err != nil {
			return nil, err
		}
		k.Channel = model.Channel(ch)
		out = append(out, k)
	}
	return out, rows.Err()
}

// DismissedTier returns the stored dismissal tier or model.TierOK.
func (r *PreferenceRepo) DismissedTier(ctx context.Context, userID uuid.UUID) (model.Tier, error) {
	const q = `SELECT tier FROM advisory_dismissals WHERE user_id=$1`
	var tier int16
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&tier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TierOK, nil
		}
		return model.TierOK, err
	}
	return model.Tier(tier), nil
}

// Dismiss stores the dismissal keeping the most severe tier ever dismissed.
func (r *PreferenceRepo) Dismiss(ctx context.Context, userID uuid.UUID, tier model.Tier, at time.Time) error {
	const q = `
INSERT INTO advisory_dismissals (user_id, tier, dismissed_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET
    tier = GREATEST(advisory_dismissals.tier, EXCLUDED.tier),
    dismissed_at = EXCLUDED.dismissed_at`
	_, err := r.db.Pool.Exec(ctx, q, userID, int16(tier), at)
	return err
}
