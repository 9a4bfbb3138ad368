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

// DeliveryRepo implements DeliveryRepository using PostgreSQL.
// The partial unique index deliveries_claim makes Claim the single arbiter of
// at-most-one delivery per (user, channel, day).
type DeliveryRepo struct{ db *DB }

// NewDeliveryRepo constructs a delivery repository.
func NewDeliveryRepo(db *DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

// Claim inserts a pending record unless the day is already held.
func (r *DeliveryRepo) Claim(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	const q = `
INSERT INTO deliveries (user_id, channel, day, kind, status, scheduled_for, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', $5, $6, $6)
ON CONFLICT (user_id, channel, day) WHERE status IN ('pending', 'sending', 'sent') DO NOTHING
RETURNING id`
	err := r.db.Pool.QueryRow(ctx, q,
		rec.UserID, string(rec.Channel), rec.Day, string(rec.Kind), rec.ScheduledFor, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return model.DeliveryRecord{}, errs.ErrConflict
		}
		return model.DeliveryRecord{}, err
	}
	rec.Status = model.DeliveryPending
	return rec, nil
}

// MarkSending moves a pending claim to sending right before the provider call.
// A claim reconciled meanwhile yields errs.ErrConflict and must not be sent.
func (r *DeliveryRepo) MarkSending(ctx context.Context, id int64) error {
	const q = `
UPDATE deliveries SET status='sending', updated_at=now()
WHERE id=$1 AND status='pending'`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}

// MarkSent records a successful send. Only live claims (pending or sending) move;
// anything else yields errs.ErrConflict.
func (r *DeliveryRepo) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	const q = `
UPDATE deliveries SET status='sent', sent_at=$2, error='', updated_at=$2
WHERE id=$1 AND status IN ('pending', 'sending')`
	tag, err := r.db.Pool.Exec(ctx, q, id, sentAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}

// MarkFailed transitions a live claim to failed.
func (r *DeliveryRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, id, model.DeliveryFailed, reason)
}

// MarkCancelled transitions a live claim to cancelled.
func (r *DeliveryRepo) MarkCancelled(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, id, model.DeliveryCancelled, reason)
}

func (r *DeliveryRepo) finish(ctx context.Context, id int64, status model.DeliveryStatus, reason string) error {
	const q = `
UPDATE deliveries SET status=$2, error=$3, updated_at=now()
WHERE id=$1 AND status IN ('pending', 'sending')`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrConflict
	}
	return nil
}

// LastSent returns the most recent sent record of any kind.
func (r *DeliveryRepo) LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.DeliveryRecord, error) {
	const q = `
SELECT id, day, kind, status, scheduled_for, sent_at, error, created_at
FROM deliveries
WHERE user_id=$1 AND channel=$2 AND status='sent'
ORDER BY sent_at DESC
LIMIT 1`
	return r.one(ctx, userID, ch, q, userID, string(ch))
}

// Active returns the record holding day (pending, sending or sent).
func (r *DeliveryRepo) Active(ctx context.Context, userID uuid.UUID, ch model.Channel, day time.Time) (*model.DeliveryRecord, error) {
	const q = `
SELECT id, day, kind, status, scheduled_for, sent_at, error, created_at
FROM deliveries
WHERE user_id=$1 AND channel=$2 AND day=$3 AND status IN ('pending', 'sending', 'sent')
LIMIT 1`
	return r.one(ctx, userID, ch, q, userID, string(ch), day)
}

func (r *DeliveryRepo) one(ctx context.Context, userID uuid.UUID, ch model.Channel, q string, args ...any) (*model.DeliveryRecord, error) {
	rec := model.DeliveryRecord{UserID: userID, Channel: ch}
	var kind, status string
	err := r.db.Pool.QueryRow(ctx, q, args...).
		Scan(&rec.ID, &rec.Day, &kind, &status, &rec.ScheduledFor, &rec.SentAt, &rec.Error, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Kind = model.DeliveryKind(kind)
	rec.Status = model.DeliveryStatus(status)
	return &rec, nil
}

// ReconcileStale fails pending claims abandoned by a crashed run. Claims in
// 'sending' are left alone: their message may have gone out.
func (r *DeliveryRepo) ReconcileStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
UPDATE deliveries SET status='failed', error='abandoned claim', updated_at=now()
WHERE status='pending' AND created_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
