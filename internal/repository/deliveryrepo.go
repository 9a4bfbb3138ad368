package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

// DeliveryRepository stores delivery records. Only the dispatch coordinator writes to it.
type DeliveryRepository interface {
	// Claim inserts a pending record for (user, channel, day). It returns errs.ErrConflict
	// when a pending, sending or sent record already holds that day.
	Claim(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error)
	// MarkSending transitions a pending record to sending; errs.ErrConflict if it is no
	// longer pending.
	MarkSending(ctx context.Context, id int64) error
	// MarkSent transitions a pending or sending record to sent.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	// MarkFailed transitions a pending or sending record to failed with a reason.
	MarkFailed(ctx context.Context, id int64, reason string) error
	// MarkCancelled transitions a pending or sending record to cancelled.
	MarkCancelled(ctx context.Context, id int64, reason string) error
	// LastSent returns the most recent sent record, or nil when there is none.
	LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.DeliveryRecord, error)
	// Active returns the pending, sending or sent record holding day, or nil.
	Active(ctx context.Context, userID uuid.UUID, ch model.Channel, day time.Time) (*model.DeliveryRecord, error)
	// ReconcileStale marks pending records created before cutoff as failed and returns how
	// many. Sending records are never reconciled.
	ReconcileStale(ctx context.Context, cutoff time.Time) (int64, error)
}
