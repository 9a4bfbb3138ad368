package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

// ContactRepo implements ContactRepository using PostgreSQL.
type ContactRepo struct{ db *DB }

// NewContactRepo constructs a contact repository.
func NewContactRepo(db *DB) *ContactRepo { return &ContactRepo{db: db} }

// Address returns the recipient address of a user on a channel.
func (r *ContactRepo) Address(ctx context.Context, userID uuid.UUID, ch model.Channel) (string, error) {
	const q = `SELECT address FROM user_contacts WHERE user_id=$1 AND channel=$2`
	var addr string
	if err := r.db.Pool.QueryRow(ctx, q, userID, string(ch)).Scan(&addr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return addr, nil
}

// SetAddress stores or replaces the recipient address.
func (r *ContactRepo) SetAddress(ctx context.Context, userID uuid.UUID, ch model.Channel, address string) error {
	const q = `
INSERT INTO user_contacts (user_id, channel, address)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, channel) DO UPDATE SET address = EXCLUDED.address, updated_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, userID, string(ch), address)
	return err
}
