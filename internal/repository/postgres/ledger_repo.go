package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

const insHistory = `
INSERT INTO token_history (user_id, amount, resulting_balance, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

// Provision creates the balance row with the starting grant if it does not exist.
func (r *LedgerRepo) Provision(ctx context.Context, userID uuid.UUID, grant int64, at time.Time) (created bool, err error) {
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO token_balances (user_id, balance, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO NOTHING`
		tag, err := tx.Exec(ctx, ins, userID, grant, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		if grant == 0 {
			return nil
		}
		var id int64
		return tx.QueryRow(ctx, insHistory, userID, grant, grant, "grant", at).Scan(&id)
	})
	return created, err
}

// Balance returns the current balance of a user.
func (r *LedgerRepo) Balance(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error) {
	const q = `SELECT balance, last_debit_at FROM token_balances WHERE user_id=$1`
	b := model.TokenBalance{UserID: userID}
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&b.Balance, &b.LastDebitAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TokenBalance{}, errs.ErrNotFound
		}
		return model.TokenBalance{}, err
	}
	return b, nil
}

// Debit locks the balance row, subtracts amount clamping at zero, and appends a history
// record carrying the requested (not the clamped) amount.
func (r *LedgerRepo) Debit(ctx context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error) {
	return r.apply(ctx, userID, -amount, reason, at)
}

// Credit locks the balance row and adds amount.
func (r *LedgerRepo) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error) {
	return r.apply(ctx, userID, amount, reason, at)
}

func (r *LedgerRepo) apply(ctx context.Context, userID uuid.UUID, delta int64, reason string, at time.Time) (model.DebitResult, error) {
	var res model.DebitResult
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT balance FROM token_balances WHERE user_id=$1 FOR UPDATE`
		var cur int64
		if err := tx.QueryRow(ctx, sel, userID).Scan(&cur); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}

		if delta > 0 && cur > math.MaxInt64-delta {
			return fmt.Errorf("%w: credit of %d overflows balance %d", errs.ErrValidation, delta, cur)
		}
		next := cur + delta
		if next < 0 {
			next = 0
		}

		if delta < 0 {
			const upd = `UPDATE token_balances SET balance=$2, last_debit_at=$3 WHERE user_id=$1`
			if _, err := tx.Exec(ctx, upd, userID, next, at); err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
		} else {
			const upd = `UPDATE token_balances SET balance=$2 WHERE user_id=$1`
			if _, err := tx.Exec(ctx, upd, userID, next); err != nil {
				return fmt.Errorf("update balance: %w", err)
			}
		}

		var id int64
		if err := tx.QueryRow(ctx, insHistory, userID, delta, next, reason, at).Scan(&id); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		res = model.DebitResult{
			Previous: cur,
			Balance:  next,
			Record: model.HistoryRecord{
				ID:               id,
				UserID:           userID,
				Amount:           delta,
				ResultingBalance: next,
				Reason:           reason,
				CreatedAt:        at,
			},
		}
		return nil
	})
	if err != nil {
		return model.DebitResult{}, err
	}
	return res, nil
}

// History returns a page of records newest first together with the total count.
// An unknown user yields errs.ErrNotFound.
func (r *LedgerRepo) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.HistoryRecord, int, error) {
	const exists = `SELECT EXISTS (SELECT 1 FROM token_balances WHERE user_id=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, exists, userID).Scan(&ok); err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errs.ErrNotFound
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").
		From("token_history").
		Where("user_id = ?", userID).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.db.Pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL, listArgs, err := psql.Select("id", "amount", "resulting_balance", "reason", "created_at").
		From("token_history").
		Where("user_id = ?", userID).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []model.HistoryRecord{}
	for rows.Next() {
		rec := model.HistoryRecord{UserID: userID}
		if err := rows.Scan(&rec.ID, &rec.Amount, &rec.ResultingBalance, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
