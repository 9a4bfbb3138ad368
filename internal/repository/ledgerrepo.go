// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

// LedgerRepository owns token balances and their append-only history.
// Every balance mutation appends its history record in the same transaction.
type LedgerRepository interface {
	// Provision creates a balance with the starting grant; no-op if it already exists.
	// Reports whether a new balance was created.
	Provision(ctx context.Context, userID uuid.UUID, grant int64, at time.Time) (bool, error)
	// Balance returns the current balance or errs.ErrNotFound.
	Balance(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error)
	// Debit atomically subtracts amount with a floor at zero and records the requested amount.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error)
	// Credit atomically adds amount and records it.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason string, at time.Time) (model.DebitResult, error)
	// History returns records newest first and the total count.
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.HistoryRecord, int, error)
}
