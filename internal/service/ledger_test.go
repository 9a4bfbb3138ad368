package service

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

var testThresholds = model.Thresholds{Critical: 50, Warning: 200, Reminder: 500}

func newLedger(t *testing.T, repo *memLedger) *LedgerServiceImpl {
	t.Helper()
	return NewLedgerService(repo, testThresholds, 1000, nil, zaptest.NewLogger(t))
}

func TestLedger_TierFor_Boundaries(t *testing.T) {
	t.Parallel()
	s := newLedger(t, newMemLedger())

	cases := map[int64]model.Tier{
		0:   model.TierCritical,
		50:  model.TierCritical,
		51:  model.TierWarning,
		200: model.TierWarning,
		201: model.TierReminder,
		500: model.TierReminder,
		501: model.TierOK,
	}
	for b, want := range cases {
		require.Equal(t, want, s.TierFor(b), "balance %d", b)
	}
}

func TestLedger_TierFor_Monotonic(t *testing.T) {
	t.Parallel()
	s := newLedger(t, newMemLedger())

	for b := int64(0); b < 2000; b++ {
		require.GreaterOrEqual(t, s.TierFor(b), s.TierFor(b+1), "balance %d", b)
	}
}

func TestLedger_Debit_Validation(t *testing.T) {
	t.Parallel()
	s := newLedger(t, newMemLedger())
	ctx := context.Background()

	_, err := s.Debit(ctx, uuid.Nil, 10, "x")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Debit(ctx, uuid.Must(uuid.NewV4()), 0, "x")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Debit(ctx, uuid.Must(uuid.NewV4()), -5, "x")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Credit(ctx, uuid.Must(uuid.NewV4()), 0, "x")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestLedger_Debit_UnknownUser(t *testing.T) {
	t.Parallel()
	s := newLedger(t, newMemLedger())

	_, err := s.Debit(context.Background(), uuid.Must(uuid.NewV4()), 10, "completion")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedger_Debit_StoreFailureSurfaces(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	s := newLedger(t, repo)
	uid := uuid.Must(uuid.NewV4())
	_, err := s.Provision(context.Background(), uid)
	require.NoError(t, err)

	repo.debitErr = errors.New("connection reset")
	_, err = s.Debit(context.Background(), uid, 10, "completion")
	require.ErrorContains(t, err, "connection reset")
}

func TestLedger_BalanceFloor(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	s := newLedger(t, repo)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	_, err := s.Provision(ctx, uid)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		res, err := s.Debit(ctx, uid, rng.Int63n(120)+1, "completion")
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Balance, int64(0))
	}

	// overdraw records the requested amount
	res, err := s.Debit(ctx, uid, 5000, "completion")
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Balance)
	require.Equal(t, int64(-5000), res.Record.Amount)
	require.Equal(t, int64(0), res.Record.ResultingBalance)
}

func TestLedger_Provision_Idempotent(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	s := newLedger(t, repo)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	b, err := s.Provision(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, int64(1000), b.Balance)

	_, err = s.Debit(ctx, uid, 100, "completion")
	require.NoError(t, err)

	b, err = s.Provision(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, int64(900), b.Balance)
	require.Len(t, repo.hist[uid], 2)
}

func TestLedger_EscalationHook(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	uid := uuid.Must(uuid.NewV4())
	repo.bal[uid] = 600

	var fired []model.DebitResult
	s := newLedger(t, repo).WithCrossingHook(func(_ context.Context, id uuid.UUID, res model.DebitResult) {
		require.Equal(t, uid, id)
		fired = append(fired, res)
	})
	ctx := context.Background()

	res, err := s.Debit(ctx, uid, 150, "completion")
	require.NoError(t, err)
	require.Equal(t, int64(450), res.Balance)
	require.Equal(t, model.TierOK, res.PreviousTier)
	require.Equal(t, model.TierReminder, res.Tier)
	require.False(t, res.Escalated())
	require.Empty(t, fired)

	res, err = s.Debit(ctx, uid, 300, "completion")
	require.NoError(t, err)
	require.Equal(t, model.TierWarning, res.Tier)
	require.True(t, res.Escalated())
	require.Len(t, fired, 1)

	// staying inside WARNING does not fire again
	_, err = s.Debit(ctx, uid, 10, "completion")
	require.NoError(t, err)
	require.Len(t, fired, 1)

	res, err = s.Debit(ctx, uid, 500, "completion")
	require.NoError(t, err)
	require.Equal(t, model.TierCritical, res.Tier)
	require.Len(t, fired, 2)
}

func TestLedger_Charge(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	s := newLedger(t, repo)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	repo.bal[uid] = 100

	res, err := s.Charge(ctx, uid, Usage{PromptTokens: 500}, "completion")
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Balance)
	require.Empty(t, repo.hist[uid])

	res, err = s.Charge(ctx, uid, Usage{PromptTokens: 500, CompletionTokens: 20}, "completion")
	require.NoError(t, err)
	require.Equal(t, int64(60), res.Balance)
	require.Equal(t, int64(-40), res.Record.Amount)
}

func TestLedger_History_Paging(t *testing.T) {
	t.Parallel()
	repo := newMemLedger()
	s := newLedger(t, repo)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	_, _, err := s.History(ctx, uid, 10, 0)
	require.ErrorIs(t, err, errs.ErrNotFound)

	repo.bal[uid] = 10
	out, total, err := s.History(ctx, uid, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
	require.Zero(t, total)
	require.Equal(t, defaultHistoryLimit, repo.histLimit)

	_, _, err = s.History(ctx, uid, 10_000, 3)
	require.NoError(t, err)
	require.Equal(t, maxHistoryLimit, repo.histLimit)
	require.Equal(t, 3, repo.histOffset)

	_, _, err = s.History(ctx, uid, 10, -1)
	require.ErrorIs(t, err, errs.ErrValidation)

	for i := 0; i < 3; i++ {
		_, err := s.Debit(ctx, uid, 1, "completion")
		require.NoError(t, err)
	}
	out, total, err = s.History(ctx, uid, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, out, 2)
	require.Equal(t, int64(7), out[0].ResultingBalance)
}
