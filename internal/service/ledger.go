// Package service contains the metering and notification scheduling services.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// LedgerService defines balance operations. All mutations go through it.
type LedgerService interface {
	// Provision creates the balance with the starting grant if the user has none.
	Provision(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error)
	// Balance returns the current balance.
	Balance(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error)
	// Debit subtracts amount with a floor at zero and classifies the transition.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, reason string) (model.DebitResult, error)
	// Credit adds amount.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason string) (model.DebitResult, error)
	// Charge debits the amount the pricing policy assigns to usage.
	Charge(ctx context.Context, userID uuid.UUID, usage Usage, reason string) (model.DebitResult, error)
	// History returns a page of ledger records newest first and the total count.
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.HistoryRecord, int, error)
	// TierFor classifies a balance.
	TierFor(balance int64) model.Tier
}

// CrossingHook runs after a debit escalates a user into WARNING or CRITICAL.
type CrossingHook func(ctx context.Context, userID uuid.UUID, res model.DebitResult)

type LedgerServiceImpl struct {
	repo       repository.LedgerRepository
	thresholds model.Thresholds
	grant      int64
	pricing    PricingPolicy
	onCrossing CrossingHook
	now        func() time.Time
	log        *zap.Logger
}

// NewLedgerService constructs LedgerService. A nil pricing policy charges completion tokens × 2.
func NewLedgerService(repo repository.LedgerRepository, th model.Thresholds, grant int64, pricing PricingPolicy, log *zap.Logger) *LedgerServiceImpl {
	if pricing == nil {
		pricing = CompletionMultiplier(2)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerServiceImpl{
		repo:       repo,
		thresholds: th,
		grant:      grant,
		pricing:    pricing,
		now:        time.Now,
		log:        log,
	}
}

// WithCrossingHook registers the escalation hook.
func (s *LedgerServiceImpl) WithCrossingHook(h CrossingHook) *LedgerServiceImpl {
	s.onCrossing = h
	return s
}

// TierFor maps a balance onto a tier. Boundaries are inclusive upper bounds.
func (s *LedgerServiceImpl) TierFor(balance int64) model.Tier {
	switch {
	case balance <= s.thresholds.Critical:
		return model.TierCritical
	case balance <= s.thresholds.Warning:
		return model.TierWarning
	case balance <= s.thresholds.Reminder:
		return model.TierReminder
	default:
		return model.TierOK
	}
}

// Provision is idempotent.
func (s *LedgerServiceImpl) Provision(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error) {
	if userID == uuid.Nil {
		return model.TokenBalance{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	created, err := s.repo.Provision(ctx, userID, s.grant, s.now().UTC())
	if err != nil {
		return model.TokenBalance{}, err
	}
	if created {
		s.log.Info("balance provisioned", zap.String("user_id", userID.String()), zap.Int64("grant", s.grant))
	}
	return s.repo.Balance(ctx, userID)
}

// Balance returns errs.ErrNotFound for unknown users.
func (s *LedgerServiceImpl) Balance(ctx context.Context, userID uuid.UUID) (model.TokenBalance, error) {
	if userID == uuid.Nil {
		return model.TokenBalance{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	return s.repo.Balance(ctx, userID)
}

// Debit applies a positive amount and fires the crossing hook on escalation.
// Failures are returned to the caller; a debit is never dropped silently.
func (s *LedgerServiceImpl) Debit(ctx context.Context, userID uuid.UUID, amount int64, reason string) (model.DebitResult, error) {
	if userID == uuid.Nil {
		return model.DebitResult{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if amount <= 0 {
		return model.DebitResult{}, fmt.Errorf("%w: debit amount must be positive, got %d", errs.ErrValidation, amount)
	}
	if reason == "" {
		reason = "usage"
	}

	res, err := s.repo.Debit(ctx, userID, amount, reason, s.now().UTC())
	if err != nil {
		return model.DebitResult{}, fmt.Errorf("debit: %w", err)
	}
	s.classify(&res)

	if res.Escalated() {
		s.log.Info("balance tier escalated",
			zap.String("user_id", userID.String()),
			zap.Stringer("from", res.PreviousTier),
			zap.Stringer("to", res.Tier),
			zap.Int64("balance", res.Balance))
		if s.onCrossing != nil {
			s.onCrossing(context.WithoutCancel(ctx), userID, res)
		}
	}
	return res, nil
}

// Credit applies a positive top-up.
func (s *LedgerServiceImpl) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason string) (model.DebitResult, error) {
	if userID == uuid.Nil {
		return model.DebitResult{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if amount <= 0 {
		return model.DebitResult{}, fmt.Errorf("%w: credit amount must be positive, got %d", errs.ErrValidation, amount)
	}
	if reason == "" {
		reason = "top-up"
	}
	res, err := s.repo.Credit(ctx, userID, amount, reason, s.now().UTC())
	if err != nil {
		return model.DebitResult{}, fmt.Errorf("credit: %w", err)
	}
	s.classify(&res)
	return res, nil
}

// Charge prices usage and debits it. Usage priced at zero changes nothing.
func (s *LedgerServiceImpl) Charge(ctx context.Context, userID uuid.UUID, usage Usage, reason string) (model.DebitResult, error) {
	amount := s.pricing(usage)
	if amount > 0 {
		return s.Debit(ctx, userID, amount, reason)
	}
	b, err := s.Balance(ctx, userID)
	if err != nil {
		return model.DebitResult{}, err
	}
	tier := s.TierFor(b.Balance)
	return model.DebitResult{Previous: b.Balance, Balance: b.Balance, PreviousTier: tier, Tier: tier}, nil
}

// History clamps limit to [1, 200] with a default of 20.
func (s *LedgerServiceImpl) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.HistoryRecord, int, error) {
	if userID == uuid.Nil {
		return nil, 0, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset", errs.ErrValidation)
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.repo.History(ctx, userID, limit, offset)
}

func (s *LedgerServiceImpl) classify(res *model.DebitResult) {
	res.PreviousTier = s.TierFor(res.Previous)
	res.Tier = s.TierFor(res.Balance)
}
