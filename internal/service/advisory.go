package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository"
)

// AdvisoryService decides whether a balance advisory is shown and records dismissals.
type AdvisoryService interface {
	Evaluate(ctx context.Context, userID uuid.UUID) (model.Advisory, error)
	Dismiss(ctx context.Context, userID uuid.UUID, tier model.Tier) error
}

type AdvisoryServiceImpl struct {
	ledger LedgerService
	prefs  repository.PreferenceRepository
	now    func() time.Time
}

// NewAdvisoryService constructs AdvisoryService.
func NewAdvisoryService(ledger LedgerService, prefs repository.PreferenceRepository) *AdvisoryServiceImpl {
	return &AdvisoryServiceImpl{ledger: ledger, prefs: prefs, now: time.Now}
}

// Evaluate shows CRITICAL always and milder tiers only while they are more severe
// than anything the user dismissed.
func (s *AdvisoryServiceImpl) Evaluate(ctx context.Context, userID uuid.UUID) (model.Advisory, error) {
	b, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return model.Advisory{}, err
	}
	tier := s.ledger.TierFor(b.Balance)
	adv := model.Advisory{Tier: tier, Balance: b.Balance}
	if tier == model.TierOK {
		return adv, nil
	}

	dismissed, err := s.prefs.DismissedTier(ctx, userID)
	if err != nil {
		return model.Advisory{}, fmt.Errorf("dismissal state: %w", err)
	}
	adv.Show = tier == model.TierCritical || tier > dismissed
	adv.Dismissible = tier != model.TierCritical
	return adv, nil
}

// Dismiss hides advisories up to tier. CRITICAL cannot be dismissed.
func (s *AdvisoryServiceImpl) Dismiss(ctx context.Context, userID uuid.UUID, tier model.Tier) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	switch tier {
	case model.TierReminder, model.TierWarning:
	case model.TierCritical:
		return fmt.Errorf("%w: critical advisory is not dismissible", errs.ErrValidation)
	default:
		return fmt.Errorf("%w: nothing to dismiss for tier %s", errs.ErrValidation, tier)
	}
	return s.prefs.Dismiss(ctx, userID, tier, s.now().UTC())
}
