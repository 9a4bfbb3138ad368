package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository"
	"github.com/and161185/token-notifier/internal/timeofday"
)

// PreferenceService reads and writes per-channel notification preferences.
type PreferenceService interface {
	// Get returns preferences with a canonical time of day, repairing stored garbage.
	Get(ctx context.Context, userID uuid.UUID, ch model.Channel) (model.Preferences, error)
	// List returns every stored channel of a user.
	List(ctx context.Context, userID uuid.UUID) ([]model.Preferences, error)
	// Set validates and stores preferences.
	Set(ctx context.Context, p model.Preferences) (model.Preferences, error)
	// EnsureDefaults creates missing channel rows with signup defaults.
	EnsureDefaults(ctx context.Context, userID uuid.UUID) error
}

type PreferenceServiceImpl struct {
	repo            repository.PreferenceRepository
	defaultInterval int
	now             func() time.Time
	log             *zap.Logger
}

// NewPreferenceService constructs PreferenceService.
func NewPreferenceService(repo repository.PreferenceRepository, defaultInterval int, log *zap.Logger) *PreferenceServiceImpl {
	if defaultInterval < 1 {
		defaultInterval = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PreferenceServiceImpl{repo: repo, defaultInterval: defaultInterval, now: time.Now, log: log}
}

// Get normalizes the loaded row. When something had to be repaired the fixed row is
// written back; a failed write-back is logged and the repaired value still returned.
func (s *PreferenceServiceImpl) Get(ctx context.Context, userID uuid.UUID, ch model.Channel) (model.Preferences, error) {
	if !ch.Valid() {
		return model.Preferences{}, fmt.Errorf("%w: unknown channel %q", errs.ErrValidation, ch)
	}
	p, err := s.repo.Get(ctx, userID, ch)
	if err != nil {
		return model.Preferences{}, err
	}
	stored := p
	if s.repair(&p) {
		p.UpdatedAt = s.now().UTC()
		err := s.repo.Repair(ctx, stored, p)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, errs.ErrConflict):
			// edited concurrently; the next read repairs the new row if needed
			s.log.Debug("repaired preferences changed underneath",
				zap.String("user_id", userID.String()),
				zap.String("channel", string(ch)))
		default:
			s.log.Warn("persist repaired preferences",
				zap.String("user_id", userID.String()),
				zap.String("channel", string(ch)),
				zap.Error(err))
		}
	}
	return p, nil
}

// List returns stored rows after in-memory repair.
func (s *PreferenceServiceImpl) List(ctx context.Context, userID uuid.UUID) ([]model.Preferences, error) {
	ps, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range ps {
		s.repair(&ps[i])
	}
	return ps, nil
}

// Set rejects unknown channels and frequencies and intervals below one day.
// Time of day is never rejected: malformed values become the default.
func (s *PreferenceServiceImpl) Set(ctx context.Context, p model.Preferences) (model.Preferences, error) {
	if p.UserID == uuid.Nil {
		return model.Preferences{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if !p.Channel.Valid() {
		return model.Preferences{}, fmt.Errorf("%w: unknown channel %q", errs.ErrValidation, p.Channel)
	}
	if p.Frequency == "" {
		p.Frequency = model.FrequencyDaily
	}
	if !p.Frequency.Valid() {
		return model.Preferences{}, fmt.Errorf("%w: unknown frequency %q", errs.ErrValidation, p.Frequency)
	}
	if p.IntervalDays < 1 {
		return model.Preferences{}, fmt.Errorf("%w: interval days must be >= 1, got %d", errs.ErrValidation, p.IntervalDays)
	}
	p.TimeOfDay = timeofday.Normalize(p.TimeOfDay)
	p.UpdatedAt = s.now().UTC()

	if err := s.repo.Upsert(ctx, p); err != nil {
		return model.Preferences{}, err
	}
	return p, nil
}

// EnsureDefaults enables daily email at the default time; other channels start disabled.
func (s *PreferenceServiceImpl) EnsureDefaults(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	now := s.now().UTC()
	ps := make([]model.Preferences, 0, len(model.Channels))
	for _, ch := range model.Channels {
		ps = append(ps, model.Preferences{
			UserID:       userID,
			Channel:      ch,
			Enabled:      ch == model.ChannelEmail,
			Frequency:    model.FrequencyDaily,
			TimeOfDay:    timeofday.Default,
			IntervalDays: s.defaultInterval,
			UpdatedAt:    now,
		})
	}
	return s.repo.InsertMissing(ctx, ps)
}

// repair fixes fields that cannot be trusted from storage and reports whether it changed anything.
func (s *PreferenceServiceImpl) repair(p *model.Preferences) bool {
	changed := false
	if !timeofday.Valid(p.TimeOfDay) {
		p.TimeOfDay = timeofday.Normalize(p.TimeOfDay)
		changed = true
	}
	if !p.Frequency.Valid() {
		p.Frequency = model.FrequencyDaily
		changed = true
	}
	if p.IntervalDays < 1 {
		p.IntervalDays = s.defaultInterval
		changed = true
	}
	return changed
}
