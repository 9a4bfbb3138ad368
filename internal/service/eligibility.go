package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/repository"
	"github.com/and161185/token-notifier/internal/timeofday"
)

// Verdict is the eligibility of one unit at one instant.
type Verdict struct {
	Due    bool
	Target time.Time // today's send instant in the operative timezone
	Next   time.Time // earliest instant the unit becomes due; zero when disabled
	Reason string    // why the unit is not due
}

// EligibilityEngine answers "should this user get a notification on this channel now".
// It only reads; claims and sends belong to the coordinator.
type EligibilityEngine struct {
	prefs      PreferenceService
	deliveries repository.DeliveryRepository
	loc        *time.Location
}

// NewEligibilityEngine constructs the engine. Calendar days are counted in loc.
func NewEligibilityEngine(prefs PreferenceService, deliveries repository.DeliveryRepository, loc *time.Location) *EligibilityEngine {
	if loc == nil {
		loc = time.UTC
	}
	return &EligibilityEngine{prefs: prefs, deliveries: deliveries, loc: loc}
}

// IsDue reports whether the unit is due at now.
func (e *EligibilityEngine) IsDue(ctx context.Context, userID uuid.UUID, ch model.Channel, now time.Time) (bool, error) {
	v, err := e.Check(ctx, userID, ch, now)
	return v.Due, err
}

// NextEligibleAt returns now when the unit is already due, the zero time when it is disabled.
func (e *EligibilityEngine) NextEligibleAt(ctx context.Context, userID uuid.UUID, ch model.Channel, now time.Time) (time.Time, error) {
	v, err := e.Check(ctx, userID, ch, now)
	if err != nil {
		return time.Time{}, err
	}
	if v.Due {
		return now, nil
	}
	return v.Next, nil
}

// Check evaluates the unit. Missing preferences count as disabled.
func (e *EligibilityEngine) Check(ctx context.Context, userID uuid.UUID, ch model.Channel, now time.Time) (Verdict, error) {
	p, err := e.prefs.Get(ctx, userID, ch)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Verdict{Reason: "no preferences"}, nil
		}
		return Verdict{}, fmt.Errorf("preferences: %w", err)
	}
	if !p.Enabled {
		return Verdict{Reason: "disabled"}, nil
	}

	today := model.Day(now, e.loc)
	active, err := e.deliveries.Active(ctx, userID, ch, today)
	if err != nil {
		return Verdict{}, fmt.Errorf("active delivery: %w", err)
	}
	last, err := e.deliveries.LastSent(ctx, userID, ch)
	if err != nil {
		return Verdict{}, fmt.Errorf("last sent: %w", err)
	}
	return e.decide(p, active, last, now), nil
}

func (e *EligibilityEngine) decide(p model.Preferences, active, last *model.DeliveryRecord, now time.Time) Verdict {
	today := model.Day(now, e.loc)
	v := Verdict{Target: timeofday.On(now, p.TimeOfDay, e.loc)}
	earliest := v.Target
	v.Reason = "before time of day"

	if last != nil && last.SentAt != nil {
		gap := cadenceDays(p)
		if cand := timeofday.On(e.shift(*last.SentAt, gap), p.TimeOfDay, e.loc); cand.After(earliest) {
			earliest = cand
			v.Reason = fmt.Sprintf("cadence %dd not elapsed", gap)
		}
	}
	if active != nil && !model.Day(earliest, e.loc).After(today) {
		earliest = timeofday.On(e.shift(now, 1), p.TimeOfDay, e.loc)
		v.Reason = "already " + string(active.Status) + " today"
	}

	v.Next = earliest
	v.Due = !now.Before(earliest)
	if v.Due {
		v.Reason = ""
	}
	return v
}

// shift moves t by whole calendar days in the operative timezone. Noon keeps the
// date stable across DST changes.
func (e *EligibilityEngine) shift(t time.Time, days int) time.Time {
	y, m, d := t.In(e.loc).Date()
	return time.Date(y, m, d+days, 12, 0, 0, 0, e.loc)
}

// cadenceDays is the minimum number of whole calendar days between sends.
// Email additionally honours the newsletter interval.
func cadenceDays(p model.Preferences) int {
	d := p.Frequency.Days()
	if d == 0 {
		d = 1
	}
	if p.Channel == model.ChannelEmail && p.IntervalDays > d {
		d = p.IntervalDays
	}
	return d
}
