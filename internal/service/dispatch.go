package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/provider"
	"github.com/and161185/token-notifier/internal/repository"
)

// CoordinatorConfig tunes a dispatch run.
type CoordinatorConfig struct {
	Workers    int           // concurrent units
	BatchSize  int           // units fetched per page
	StaleAfter time.Duration // pending claims older than this are failed at run start; keep it below the run period
	Location   *time.Location
}

// Coordinator runs the population through eligibility, claim, send and bookkeeping.
// It is the only writer of delivery records and has no timer of its own.
type Coordinator struct {
	prefs      repository.PreferenceRepository
	deliveries repository.DeliveryRepository
	engine     *EligibilityEngine
	providers  provider.Registry
	composer   Composer
	cfg        CoordinatorConfig
	now        func() time.Time
	log        *zap.Logger

	sentAttempts int
	sentBackoff  time.Duration
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	prefs repository.PreferenceRepository,
	deliveries repository.DeliveryRepository,
	engine *EligibilityEngine,
	providers provider.Registry,
	composer Composer,
	cfg CoordinatorConfig,
	log *zap.Logger,
) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if composer == nil {
		composer = DefaultComposer()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		prefs:      prefs,
		deliveries: deliveries,
		engine:     engine,
		providers:  providers,
		composer:   composer,
		cfg:        cfg,
		now:        time.Now,
		log:        log,

		sentAttempts: 3,
		sentBackoff:  200 * time.Millisecond,
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeAborted // cancelled before a claim was taken; not counted
)

// RunOnce evaluates every enabled unit at now. Per-unit failures land in the summary;
// the returned error is set only when enumeration failed or ctx was cancelled, in which
// case the summary covers the units that did run.
func (c *Coordinator) RunOnce(ctx context.Context, now time.Time) (model.RunSummary, error) {
	started := time.Now()
	var sum model.RunSummary

	if n, err := c.deliveries.ReconcileStale(ctx, now.Add(-c.cfg.StaleAfter)); err != nil {
		c.log.Warn("reconcile stale claims", zap.Error(err))
	} else {
		sum.Reconciled = n
	}

	var (
		mu      sync.Mutex
		g       errgroup.Group
		runErr  error
		cursor  model.UnitKey
		stopped bool
	)
	g.SetLimit(c.cfg.Workers)

	for !stopped {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		page, err := c.prefs.ListEnabled(ctx, cursor, c.cfg.BatchSize)
		if err != nil {
			runErr = fmt.Errorf("list enabled units: %w", err)
			break
		}
		for _, u := range page {
			if err := ctx.Err(); err != nil {
				runErr = err
				stopped = true
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				res, err := c.runUnit(ctx, u, now)
				if res == outcomeAborted {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				sum.Processed++
				switch res {
				case outcomeSent:
					sum.Sent++
				case outcomeSkipped:
					sum.Skipped++
				case outcomeFailed:
					sum.Failed = append(sum.Failed, model.UnitFailure{UserID: u.UserID, Channel: u.Channel, Err: err})
				}
				return nil
			})
		}
		if len(page) < c.cfg.BatchSize {
			break
		}
		cursor = page[len(page)-1]
	}
	_ = g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	fields := []zap.Field{
		zap.Int("processed", sum.Processed),
		zap.Int("sent", sum.Sent),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", len(sum.Failed)),
		zap.Int64("reconciled", sum.Reconciled),
		zap.Duration("dur", time.Since(started)),
	}
	if runErr != nil {
		c.log.Error("dispatch run aborted", append(fields, zap.Error(runErr))...)
		return sum, runErr
	}
	c.log.Info("dispatch run finished", fields...)
	return sum, nil
}

func (c *Coordinator) runUnit(ctx context.Context, u model.UnitKey, now time.Time) (outcome, error) {
	v, err := c.engine.Check(ctx, u.UserID, u.Channel, now)
	if err != nil {
		c.unitFailed(u, err)
		return outcomeFailed, err
	}
	if !v.Due {
		return outcomeSkipped, nil
	}
	rec, err := c.deliver(ctx, u, ComposeRequest{UserID: u.UserID, Channel: u.Channel, Kind: model.KindScheduled}, v.Target, now)
	switch {
	case err == nil:
		return outcomeSent, nil
	case errors.Is(err, errs.ErrConflict):
		return outcomeSkipped, nil
	case rec.ID == 0 && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return outcomeAborted, err
	default:
		c.unitFailed(u, err)
		return outcomeFailed, err
	}
}

// SendNow delivers a test notice ignoring preferences and cadence. The one-per-day
// guard still applies: a held day yields errs.ErrConflict.
func (c *Coordinator) SendNow(ctx context.Context, userID uuid.UUID, ch model.Channel) (model.DeliveryRecord, error) {
	if userID == uuid.Nil {
		return model.DeliveryRecord{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if !ch.Valid() {
		return model.DeliveryRecord{}, fmt.Errorf("%w: unknown channel %q", errs.ErrValidation, ch)
	}
	now := c.now()
	u := model.UnitKey{UserID: userID, Channel: ch}
	return c.deliver(ctx, u, ComposeRequest{UserID: userID, Channel: ch, Kind: model.KindManual}, now, now)
}

// NotifyLowBalance sends an immediate notice on every enabled channel of the user,
// bypassing cadence and time of day but not the one-per-day guard.
func (c *Coordinator) NotifyLowBalance(ctx context.Context, userID uuid.UUID, tier model.Tier) (model.RunSummary, error) {
	var sum model.RunSummary
	ps, err := c.prefs.ListByUser(ctx, userID)
	if err != nil {
		return sum, fmt.Errorf("list preferences: %w", err)
	}
	now := c.now()
	for _, p := range ps {
		if !p.Enabled {
			continue
		}
		sum.Processed++
		u := model.UnitKey{UserID: userID, Channel: p.Channel}
		_, err := c.deliver(ctx, u, ComposeRequest{UserID: userID, Channel: p.Channel, Kind: model.KindLowBalance, Tier: tier}, now, now)
		switch {
		case err == nil:
			sum.Sent++
		case errors.Is(err, errs.ErrConflict):
			sum.Skipped++
		default:
			c.unitFailed(u, err)
			sum.Failed = append(sum.Failed, model.UnitFailure{UserID: userID, Channel: p.Channel, Err: err})
		}
	}
	c.log.Info("low balance notice",
		zap.String("user_id", userID.String()),
		zap.Stringer("tier", tier),
		zap.Int("sent", sum.Sent),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", len(sum.Failed)))
	return sum, nil
}

// deliver composes, waits for a send slot, claims the day, sends and records the outcome.
// Once a claim is held the send and the outcome writes run detached from ctx cancellation.
// The claim moves to sending before the provider is called, so a send that may have gone
// out keeps holding the day even if the final write is lost.
func (c *Coordinator) deliver(ctx context.Context, u model.UnitKey, req ComposeRequest, scheduledFor, now time.Time) (model.DeliveryRecord, error) {
	started := c.now()
	p, err := c.providers.Get(u.Channel)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	content, err := c.composer.Compose(ctx, req)
	if err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("compose: %w", err)
	}
	if t, ok := p.(provider.Throttle); ok {
		if err := t.Reserve(ctx); err != nil {
			return model.DeliveryRecord{}, fmt.Errorf("wait for send slot: %w", err)
		}
	}

	day := model.Day(now, c.cfg.Location)
	rec, err := c.deliveries.Claim(ctx, model.DeliveryRecord{
		UserID:       u.UserID,
		Channel:      u.Channel,
		Day:          day,
		Kind:         req.Kind,
		ScheduledFor: scheduledFor,
		CreatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return model.DeliveryRecord{}, err
		}
		return model.DeliveryRecord{}, fmt.Errorf("claim: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		if mErr := c.deliveries.MarkCancelled(detached, rec.ID, err.Error()); mErr != nil {
			c.log.Error("mark delivery cancelled", zap.Int64("delivery_id", rec.ID), zap.Error(mErr))
		}
		rec.Status = model.DeliveryCancelled
		return rec, err
	}

	if err := c.deliveries.MarkSending(detached, rec.ID); err != nil {
		// a reconciled claim surfaces as ErrConflict and is treated as lost
		if !errors.Is(err, errs.ErrConflict) {
			if mErr := c.deliveries.MarkFailed(detached, rec.ID, err.Error()); mErr != nil {
				c.log.Error("mark delivery failed", zap.Int64("delivery_id", rec.ID), zap.Error(mErr))
			}
		}
		rec.Status = model.DeliveryFailed
		return rec, fmt.Errorf("mark sending: %w", err)
	}
	rec.Status = model.DeliverySending

	if err := p.Send(detached, u.UserID, content); err != nil {
		if mErr := c.deliveries.MarkFailed(detached, rec.ID, err.Error()); mErr != nil {
			c.log.Error("mark delivery failed", zap.Int64("delivery_id", rec.ID), zap.Error(mErr))
		}
		rec.Status = model.DeliveryFailed
		rec.Error = err.Error()
		return rec, err
	}

	sentAt := now.Add(c.now().Sub(started))
	if !model.Day(sentAt, c.cfg.Location).Equal(day) || sentAt.Before(now) {
		sentAt = now
	}
	if err := c.markSent(detached, rec.ID, sentAt); err != nil {
		// the message went out; the row stays sending and keeps holding the day
		c.log.Error("mark delivery sent", zap.Int64("delivery_id", rec.ID), zap.Error(err))
	}
	rec.Status = model.DeliverySent
	rec.SentAt = &sentAt
	return rec, nil
}

func (c *Coordinator) markSent(ctx context.Context, id int64, sentAt time.Time) error {
	var err error
	for i := 0; i < c.sentAttempts; i++ {
		if i > 0 {
			time.Sleep(c.sentBackoff * time.Duration(i))
		}
		err = c.deliveries.MarkSent(ctx, id, sentAt)
		if err == nil || errors.Is(err, errs.ErrConflict) {
			return err
		}
	}
	return err
}

func (c *Coordinator) unitFailed(u model.UnitKey, err error) {
	c.log.Warn("unit failed",
		zap.String("user_id", u.UserID.String()),
		zap.String("channel", string(u.Channel)),
		zap.Error(err))
}
