// Package jobs triggers dispatch runs on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/and161185/token-notifier/internal/model"
)

// Runner performs one dispatch run.
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) (model.RunSummary, error)
}

// Scheduler invokes the runner on schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	onRun   func(model.RunSummary, error)
	now     func() time.Time
	log     *zap.Logger
}

// NewScheduler builds a scheduler evaluating cron specs in loc.
func NewScheduler(runner Runner, loc *time.Location, timeout time.Duration, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log: log.Named("cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		timeout: timeout,
		now:     time.Now,
		log:     log,
	}
}

// OnRun registers a callback receiving every run outcome.
func (s *Scheduler) OnRun(fn func(model.RunSummary, error)) { s.onRun = fn }

// Start schedules runs under spec and starts the cron loop. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.String("spec", spec))
	return nil
}

// Stop stops scheduling and waits for a running job or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sum, err := s.runner.RunOnce(ctx, s.now())
	if err != nil {
		s.log.Error("scheduled run failed", zap.Error(err))
	}
	if s.onRun != nil {
		s.onRun(sum, err)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
