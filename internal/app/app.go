// Package app assembles repositories, services and providers from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/token-notifier/internal/config"
	"github.com/and161185/token-notifier/internal/limiter"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/provider"
	"github.com/and161185/token-notifier/internal/repository/postgres"
	"github.com/and161185/token-notifier/internal/service"
)

// App holds the wired services shared by the server and the operator CLI.
type App struct {
	Ledger      *service.LedgerServiceImpl
	Preferences *service.PreferenceServiceImpl
	Advisory    *service.AdvisoryServiceImpl
	Engine      *service.EligibilityEngine
	Coordinator *service.Coordinator
	Contacts    *postgres.ContactRepo

	limiter limiter.Limiter
	window  time.Duration
	closers []func() error
	log     *zap.Logger
}

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) error
}

// New wires the application on top of db.
func New(cfg config.Config, db *postgres.DB, log *zap.Logger) (*App, error) {
	loc := cfg.Location()

	ledgerRepo := postgres.NewLedgerRepo(db)
	prefRepo := postgres.NewPreferenceRepo(db)
	deliveryRepo := postgres.NewDeliveryRepo(db)
	contacts := postgres.NewContactRepo(db)

	a := &App{Contacts: contacts, window: time.Minute, log: log}

	lim, closeLim := newLimiter(cfg.Redis, db, a.window)
	a.limiter = lim
	if closeLim != nil {
		a.closers = append(a.closers, closeLim)
	}

	reg, err := Providers(cfg, contacts, lim)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	for _, ch := range model.Channels {
		if _, ok := reg[ch]; !ok {
			log.Warn("channel has no provider", zap.String("channel", string(ch)))
		}
	}

	th := model.Thresholds{
		Critical: cfg.Ledger.TierCritical,
		Warning:  cfg.Ledger.TierWarning,
		Reminder: cfg.Ledger.TierReminder,
	}
	a.Preferences = service.NewPreferenceService(prefRepo, cfg.DefaultIntervalDays, log.Named("prefs"))
	a.Engine = service.NewEligibilityEngine(a.Preferences, deliveryRepo, loc)
	a.Coordinator = service.NewCoordinator(prefRepo, deliveryRepo, a.Engine, reg, service.DefaultComposer(),
		service.CoordinatorConfig{
			Workers:    cfg.Workers,
			BatchSize:  cfg.BatchSize,
			StaleAfter: cfg.PendingStaleAfter,
			Location:   loc,
		}, log.Named("dispatch"))

	a.Ledger = service.NewLedgerService(ledgerRepo, th, cfg.Ledger.StartingGrant,
		service.CompletionMultiplier(cfg.Ledger.CompletionMultiplier), log.Named("ledger")).
		WithCrossingHook(a.lowBalance)
	a.Advisory = service.NewAdvisoryService(a.Ledger, prefRepo)
	return a, nil
}

func (a *App) lowBalance(ctx context.Context, userID uuid.UUID, res model.DebitResult) {
	if _, err := a.Coordinator.NotifyLowBalance(ctx, userID, res.Tier); err != nil {
		a.log.Error("low balance notice",
			zap.String("user_id", userID.String()),
			zap.Stringer("tier", res.Tier),
			zap.Error(err))
	}
}

// AfterRun performs housekeeping after a scheduled run.
func (a *App) AfterRun(ctx context.Context, now time.Time) {
	p, ok := a.limiter.(pruner)
	if !ok {
		return
	}
	if err := p.Prune(ctx, now.Add(-2*a.window)); err != nil {
		a.log.Warn("prune send windows", zap.Error(err))
	}
}

// Close releases clients opened by New. The database is owned by the caller.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// newLimiter prefers Redis and falls back to the send_windows table.
func newLimiter(rc config.RedisConfig, db *postgres.DB, window time.Duration) (limiter.Limiter, func() error) {
	if rc.SendRatePerMinute <= 0 {
		return limiter.Unlimited{}, nil
	}
	if rc.Addr == "" {
		return limiter.NewPG(db.Pool, rc.SendRatePerMinute, window), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	return limiter.NewRedis(rdb, rc.SendRatePerMinute, window), rdb.Close
}

// Providers builds the channel registry. A channel without configuration is absent.
func Providers(cfg config.Config, dir provider.Directory, lim limiter.Limiter) (provider.Registry, error) {
	reg := provider.Registry{}
	add := func(ch model.Channel, p provider.Provider) {
		reg[ch] = provider.WithRateLimit(p, lim, ch)
	}

	if s := cfg.SMTP; s.Host != "" {
		add(model.ChannelEmail, provider.NewSMTP(s.Host, s.Port, s.Username, s.Password, s.From, dir))
	}

	switch cfg.Messaging.Provider {
	case "telegram":
		if cfg.Telegram.BotToken != "" {
			tg, err := provider.NewTelegram(cfg.Telegram.BotToken, dir)
			if err != nil {
				return nil, fmt.Errorf("messaging: %w", err)
			}
			add(model.ChannelMessaging, tg)
		}
	case "twilio":
		if t := cfg.Twilio; t.AccountSID != "" {
			add(model.ChannelMessaging, provider.NewTwilio(t.AccountSID, t.AuthToken, t.From, dir))
		}
	}

	if p := cfg.Push; p.Endpoint != "" {
		add(model.ChannelPush, provider.NewPush(p.Endpoint, p.APIKey, p.Timeout, dir))
	}
	return reg, nil
}
