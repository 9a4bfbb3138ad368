// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	DatabaseDSN string `envconfig:"DATABASE_DSN" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
	Timezone    string `envconfig:"TIMEZONE" default:"UTC"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":8081"`

	GRPCReflection bool `envconfig:"GRPC_REFLECTION" default:"false"` // dev only

	RunSchedule       string        `envconfig:"RUN_SCHEDULE" default:"*/15 * * * *"`
	RunTimeout        time.Duration `envconfig:"RUN_TIMEOUT" default:"10m"`
	Workers           int           `envconfig:"WORKERS" default:"8"`
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"500"`
	PendingStaleAfter time.Duration `envconfig:"PENDING_STALE_AFTER" default:"1m"`

	DefaultIntervalDays int `envconfig:"DEFAULT_INTERVAL_DAYS" default:"4"`

	Ledger    LedgerConfig
	SMTP      SMTPConfig
	Messaging MessagingConfig
	Telegram  TelegramConfig
	Twilio    TwilioConfig
	Push      PushConfig
	Redis     RedisConfig
}

// LedgerConfig configures balances, tiers and pricing.
type LedgerConfig struct {
	StartingGrant        int64 `envconfig:"STARTING_GRANT" default:"1000"`
	TierReminder         int64 `envconfig:"TIER_REMINDER" default:"500"`
	TierWarning          int64 `envconfig:"TIER_WARNING" default:"200"`
	TierCritical         int64 `envconfig:"TIER_CRITICAL" default:"50"`
	CompletionMultiplier int64 `envconfig:"COMPLETION_MULTIPLIER" default:"2"`
}

// SMTPConfig configures the email channel. Empty Host disables the channel.
type SMTPConfig struct {
	Host     string `envconfig:"HOST"`
	Port     int    `envconfig:"PORT" default:"587"`
	Username string `envconfig:"USERNAME"`
	Password string `envconfig:"PASSWORD"`
	From     string `envconfig:"FROM"`
}

// MessagingConfig selects the messaging channel backend.
type MessagingConfig struct {
	Provider string `envconfig:"PROVIDER" default:"telegram"` // telegram|twilio
}

// TelegramConfig configures the Telegram messaging backend.
type TelegramConfig struct {
	BotToken string `envconfig:"BOT_TOKEN"`
}

// TwilioConfig configures the Twilio SMS messaging backend.
type TwilioConfig struct {
	AccountSID string `envconfig:"ACCOUNT_SID"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`
	From       string `envconfig:"FROM"`
}

// PushConfig configures the push webhook. Empty Endpoint disables the channel.
type PushConfig struct {
	Endpoint string        `envconfig:"ENDPOINT"`
	APIKey   string        `envconfig:"API_KEY"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// RedisConfig configures the shared send-rate limiter. Empty Addr disables limiting.
type RedisConfig struct {
	Addr              string `envconfig:"ADDR"`
	Password          string `envconfig:"PASSWORD"`
	DB                int    `envconfig:"DB" default:"0"`
	SendRatePerMinute int    `envconfig:"SEND_RATE_PER_MINUTE" default:"60"`
}

// Load reads environment variables into Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads a dotenv file into the environment before Load. Variables already
// present in the environment win. An empty path is the same as Load.
func LoadFile(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("config: env file: %w", err)
		}
	}
	return Load()
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	l := c.Ledger
	if !(l.TierCritical < l.TierWarning && l.TierWarning < l.TierReminder) {
		return fmt.Errorf("config: tiers must ascend critical < warning < reminder (got %d, %d, %d)",
			l.TierCritical, l.TierWarning, l.TierReminder)
	}
	if l.StartingGrant < 0 {
		return fmt.Errorf("config: negative starting grant %d", l.StartingGrant)
	}
	if l.CompletionMultiplier <= 0 {
		return fmt.Errorf("config: completion multiplier must be positive")
	}
	if c.Workers <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("config: workers and batch size must be positive")
	}
	if c.DefaultIntervalDays < 1 {
		return fmt.Errorf("config: default interval days must be >= 1")
	}
	if c.PendingStaleAfter <= 0 {
		return fmt.Errorf("config: pending stale cutoff must be positive")
	}
	if c.RunSchedule != "" {
		gap, err := minGap(c.RunSchedule)
		if err != nil {
			return fmt.Errorf("config: run schedule: %w", err)
		}
		// a claim left by a crashed run must be reconciled by the next one
		if c.PendingStaleAfter >= gap {
			return fmt.Errorf("config: pending stale cutoff %s must be shorter than the run period %s",
				c.PendingStaleAfter, gap)
		}
	}
	switch c.Messaging.Provider {
	case "telegram", "twilio":
	default:
		return fmt.Errorf("config: unknown messaging provider %q", c.Messaging.Provider)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	return nil
}

// minGap returns the shortest interval between activations of a standard cron spec,
// sampled over a few hundred runs from a fixed origin.
func minGap(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, err
	}
	prev := sched.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	gap := time.Duration(1<<63 - 1)
	for i := 0; i < 400; i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		if d := next.Sub(prev); d < gap {
			gap = d
		}
		prev = next
	}
	return gap, nil
}

// Location returns the operative timezone; Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
