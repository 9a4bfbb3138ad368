// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Channel is a delivery medium; each user has independent preferences per channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelMessaging Channel = "messaging"
	ChannelPush      Channel = "push"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelMessaging, ChannelPush}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelMessaging, ChannelPush:
		return true
	}
	return false
}

// Frequency is the configured cadence of scheduled notifications.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	return f.Days() > 0
}

// Days returns the minimum number of calendar days between two sends (0 if unknown).
func (f Frequency) Days() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyMonthly:
		return 28
	}
	return 0
}

// Tier is a severity bucket derived from a token balance. Higher is more severe.
type Tier int

const (
	TierOK Tier = iota
	TierReminder
	TierWarning
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierOK:
		return "OK"
	case TierReminder:
		return "REMINDER"
	case TierWarning:
		return "WARNING"
	case TierCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// Thresholds are the inclusive upper bounds of each warning tier.
// Critical < Warning < Reminder must hold.
type Thresholds struct {
	Critical int64
	Warning  int64
	Reminder int64
}

// TokenBalance is the consumable balance of a single user.
type TokenBalance struct {
	UserID      uuid.UUID
	Balance     int64      // never negative
	LastDebitAt *time.Time // nil until the first debit
}

// HistoryRecord is an immutable ledger entry.
type HistoryRecord struct {
	ID               int64
	UserID           uuid.UUID
	Amount           int64 // negative for debits; the requested amount even when clamped
	ResultingBalance int64
	Reason           string
	CreatedAt        time.Time
}

// DebitResult reports the balance transition produced by a debit or credit.
type DebitResult struct {
	Previous     int64
	Balance      int64
	PreviousTier Tier
	Tier         Tier
	Record       HistoryRecord
}

// Escalated reports whether the transition crossed into WARNING or a more severe tier.
func (r DebitResult) Escalated() bool {
	return r.Tier > r.PreviousTier && r.Tier >= TierWarning
}

// Preferences is the per-(user, channel) notification configuration.
type Preferences struct {
	UserID       uuid.UUID
	Channel      Channel
	Enabled      bool
	Frequency    Frequency
	TimeOfDay    string // canonical HH:MM after normalization
	IntervalDays int    // email newsletter cadence, >= 1
	UpdatedAt    time.Time
}

// UnitKey identifies one (user, channel) unit of dispatch work.
type UnitKey struct {
	UserID  uuid.UUID
	Channel Channel
}

// DeliveryStatus is the lifecycle state of a delivery record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending" // provider call started; outcome may be unknown
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// DeliveryKind tells why a delivery was attempted.
type DeliveryKind string

const (
	KindScheduled  DeliveryKind = "scheduled"
	KindLowBalance DeliveryKind = "low_balance"
	KindManual     DeliveryKind = "manual"
)

// Holds reports whether a record in status s occupies its (user, channel, day).
func (s DeliveryStatus) Holds() bool {
	return s == DeliveryPending || s == DeliverySending || s == DeliverySent
}

// DeliveryRecord is one (user, channel, calendar day) delivery attempt.
type DeliveryRecord struct {
	ID           int64
	UserID       uuid.UUID
	Channel      Channel
	Day          time.Time // calendar day as UTC midnight
	Kind         DeliveryKind
	Status       DeliveryStatus
	ScheduledFor time.Time
	SentAt       *time.Time
	Error        string
	CreatedAt    time.Time
}

// Content is an opaque, already-rendered message body handed to a provider.
type Content struct {
	Subject string
	Body    string
}

// UnitFailure describes one unit that failed during a run.
type UnitFailure struct {
	UserID  uuid.UUID
	Channel Channel
	Err     error
}

// RunSummary aggregates the outcome of one dispatch run.
type RunSummary struct {
	Processed  int // units evaluated
	Sent       int
	Skipped    int // not due, or claim already held
	Failed     []UnitFailure
	Reconciled int64 // stale pending claims turned into failed
}

// Advisory is the balance advisory shown to a user.
type Advisory struct {
	Tier        Tier
	Balance     int64
	Show        bool
	Dismissible bool
}

// Day returns the calendar date of t in loc as a UTC midnight timestamp.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
