// Package limiter throttles outbound sends with fixed-window counters.
package limiter

import (
	"context"
	"time"
)

// Limiter caps how many events may happen under a key per window.
type Limiter interface {
	// Allow counts one event under key and reports whether it fits the current window.
	// When it does not, the returned duration is the time until the window resets.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Unlimited allows everything.
type Unlimited struct{}

// Allow always reports true.
func (Unlimited) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }
