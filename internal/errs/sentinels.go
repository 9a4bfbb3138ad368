// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested user or preference record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input that cannot be repaired by defaulting
	// (e.g., intervalDays < 1, non-positive debit amount, unknown channel).
	ErrValidation = errors.New("validation")

	// ErrConflict indicates a lost claim race: a pending or sent delivery already
	// exists for the same (user, channel, day).
	ErrConflict = errors.New("conflict")

	// ErrProvider indicates a channel send failure (network, rejected recipient, quota).
	ErrProvider = errors.New("provider error")

	// ErrNoProvider indicates that no provider is registered for a channel.
	ErrNoProvider = errors.New("no provider for channel")
)
