// Package provider delivers rendered content to a user over one channel.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

// Provider sends content to a user. Implementations wrap failures in *Error.
type Provider interface {
	Send(ctx context.Context, userID uuid.UUID, content model.Content) error
}

// Registry maps each channel to its provider.
type Registry map[model.Channel]Provider

// Get returns the provider for ch or errs.ErrNoProvider.
func (r Registry) Get(ch model.Channel) (Provider, error) {
	p, ok := r[ch]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrNoProvider, ch)
	}
	return p, nil
}

// Directory resolves the recipient address of a user on a channel.
// repository.ContactRepository satisfies it.
type Directory interface {
	Address(ctx context.Context, userID uuid.UUID, ch model.Channel) (string, error)
}

// Error is a channel send failure. It matches errs.ErrProvider.
type Error struct {
	Channel   model.Channel
	Err       error
	Temporary bool // a retry later may succeed
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, errs.ErrProvider) hold.
func (e *Error) Is(target error) bool { return target == errs.ErrProvider }

func fail(ch model.Channel, err error, temporary bool) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Channel: ch, Err: err, Temporary: temporary}
}

func recipient(ctx context.Context, dir Directory, userID uuid.UUID, ch model.Channel) (string, error) {
	addr, err := dir.Address(ctx, userID, ch)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", fail(ch, fmt.Errorf("no recipient address: %w", err), false)
		}
		return "", fail(ch, fmt.Errorf("resolve recipient: %w", err), true)
	}
	return addr, nil
}

// text joins subject and body for channels without a subject line.
func text(c model.Content) string {
	if c.Subject == "" {
		return c.Body
	}
	return c.Subject + "\n\n" + c.Body
}
