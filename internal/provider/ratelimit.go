package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/limiter"
	"github.com/and161185/token-notifier/internal/model"
)

// ErrRateLimited is wrapped into the provider error when the send window is exhausted.
var ErrRateLimited = errors.New("send rate exceeded")

// minWait bounds the polling interval when the limiter gives no retry hint.
const minWait = 50 * time.Millisecond

// Throttle is implemented by rate-limited providers. Reserve blocks until one send
// is admitted or ctx ends; the next Send consumes the reservation.
type Throttle interface {
	Reserve(ctx context.Context) error
}

type rateLimited struct {
	next     Provider
	lim      limiter.Limiter
	ch       model.Channel
	reserved atomic.Int64
}

// WithRateLimit caps sends through p using one limiter key per channel.
// Callers that Reserve first are delayed instead of rejected.
func WithRateLimit(p Provider, lim limiter.Limiter, ch model.Channel) Provider {
	return &rateLimited{next: p, lim: lim, ch: ch}
}

func (r *rateLimited) Reserve(ctx context.Context) error {
	for {
		ok, retry, err := r.lim.Allow(ctx, string(r.ch))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fail(r.ch, fmt.Errorf("rate limiter: %w", err), true)
		}
		if ok {
			r.reserved.Add(1)
			return nil
		}
		if retry < minWait {
			retry = minWait
		}
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// take consumes one reservation if any is outstanding.
func (r *rateLimited) take() bool {
	for {
		n := r.reserved.Load()
		if n <= 0 {
			return false
		}
		if r.reserved.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Send uses a reservation when one exists, otherwise asks the limiter once and fails fast.
func (r *rateLimited) Send(ctx context.Context, userID uuid.UUID, content model.Content) error {
	if !r.take() {
		ok, retry, err := r.lim.Allow(ctx, string(r.ch))
		if err != nil {
			return fail(r.ch, fmt.Errorf("rate limiter: %w", err), true)
		}
		if !ok {
			return fail(r.ch, fmt.Errorf("%w, retry in %s", ErrRateLimited, retry), true)
		}
	}
	return r.next.Send(ctx, userID, content)
}
