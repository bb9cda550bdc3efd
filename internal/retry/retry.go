// Package retry re-runs an operation against the same target with pure
// exponential backoff. It knows nothing about fallback.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

const DefaultBase = time.Second

// Policy controls a single Do call. Attempts below 1 behave as 1.
type Policy struct {
	Attempts int
	Base     time.Duration

	// Terminal marks errors that must not be retried. Client errors
	// (status 400-499) are always terminal.
	Terminal func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) terminal(err error) bool {
	if provider.IsClientError(err) {
		return true
	}
	return p.Terminal != nil && p.Terminal(err)
}

// Do calls op until it succeeds, fails terminally, or runs out of attempts.
// The wait after attempt i is Base*2^i. The returned error is always op's
// own error, or the context's when the wait is cancelled.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << 20,
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		attempt++
		if err != nil && p.terminal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, wait)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
