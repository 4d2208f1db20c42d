package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// NewBackOff creates the delay schedule of one task. Backoffs are not
	// shared between tasks.
	NewBackOff func() backoff.BackOff
}

// ExponentialPolicy retries maxRetries times with exponential delays between
// initial and max.
func ExponentialPolicy(maxRetries int, initial, max time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if max > 0 {
				b.MaxInterval = max
			}
			b.Reset()
			return b
		},
	}
}

// ConstantPolicy retries maxRetries times with a fixed delay.
func ConstantPolicy(maxRetries int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		},
	}
}

// MaxAttempts is MaxRetries + 1.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// next reports the delay before the attempt after attempt, or false when
// err is terminal or the budget is spent.
func (p RetryPolicy) next(b backoff.BackOff, attempt int, err error) (time.Duration, bool) {
	if !errorspkg.IsRetryable(err) || attempt >= p.MaxAttempts() {
		return 0, false
	}
	if d, ok := errorspkg.RetryDelay(err); ok {
		return d, true
	}
	if b == nil {
		return 0, true
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
