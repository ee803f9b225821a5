package orm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how read paths retry an unavailable store.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}

	return p
}

// Retry runs a read with exponential backoff. Only UnavailableError and
// TimeoutError are retried, everything else is returned at once.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	operation string,
	read func(ctx context.Context) (T, error),
) (T, error) {
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := read(ctx)
		if err != nil && !IsUnavailable(err) {
			return v, backoff.Permanent(err)
		}

		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().
				Err(err).
				Str("operation", operation).
				Dur("retry_in", next).
				Msg("Store read failed, retrying")
		}),
	)
}
