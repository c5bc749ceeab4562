package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meridian/internal/domain"
)

// RetryPolicy shapes the delay before a failed instance becomes eligible again:
// Base * 2^(attempt-1), capped at Max, randomized by +/- Jitter.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Base > 0 {
		b.InitialInterval = p.Base
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before attempt number attempt+1, where attempt counts the failed
// attempts so far (starting at 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// retryStore retries a task store call on transient errors. Domain outcomes (stale claim,
// not found, invalid transition) are final.
func retryStore[T any](ctx context.Context, policy RetryPolicy, attempts uint64, op func() (T, error)) (T, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(policy.exponential(), attempts), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && isFinal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

func isFinal(err error) bool {
	return errors.Is(err, domain.ErrStaleClaim) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, context.Canceled)
}
