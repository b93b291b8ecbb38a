// Package resilience provides retry and timeout policies for calls that
// leave the engine (storage, AI capability).
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy defines retry behavior.
type RetryPolicy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// TimeoutPolicy defines timeout behavior.
type TimeoutPolicy struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultRetryPolicy returns conservative defaults for remote calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry runs fn under the policy with exponential backoff, honoring
// context cancellation between attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Multiplier

	attempts := uint64(policy.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}

// Permanent marks an error as non-retryable for Retry.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WithTimeout derives a context bounded by the policy. A zero timeout
// returns the parent unchanged.
func (p TimeoutPolicy) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.Timeout)
}
