package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// RetryPolicy controls ExecuteWithRetry. Only errors matching Retryable
// are retried; everything else propagates immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Retryable reports whether an error is worth retrying. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns sensible defaults: three attempts with
// exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// RetryableSet builds a Retryable predicate from an explicit sentinel set.
func RetryableSet(sentinels ...error) func(error) bool {
	return func(err error) bool {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return true
			}
		}
		return false
	}
}

// ExecuteWithRetry runs op until it succeeds, exhausts the policy's
// attempts, the error is non-retryable, or ctx is cancelled. Backoff is
// exponential: BaseDelay doubled per attempt, capped at MaxDelay.
// The retry wrapper composes with a CircuitBreaker: a *CircuitOpenError
// is never retried, since the breaker has already decided to fail fast.
func ExecuteWithRetry(ctx context.Context, name string, op func(context.Context) error, policy RetryPolicy) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		var open *CircuitOpenError
		if errors.As(lastErr, &open) {
			return lastErr
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		log.Printf("[resilience] %s: attempt %d/%d failed (%v), retrying in %s",
			name, attempt, policy.MaxAttempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return fmt.Errorf("%s: %d attempts exhausted: %w", name, policy.MaxAttempts, lastErr)
}
