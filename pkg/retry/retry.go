// Package retry provides exponential-backoff retrying for operations that
// may fail due to transient errors, such as the durable store being
// momentarily unavailable.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/logging"
)

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Config holds configuration for retry operations.
type Config struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases after each retry.
	Multiplier float64

	// Jitter is the maximum random jitter added to the delay, as a fraction
	// of the current delay.
	Jitter float64

	// RetryableErrors determines which errors should be retried. A nil
	// list means every error is retried.
	RetryableErrors []RetryableError
}

// RetryableError reports whether an error should be retried.
type RetryableError func(error) bool

// IsDatabaseError reports whether err is (or wraps) an *errs.DatabaseError.
// The transfer store is the only component this package currently backs,
// so this is the default retry predicate.
func IsDatabaseError(err error) bool {
	var dbErr *errs.DatabaseError
	return errs.As(err, &dbErr)
}

// DefaultConfig returns the retry configuration used to back transfer-store
// writes from the lifecycle engine (§7: DatabaseError is logged and
// swallowed for progress/state writes, never retried forever).
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
		RetryableErrors: []RetryableError{IsDatabaseError},
	}
}

// Do retries op with exponential backoff until it succeeds, a non-retryable
// error occurs, MaxRetries is exhausted, or ctx is cancelled.
func Do(ctx context.Context, op RetryableFunc, config Config) error {
	var err error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		if !shouldRetry(err, config.RetryableErrors) || attempt == config.MaxRetries {
			return err
		}

		actualDelay := withJitter(delay, config.Jitter)
		logging.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", config.MaxRetries).
			Dur("delay", actualDelay).
			Msg("Operation failed, retrying after delay")

		select {
		case <-time.After(actualDelay):
		case <-ctx.Done():
			return errs.Wrap(ctx.Err(), "retry cancelled by context")
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return err
}

func shouldRetry(err error, predicates []RetryableError) bool {
	if len(predicates) == 0 {
		return true
	}
	for _, p := range predicates {
		if p(err) {
			return true
		}
	}
	return false
}

func withJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	jitterRange := float64(delay) * jitter
	return delay + time.Duration(rand.Float64()*jitterRange)
}
