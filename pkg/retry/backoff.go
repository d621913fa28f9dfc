// Package retry retries transient failures with exponential backoff. listd
// uses it while connecting to PostgreSQL and checking the S3 bucket at
// startup.
//
//	err := retry.WithRetry(ctx, func() error {
//		return database.Ping(ctx)
//	}, retry.DefaultBackoffConfig())
//
// fn returns retry.Stop(err) for errors that retrying cannot fix.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/migadu/listd/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter     bool
	MaxRetries int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      4,
	}
}

// ExponentialBackoff returns the delay to wait before retry number attempt,
// counting from 1.
func ExponentialBackoff(config BackoffConfig) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		delay := config.InitialInterval
		for i := 1; i < attempt && delay < config.MaxInterval; i++ {
			delay = time.Duration(float64(delay) * config.Multiplier)
		}
		if config.MaxInterval > 0 && delay > config.MaxInterval {
			delay = config.MaxInterval
		}
		if config.Jitter && delay > 1 {
			half := delay / 2
			delay = half + time.Duration(rand.Int63n(int64(half)+1))
		}
		return delay
	}
}

type RetryableFunc func() error

// WithRetry calls fn up to MaxRetries+1 times. It gives up early when fn
// returns a Stop error or ctx is done.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)
	attempts := config.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var stop StopError
		if errors.As(lastErr, &stop) {
			return stop.Err
		}
		logger.Debug("Retry: attempt failed", "attempt", attempt, "max_attempts", attempts, "error", lastErr)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError carries an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}
