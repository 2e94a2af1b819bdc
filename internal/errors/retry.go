package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including initial attempt).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// NewBackOff builds the backoff schedule described by cfg.
// The returned value is stateful; build a fresh one per retried operation.
func (cfg RetryConfig) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	if cfg.Jitter {
		b.RandomizationFactor = 0.5
	}
	// Attempts are bounded by MaxRetries, not by wall time.
	b.MaxElapsedTime = 0
	b.Reset()

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Retry executes fn with exponential backoff.
// It retries up to MaxRetries times while fn returns a retryable error.
// Errors wrapped with Permanent, or IdxErrors that are not retryable,
// stop the loop at once and are returned unwrapped.
// If the context is cancelled, it returns the context error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attempts := 0
	var lastErr error
	op := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	result, err := backoff.RetryWithData(op, backoff.WithContext(cfg.NewBackOff(), ctx))
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if !IsRetryable(lastErr) {
		var pe *permanentError
		if As(lastErr, &pe) {
			return zero, pe.err
		}
		return zero, lastErr
	}
	return zero, fmt.Errorf("failed after %d retries: %w", attempts-1, lastErr)
}
