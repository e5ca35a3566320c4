// Package resilience provides retry and circuit breaking around the
// conversion engines.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"syscall"
	"time"

	"github.com/docmill/docmill/internal/engine"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget, including the first try.
	MaxRetries int

	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	// ShouldRetry decides whether a failure is worth another attempt.
	// Nil means DefaultShouldRetry.
	ShouldRetry func(error) bool

	// OnRetry is called before each backoff sleep. attempt is the number
	// of tries made so far.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
		ShouldRetry:       DefaultShouldRetry,
	}
}

// Delay returns the backoff before attempt+1, given attempt completed
// tries. Exponential: InitialDelay * BackoffMultiplier^(attempt-1),
// capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, the
// failure is not retryable, or the caller's context ends. The context is
// honored both between attempts and during backoff sleeps.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	maxAttempts := p.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		// Caller cancellation is never retried, whatever the error looks like.
		if ctx.Err() != nil {
			return zero, err
		}

		if !shouldRetry(err) {
			return zero, err
		}

		if attempt >= maxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DefaultShouldRetry retries transient engine failures, timeouts and
// file contention. Fatal and permanent engine failures, validation
// problems and everything else fail immediately.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if engine.IsFatal(err) || engine.IsPermanent(err) {
		return false
	}
	if engine.IsTransient(err) {
		return true
	}

	// Engine-side deadline; the retry loop already filtered out caller
	// cancellation before consulting the predicate.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Files briefly held by scanners or sync clients.
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	return false
}
