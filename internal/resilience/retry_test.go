package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/engine"
)

// fastPolicy keeps test sleeps negligible.
func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          4 * time.Millisecond,
	}
}

func TestRetry_TransientFailuresThenSuccess(t *testing.T) {
	calls := 0
	res, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", engine.BusyError("fake", "busy", nil)
		}
		return "converted", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "converted", res)
	// Two failures then success: three invocations total.
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		return "", engine.CorruptError("fake", "not a document", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures get exactly one invocation")
	assert.True(t, engine.IsPermanent(err))
}

func TestRetry_FatalFailsImmediately(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		return "", engine.CrashedError("fake", "engine died", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, engine.IsFatal(err))
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	transient := engine.UnavailableError("fake", "engine unavailable", nil)
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		return "", transient
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "budget includes the first attempt")
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	// Classification survives the wrapping.
	assert.True(t, engine.IsTransient(err))
}

func TestRetry_CallerCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Retry(ctx, fastPolicy(10), func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", engine.BusyError("fake", "busy", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation must not be retried")
}

func TestRetry_CancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      time.Hour, // only cancellation can end the sleep
		BackoffMultiplier: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, p, func(ctx context.Context) (string, error) {
			return "", engine.BusyError("fake", "busy", nil)
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation during backoff")
	}
}

func TestRetry_OnRetryReportsAttempts(t *testing.T) {
	var attempts []int
	var delays []time.Duration

	p := fastPolicy(3)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}

	_, err := Retry(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", engine.BusyError("fake", "busy", nil)
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          3 * time.Second,
	}

	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	// Capped.
	assert.Equal(t, 3*time.Second, p.Delay(4))
	assert.Equal(t, 3*time.Second, p.Delay(10))
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"engine busy", engine.BusyError("e", "m", nil), true},
		{"engine unavailable", engine.UnavailableError("e", "m", nil), true},
		{"engine internal", engine.InternalError("e", "m", nil), true},
		{"engine crashed", engine.CrashedError("e", "m", nil), false},
		{"corrupt input", engine.CorruptError("e", "m", nil), false},
		{"unsupported input", engine.UnsupportedError("e", "m", nil), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultShouldRetry(tt.err))
		})
	}
}

func TestDo_WrapsVoidOperations(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return engine.BusyError("fake", "busy", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
