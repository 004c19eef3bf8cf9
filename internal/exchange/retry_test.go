package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "binance", RetryPolicy{MinDelay: time.Millisecond}, func() error {
		calls++
		return Classify("binance", "-2019", "insufficient balance")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls) // not retryable
	assert.Equal(t, ErrInsufficientBalance, KindOf(err))
}

func TestWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "binance",
		RetryPolicy{MaxRetries: 5, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		func() error {
			calls++
			if calls < 3 {
				return ClassifyTransport("binance", assert.AnError)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "okx",
		RetryPolicy{MaxRetries: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		func() error {
			calls++
			return ClassifyTransport("okx", assert.AnError)
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt plus two retries
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, "bybit",
		RetryPolicy{MaxRetries: 5, MinDelay: 50 * time.Millisecond},
		func() error { return ClassifyTransport("bybit", assert.AnError) })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthTrackerThresholds(t *testing.T) {
	h := NewHealthTracker(3, 2)
	assert.True(t, h.Healthy())

	for i := 0; i < 3; i++ {
		h.RecordError(assert.AnError)
	}
	assert.False(t, h.Healthy())

	// two recovery probes allowed, then down
	assert.True(t, h.TryRecover())
	assert.True(t, h.TryRecover())
	assert.False(t, h.TryRecover())

	h.RecordSuccess()
	assert.True(t, h.Healthy())
	assert.True(t, h.TryRecover())
}

func TestGuardBreakerOpensAfterFailures(t *testing.T) {
	g := NewGuard(GuardConfig{Venue: "test", MaxConcurrent: 1, RequestsPerSec: 1000, BreakerTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_ = g.Do(context.Background(), func() error { return assert.AnError })
	}
	assert.True(t, g.Open())

	err := g.Do(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, ErrTransientNetwork, KindOf(err))
}
