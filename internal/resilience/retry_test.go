package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("gateway timeout"), 504)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return NewTransientError(errors.New("unavailable"), 503)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return NewPermanentError(errors.New("record rejected"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	calls := 0
	cfg := fastRetry(4)
	cfg.ShouldRetry = func(error) bool { return true }
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("plain")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	cfg.OnRetry = func(int, error) { cancel() }

	calls := 0
	start := time.Now()
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	calls := 0
	id, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("reset"), 502)
		}
		return "ext-42", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
	assert.Equal(t, 2, calls)
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	n, err := DoVal(context.Background(), fastRetry(1), func(context.Context) (int, error) {
		return 7, errors.New("boom")
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(10))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, JitterFraction: 0.5}
	for range 200 {
		d := cfg.Backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	got := FromRetryConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 250, Multiplier: 3})
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, got.InitialBackoff)
	assert.Equal(t, 30*time.Second, got.MaxBackoff)
	assert.InDelta(t, 3.0, got.Multiplier, 1e-9)
	assert.InDelta(t, 0.25, got.JitterFraction, 1e-9)
}

func TestFromCircuitConfig(t *testing.T) {
	got := FromCircuitConfig(config.CircuitConfig{FailureThreshold: 2})
	assert.Equal(t, 2, got.FailureThreshold)
	assert.Equal(t, 30*time.Second, got.ResetTimeout)
	require.NotNil(t, got.ShouldTrip)
	assert.False(t, got.ShouldTrip(NewPermanentError(errors.New("bad payload"))))
	assert.True(t, got.ShouldTrip(NewTransientError(errors.New("unavailable"), 503)))
}
