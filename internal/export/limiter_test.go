package export

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/model"
)

func TestLimiter_DailyCap(t *testing.T) {
	ctx := context.Background()
	windows := NewMemoryWindows()
	l := NewLimiter(1000, windows)
	dest := model.Destination{Name: "instantly", RateLimitPerDay: 2}

	require.NoError(t, l.Acquire(ctx, dest))
	require.NoError(t, l.Acquire(ctx, dest))

	err := l.Acquire(ctx, dest)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrWindowFull))

	// The rejected slot is given back.
	key := "instantly:d:" + l.now().UTC().Format("20060102")
	n, _ := windows.Incr(ctx, key, time.Hour)
	assert.Equal(t, int64(3), n)
}

func TestLimiter_HourlyCapReleasesNothingElse(t *testing.T) {
	ctx := context.Background()
	windows := NewMemoryWindows()
	l := NewLimiter(1000, windows)
	fixed := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	dest := model.Destination{Name: "ghl", RateLimitPerHour: 1, RateLimitPerDay: 10}

	require.NoError(t, l.Acquire(ctx, dest))
	assert.True(t, eris.Is(l.Acquire(ctx, dest), ErrWindowFull))

	// Only the one successful send is counted against the day.
	n, _ := windows.Incr(ctx, "ghl:d:20250602", time.Hour)
	assert.Equal(t, int64(2), n)

	fixed = fixed.Add(time.Hour)
	assert.NoError(t, l.Acquire(ctx, dest))
}

func TestLimiter_NoCaps(t *testing.T) {
	l := NewLimiter(1000, nil)
	for range 5 {
		require.NoError(t, l.Acquire(context.Background(), model.Destination{Name: "webhook"}))
	}
}

func TestLimiter_PacingRespectsContext(t *testing.T) {
	l := NewLimiter(0.001, nil)
	dest := model.Destination{Name: "lob_letter"}
	require.NoError(t, l.Acquire(context.Background(), dest))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx, dest))
}
