package export

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/license-recon/internal/model"
)

// ErrWindowFull means a destination has used its hourly or daily allowance.
var ErrWindowFull = eris.New("export: send window full")

// Limiter paces sends per destination with a token bucket and enforces the
// destination's hourly and daily caps through a WindowStore.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	windows WindowStore
	now     func() time.Time
}

// NewLimiter creates a limiter. perSecond paces bursts within a window; a nil
// windows store keeps counts in memory.
func NewLimiter(perSecond float64, windows WindowStore) *Limiter {
	if windows == nil {
		windows = NewMemoryWindows()
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(perSecond),
		windows: windows,
		now:     time.Now,
	}
}

func (l *Limiter) bucket(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[name]
	if !ok {
		b = rate.NewLimiter(l.perSec, 1)
		l.buckets[name] = b
	}
	return b
}

// Acquire reserves one send for dest, waiting for the pacing bucket. It
// returns ErrWindowFull without waiting when a cap is reached.
func (l *Limiter) Acquire(ctx context.Context, dest model.Destination) error {
	now := l.now().UTC()
	type window struct {
		limit int
		key   string
		ttl   time.Duration
	}
	windows := []window{
		{dest.RateLimitPerHour, dest.Name + ":h:" + now.Format("2006010215"), time.Hour},
		{dest.RateLimitPerDay, dest.Name + ":d:" + now.Format("20060102"), 24 * time.Hour},
	}

	var taken []string
	release := func() {
		for _, k := range taken {
			_ = l.windows.Decr(ctx, k)
		}
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		n, err := l.windows.Incr(ctx, w.key, w.ttl)
		if err != nil {
			release()
			return err
		}
		taken = append(taken, w.key)
		if n > int64(w.limit) {
			release()
			return eris.Wrapf(ErrWindowFull, "%s at %d/%d", dest.Name, w.limit, w.limit)
		}
	}

	if err := l.bucket(dest.Name).Wait(ctx); err != nil {
		release()
		return eris.Wrapf(err, "export: pace %s", dest.Name)
	}
	return nil
}
