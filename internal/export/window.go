package export

import (
	"context"
	"sync"
	"time"
)

// WindowStore counts sends in fixed time windows. Counters expire with
// their window so a restart never blocks a fresh one.
type WindowStore interface {
	// Incr adds one to key and returns the new count. The key expires ttl
	// after its first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr gives back one slot after a rejected increment.
	Decr(ctx context.Context, key string) error
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

// MemoryWindows is a process-local WindowStore.
type MemoryWindows struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

// NewMemoryWindows creates an empty in-memory window store.
func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{windows: make(map[string]*memoryWindow), now: time.Now}
}

// Incr implements WindowStore.
func (m *MemoryWindows) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &memoryWindow{expires: now.Add(ttl)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Decr implements WindowStore.
func (m *MemoryWindows) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok && w.count > 0 {
		w.count--
	}
	return nil
}
