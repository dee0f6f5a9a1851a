// Package resilience guards outbound calls to destinations and providers with
// retries, per-target circuit breakers and a dead-letter queue.
package resilience

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of one target's breaker.
type CircuitState int

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits one trial call.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned for calls rejected by an open breaker or by a
// half-open breaker whose trial call is still in flight.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig tunes every breaker in a ServiceBreakers set.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive tripping failures that open the
	// breaker. Default 5.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before admitting a
	// trial call. Default 30s.
	ResetTimeout time.Duration
	// ShouldTrip decides which errors count as failures. Nil counts every error.
	ShouldTrip func(err error) bool
	// OnStateChange is called with the target name on every transition,
	// while the breaker's lock is held.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults used when nothing is configured.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker tracks consecutive failures for one target.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trialing bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for name.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the target the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal runs fn through cb and returns its value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	trial, err := cb.admit()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(trial, err)
	return val, err
}

// State reports the current state. An open breaker past its reset timeout
// reads as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooled() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trialing = false
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// admit reports whether a call may proceed and whether it is the trial call.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if !cb.cooled() {
			return false, ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if cb.trialing {
			return false, ErrCircuitOpen
		}
		cb.trialing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trialing = false
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.setState(CircuitClosed)
		}
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// ServiceBreakers holds one breaker per destination or provider.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates an empty set; breakers are made on first use.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name.
func (sb *ServiceBreakers) Get(name string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb, ok := sb.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, sb.cfg)
		sb.breakers[name] = cb
	}
	return cb
}

// States snapshots every breaker's state.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		out[name] = cb.State()
	}
	return out
}

// Open lists the targets whose breakers currently reject calls, sorted.
func (sb *ServiceBreakers) Open() []string {
	var open []string
	for name, st := range sb.States() {
		if st == CircuitOpen {
			open = append(open, name)
		}
	}
	slices.Sort(open)
	return open
}
