package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/monitoring"
)

// Budget defaults.
const (
	DefaultMonthlyCredits = 2500
	DefaultWarnBelow      = 50
)

// BudgetConfig configures the enrichment budget guard.
type BudgetConfig struct {
	MonthlyCredits float64            `yaml:"monthly_credits" mapstructure:"monthly_credits"`
	PerSource      map[string]float64 `yaml:"per_source" mapstructure:"per_source"`
	WarnBelow      float64            `yaml:"warn_below" mapstructure:"warn_below"`
	DryRun         bool               `yaml:"dry_run" mapstructure:"dry_run"`
}

// UsageStore persists the running credit counter per source and billing period.
type UsageStore interface {
	GetBudgetUsage(ctx context.Context, source, period string) (float64, error)
	AddBudgetUsage(ctx context.Context, source, period string, credits float64) (float64, error)
}

// BudgetExhaustedError is a hard stop for paid calls against a source for
// the rest of the billing period. It is never retried.
type BudgetExhaustedError struct {
	Source    string
	Period    string
	Limit     float64
	Used      float64
	Requested float64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("cost: budget exhausted for %s in %s (used %.2f of %.2f, requested %.2f)",
		e.Source, e.Period, e.Used, e.Limit, e.Requested)
}

// IsBudgetExhausted reports whether err wraps a BudgetExhaustedError.
func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}

// BudgetGuard checks and records paid usage before each call.
type BudgetGuard struct {
	cfg   BudgetConfig
	store UsageStore
	mu    sync.Mutex
	now   func() time.Time
}

// NewBudgetGuard creates a guard backed by store.
func NewBudgetGuard(cfg BudgetConfig, store UsageStore) *BudgetGuard {
	if cfg.MonthlyCredits <= 0 {
		cfg.MonthlyCredits = DefaultMonthlyCredits
	}
	if cfg.WarnBelow <= 0 {
		cfg.WarnBelow = DefaultWarnBelow
	}
	return &BudgetGuard{cfg: cfg, store: store, now: time.Now}
}

// DryRun reports whether calls should skip the network and spend nothing.
func (g *BudgetGuard) DryRun() bool { return g.cfg.DryRun }

// Period returns the billing period for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Limit returns the monthly credit limit for source.
func (g *BudgetGuard) Limit(source string) float64 {
	if v, ok := g.cfg.PerSource[source]; ok && v > 0 {
		return v
	}
	return g.cfg.MonthlyCredits
}

// Remaining returns the unspent credits for source in the current period.
func (g *BudgetGuard) Remaining(ctx context.Context, source string) (float64, error) {
	used, err := g.store.GetBudgetUsage(ctx, source, Period(g.now()))
	if err != nil {
		return 0, eris.Wrapf(err, "cost: read usage for %s", source)
	}
	return g.Limit(source) - used, nil
}

// Reserve records credits against source before a paid call. It returns a
// BudgetExhaustedError when the call would exceed the limit. In dry-run
// mode the check runs but nothing is recorded.
func (g *BudgetGuard) Reserve(ctx context.Context, source string, credits float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	period := Period(g.now())
	limit := g.Limit(source)
	used, err := g.store.GetBudgetUsage(ctx, source, period)
	if err != nil {
		return eris.Wrapf(err, "cost: read usage for %s", source)
	}
	if used+credits > limit {
		return &BudgetExhaustedError{Source: source, Period: period, Limit: limit, Used: used, Requested: credits}
	}
	if g.cfg.DryRun {
		return nil
	}

	used, err = g.store.AddBudgetUsage(ctx, source, period, credits)
	if err != nil {
		return eris.Wrapf(err, "cost: record usage for %s", source)
	}
	monitoring.BudgetCreditsUsed.WithLabelValues(source).Add(credits)
	if remaining := limit - used; remaining < g.cfg.WarnBelow {
		zap.L().Warn("cost: enrichment budget running low",
			zap.String("source", source),
			zap.String("period", period),
			zap.Float64("remaining", remaining),
		)
	}
	return nil
}

// MemoryUsage is an in-process UsageStore.
type MemoryUsage struct {
	mu    sync.Mutex
	usage map[string]float64
}

// NewMemoryUsage creates an empty in-memory usage counter.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{usage: make(map[string]float64)}
}

// GetBudgetUsage implements UsageStore.
func (m *MemoryUsage) GetBudgetUsage(_ context.Context, source, period string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[source+"|"+period], nil
}

// AddBudgetUsage implements UsageStore.
func (m *MemoryUsage) AddBudgetUsage(_ context.Context, source, period string, credits float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := source + "|" + period
	m.usage[k] += credits
	return m.usage[k], nil
}
