package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Export metrics (within lookback window).
	ExportsByStatus map[model.ExportStatus]int `json:"exports_by_status"`
	ExportsSent     int                        `json:"exports_sent"`
	ExportsFailed   int                        `json:"exports_failed"`
	ExportFailRate  float64                    `json:"export_fail_rate"`

	// Load metrics (within lookback window).
	LoadsTotal            int      `json:"loads_total"`
	LoadsPromoted         int      `json:"loads_promoted"`
	LoadsFailedValidation int      `json:"loads_failed_validation"`
	LoadsQuarantined      int      `json:"loads_quarantined"`
	FailedLoadIDs         []string `json:"failed_load_ids,omitempty"`
	StaleLoadIDs          []string `json:"stale_load_ids,omitempty"`

	// Backlogs.
	DLQDepth          int `json:"dlq_depth"`
	UnprocessedEvents int `json:"unprocessed_events"`

	// Budget sources below their warning threshold, with credits remaining.
	BudgetLow map[string]float64 `json:"budget_low,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BudgetReader reports remaining metered credits.
type BudgetReader interface {
	Remaining(ctx context.Context, source string) (float64, error)
}

// Collector gathers metrics from the store and budget guard.
type Collector struct {
	store          store.Store
	budget         BudgetReader
	budgetSources  []string
	warnBelow      float64
	staleLoadHours int
	now            func() time.Time
}

// NewCollector creates a new metrics collector. budget may be nil.
func NewCollector(st store.Store, budget BudgetReader, sources []string, warnBelow float64, staleLoadHours int) *Collector {
	return &Collector{
		store:          st,
		budget:         budget,
		budgetSources:  sources,
		warnBelow:      warnBelow,
		staleLoadHours: staleLoadHours,
		now:            time.Now,
	}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.CountExportsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count exports")
	}
	snap.ExportsByStatus = counts
	snap.ExportsSent = counts[model.ExportSent] + counts[model.ExportReversed]
	snap.ExportsFailed = counts[model.ExportFailed]
	if finished := snap.ExportsSent + snap.ExportsFailed; finished > 0 {
		snap.ExportFailRate = float64(snap.ExportsFailed) / float64(finished)
	}

	loads, err := c.store.ListLoads(ctx, store.LoadFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list loads")
	}
	stale := now.Add(-time.Duration(c.staleLoadHours) * time.Hour)
	for _, l := range loads {
		if c.staleLoadHours > 0 && l.Status == model.LoadValidated && l.ValidatedAt != nil && l.ValidatedAt.Before(stale) {
			snap.StaleLoadIDs = append(snap.StaleLoadIDs, l.LoadID)
		}
		if l.CreatedAt.Before(cutoff) {
			continue
		}
		snap.LoadsTotal++
		switch l.Status {
		case model.LoadPromoted:
			snap.LoadsPromoted++
		case model.LoadFailedValidation:
			snap.LoadsFailedValidation++
			snap.FailedLoadIDs = append(snap.FailedLoadIDs, l.LoadID)
		case model.LoadQuarantined:
			snap.LoadsQuarantined++
		}
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount
	DLQDepth.Set(float64(dlqCount))

	events, err := c.store.ListEvents(ctx, store.EventFilter{UnprocessedOnly: true, Limit: 100000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unprocessed events")
	}
	snap.UnprocessedEvents = len(events)

	if c.budget != nil {
		for _, src := range c.budgetSources {
			remaining, err := c.budget.Remaining(ctx, src)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: budget for %s", src)
			}
			if remaining < c.warnBelow {
				if snap.BudgetLow == nil {
					snap.BudgetLow = make(map[string]float64)
				}
				snap.BudgetLow[src] = remaining
			}
		}
	}

	return snap, nil
}
