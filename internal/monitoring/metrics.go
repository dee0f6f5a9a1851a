package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/resilience"
)

var (
	// MatchesTotal counts match decisions by tier.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_recon_matches_total",
		Help: "License records matched to the registry, by tier",
	}, []string{"tier"})

	// GoldenBuilt counts golden records rebuilt.
	GoldenBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_recon_golden_records_built_total",
		Help: "Golden records rebuilt",
	})

	// VersionsOpened counts entity versions opened.
	VersionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_recon_versions_opened_total",
		Help: "Entity versions opened",
	})

	// VersionsClosed counts entity versions closed.
	VersionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_recon_versions_closed_total",
		Help: "Entity versions closed",
	})

	// EventsEmitted counts derived change events by type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_recon_events_emitted_total",
		Help: "Change events derived, by type",
	}, []string{"type"})

	// ExportsTotal counts export outcomes by destination and status.
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_recon_exports_total",
		Help: "Export task outcomes, by destination and status",
	}, []string{"destination", "status"})

	// ExportLatency observes delivery latency including retries.
	ExportLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "license_recon_export_latency_seconds",
		Help:    "Delivery latency per task including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"destination"})

	// BudgetCreditsUsed counts metered enrichment credits spent.
	BudgetCreditsUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_recon_budget_credits_used_total",
		Help: "Metered enrichment credits spent, by source",
	}, []string{"source"})

	// LoadTransitions counts data load status changes.
	LoadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_recon_load_transitions_total",
		Help: "Data load status transitions, by target status",
	}, []string{"status"})

	// DLQDepth reports the dead letter queue size at the last check.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "license_recon_dlq_depth",
		Help: "Failed deliveries awaiting retry or review",
	})

	// CycleDuration observes reconciliation cycle wall time.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "license_recon_cycle_duration_seconds",
		Help:    "Reconciliation cycle wall time",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	})

	// BreakerState reports each destination breaker: 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "license_recon_circuit_state",
		Help: "Circuit breaker state per destination (0 closed, 1 open, 2 half-open)",
	}, []string{"destination"})
)

// BreakerStateChange records a breaker transition. It fits
// resilience.CircuitBreakerConfig.OnStateChange.
func BreakerStateChange(name string, from, to resilience.CircuitState) {
	BreakerState.WithLabelValues(name).Set(float64(to))
	zap.L().Info("circuit breaker state change",
		zap.String("destination", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
