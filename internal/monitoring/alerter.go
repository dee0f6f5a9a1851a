package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertExportFailureRate AlertType = "export_failure_rate"
	AlertExportDeadLetter  AlertType = "export_dead_letter"
	AlertDLQDepth          AlertType = "dlq_depth"
	AlertLoadFailed        AlertType = "load_failed_validation"
	AlertLoadQuarantined   AlertType = "load_quarantined"
	AlertStaleLoad         AlertType = "stale_load"
	AlertBudgetLow         AlertType = "budget_low"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	finished := snap.ExportsSent + snap.ExportsFailed
	if finished >= 5 && snap.ExportFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExportFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Export failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.ExportFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.ExportsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ExportFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ExportsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertDLQDepth,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d failed deliveries in the dead letter queue (threshold %d)", snap.DLQDepth, a.cfg.DLQThreshold),
			Details:   map[string]any{"dlq_depth": snap.DLQDepth, "threshold": a.cfg.DLQThreshold},
			Timestamp: now,
		})
	}

	if snap.LoadsFailedValidation > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertLoadFailed,
			Severity:  "high",
			Message:   fmt.Sprintf("%d data load(s) failed validation in last %dh", snap.LoadsFailedValidation, snap.LookbackHours),
			Details:   map[string]any{"load_ids": snap.FailedLoadIDs},
			Timestamp: now,
		})
	}

	if snap.LoadsQuarantined > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertLoadQuarantined,
			Severity:  "high",
			Message:   fmt.Sprintf("%d data load(s) quarantined in last %dh", snap.LoadsQuarantined, snap.LookbackHours),
			Timestamp: now,
		})
	}

	if len(snap.StaleLoadIDs) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStaleLoad,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d load(s) waiting more than %dh for promotion", len(snap.StaleLoadIDs), a.cfg.StaleLoadHours),
			Details:   map[string]any{"load_ids": snap.StaleLoadIDs},
			Timestamp: now,
		})
	}

	for _, source := range slices.Sorted(maps.Keys(snap.BudgetLow)) {
		remaining := snap.BudgetLow[source]
		alerts = append(alerts, Alert{
			Type:      AlertBudgetLow,
			Severity:  "medium",
			Message:   fmt.Sprintf("Enrichment budget for %s has %.0f credits left this month", source, remaining),
			Details:   map[string]any{"source": source, "remaining": remaining},
			Timestamp: now,
		})
	}

	return alerts
}

// Notify sends one alert immediately. Failures are logged, not returned.
func (a *Alerter) Notify(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}
	a.SendAlerts(ctx, []Alert{alert})
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
