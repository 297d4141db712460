package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertUnitFailureRate AlertType = "unit_failure_rate"
	AlertRunFailed       AlertType = "run_failed"
	AlertStaleRun        AlertType = "stale_run"
)

// minUnitsForRate is the smallest unit count that raises a failure-rate alert.
const minUnitsForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	clock  clockwork.Clock
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, clock clockwork.Clock) *Alerter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  clock,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.clock.Now().UTC()

	total := snap.UnitsTotal()
	if total >= minUnitsForRate && snap.UnitFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnitFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Unit failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d units in last %dh)",
				snap.UnitFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.UnitsFailed, total, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.UnitFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.UnitsFailed,
				"units":        total,
			},
			Timestamp: now,
		})
	}

	if len(snap.FailedRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d run(s) finished with failed units in last %dh",
				len(snap.FailedRuns), snap.LookbackHours,
			),
			Details: map[string]any{
				"runs":    snap.FailedRuns,
				"partial": snap.RunsPartial,
				"failed":  snap.RunsFailed,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRun,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d run(s) still running after %dh",
				len(snap.StaleRuns), a.cfg.StaleRunHours,
			),
			Details: map[string]any{
				"runs": snap.StaleRuns,
			},
			Timestamp: now,
		})
	}

	return alerts
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
