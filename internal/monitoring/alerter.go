package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertLoadFailureRate AlertType = "load_failure_rate"
	AlertLoadFailure     AlertType = "load_failure"
	AlertSpendOverrun    AlertType = "spend_overrun"
	AlertCostAnomaly     AlertType = "cost_anomaly"
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
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.LoadComplete + snap.LoadFailed
	if finished >= 5 && snap.LoadFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLoadFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Load failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.LoadFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.LoadFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.LoadFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.LoadFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.LoadFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertLoadFailure,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d load run(s) failed in last %dh: %s",
				snap.LoadFailed, snap.LookbackHours, strings.Join(snap.FailedLoads, ", "),
			),
			Details: map[string]any{
				"failed_count": snap.LoadFailed,
				"loads":        snap.FailedLoads,
			},
			Timestamp: now,
		})
	}

	spend := snap.Spend.Float64()
	if a.cfg.SpendThresholdUSD > 0 && spend > a.cfg.SpendThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertSpendOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Cloud spend $%s exceeds threshold $%.2f in last %dh",
				snap.Spend.Fixed(), a.cfg.SpendThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"spend_usd":     spend,
				"threshold_usd": a.cfg.SpendThresholdUSD,
				"days":          snap.SpendDays,
			},
			Timestamp: now,
		})
	}

	for _, an := range snap.Anomalies {
		alerts = append(alerts, Alert{
			Type:     AlertCostAnomaly,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%s cost rose %.1f%% in %s ($%s vs $%s)",
				an.Service, an.PctChange*100, an.Week, an.WeeklyCost.Fixed(), an.PrevWeeklyCost.Fixed(),
			),
			Details: map[string]any{
				"service_key": an.ServiceKey,
				"week":        an.Week,
				"pct_change":  an.PctChange,
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
