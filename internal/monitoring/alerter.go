package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRowFailureRate AlertType = "row_failure_rate"
	AlertOpenCircuits   AlertType = "open_circuits"
	AlertDLQDepth       AlertType = "dlq_depth"
)

// minRowsForRate keeps a handful of early failures from paging anyone.
const minRowsForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert type
// already sent within the cooldown is not sent again.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	nowFunc  func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		lastSent: make(map[AlertType]time.Time),
		nowFunc:  time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.nowFunc().UTC()

	if snap.RowsTotal >= minRowsForRate && snap.RowFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRowFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Row failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d rows in last %dh)",
				snap.RowFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RowsFailed, snap.RowsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RowFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RowsFailed,
				"total":        snap.RowsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OpenCircuitThreshold > 0 && len(snap.OpenCircuits) >= a.cfg.OpenCircuitThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOpenCircuits,
			Severity: "high",
			Message: fmt.Sprintf("%d circuit(s) open: %s",
				len(snap.OpenCircuits), strings.Join(snap.OpenCircuits, ", ")),
			Details: map[string]any{
				"roles":     snap.OpenCircuits,
				"threshold": a.cfg.OpenCircuitThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message: fmt.Sprintf("Dead-letter queue holds %d rows (threshold %d)",
				snap.DLQDepth, a.cfg.DLQDepthThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
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
		if a.coolingDown(alert.Type) {
			zap.L().Debug("monitoring: alert suppressed by cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.markSent(alert.Type)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) coolingDown(t AlertType) bool {
	cooldown := time.Duration(a.cfg.AlertCooldownMinutes) * time.Minute
	if cooldown <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[t]
	return ok && a.nowFunc().Sub(last) < cooldown
}

func (a *Alerter) markSent(t AlertType) {
	a.mu.Lock()
	a.lastSent[t] = a.nowFunc()
	a.mu.Unlock()
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
