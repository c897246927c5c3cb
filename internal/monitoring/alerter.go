package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/config"
	"github.com/sells-group/signal-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertLastRunFailed  AlertType = "last_run_failed"
	AlertNoRecentRun    AlertType = "no_recent_run"
	AlertQueueBacklog   AlertType = "queue_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers an alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook and any extra notifiers when thresholds are
// breached.
type Alerter struct {
	cfg       config.MonitoringConfig
	client    *http.Client
	notifiers []Notifier
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, notifiers ...Notifier) *Alerter {
	return &Alerter{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		notifiers: notifiers,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	pipe := snap.Kind(model.RunKindPipeline)
	finished := pipe.Completed + pipe.Partial + pipe.Failed
	if finished >= 3 && pipe.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Pipeline runs not completing: %.1f%% partial or failed, threshold %.1f%% (%d of %d in last %dh)",
				pipe.FailRate*100, a.cfg.FailureRateThreshold*100,
				pipe.Partial+pipe.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate":      pipe.FailRate,
				"threshold":      a.cfg.FailureRateThreshold,
				"partial":        pipe.Partial,
				"failed":         pipe.Failed,
				"finished":       finished,
				"stage_failures": snap.StageFailures,
			},
			Timestamp: now,
		})
	}

	if snap.LastRunStatus == model.RunStatusPartial || snap.LastRunStatus == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertLastRunFailed,
			Severity: "medium",
			Message:  fmt.Sprintf("Last pipeline run finished %s", snap.LastRunStatus),
			Details: map[string]any{
				"status":         snap.LastRunStatus,
				"started_at":     snap.LastRunAt,
				"stage_failures": snap.StageFailures,
			},
			Timestamp: now,
		})
	}

	if pipe.Total == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoRecentRun,
			Severity:  "high",
			Message:   fmt.Sprintf("No pipeline run recorded in last %dh", snap.LookbackHours),
			Timestamp: now,
		})
	}

	if a.cfg.PendingBacklogThreshold > 0 && snap.QueuePending > a.cfg.PendingBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("%d documents pending scrape, threshold %d",
				snap.QueuePending, a.cfg.PendingBacklogThreshold),
			Details: map[string]any{
				"pending":    snap.QueuePending,
				"processing": snap.QueueProcessing,
				"failed":     snap.QueueFailed,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the webhook and every notifier.
// Returns the number of alerts delivered to at least one channel.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		delivered := false
		if a.cfg.WebhookURL != "" {
			if err := a.sendWebhook(ctx, alert); err != nil {
				zap.L().Error("monitoring: failed to send alert",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
			} else {
				delivered = true
			}
		}
		for _, n := range a.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				zap.L().Error("monitoring: notifier failed",
					zap.String("type", string(alert.Type)),
					zap.Error(err),
				)
				continue
			}
			delivered = true
		}
		if delivered {
			zap.L().Info("monitoring: alert sent",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
			)
			sent++
		}
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
