// Package events announces cascade alerts and finished runs to NATS and
// other subscribers.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/config"
	"github.com/sells-group/signal-cli/internal/model"
)

// Subjects, relative to the configured prefix.
const (
	SubjectCascadeAlert = "signals.cascade_alert"
	SubjectPipelineRuns = "pipeline.runs"
)

// Conn is the slice of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes JSON events to NATS subjects.
type NATSPublisher struct {
	conn   Conn
	prefix string
	flush  time.Duration
}

// Connect dials the configured NATS server.
func Connect(cfg config.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, eris.New("events: nats.url is required")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("signal-cli"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "events: connect to %s", cfg.URL)
	}
	return NewNATSPublisher(conn, cfg.SubjectPrefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: strings.Trim(prefix, "."), flush: 2 * time.Second}
}

// Subject applies the configured prefix.
func (p *NATSPublisher) Subject(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}

// PublishAlert publishes a cascade alert signal.
func (p *NATSPublisher) PublishAlert(_ context.Context, alert *model.Signal) error {
	return p.publish(SubjectCascadeAlert, alert)
}

// PublishRun publishes a finished run summary.
func (p *NATSPublisher) PublishRun(_ context.Context, run *model.PipelineRun) error {
	return p.publish(SubjectPipelineRuns, run)
}

func (p *NATSPublisher) publish(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "events: marshal %s", name)
	}
	subject := p.Subject(name)
	if err := p.conn.Publish(subject, data); err != nil {
		return eris.Wrapf(err, "events: publish %s", subject)
	}
	if err := p.conn.FlushTimeout(p.flush); err != nil {
		return eris.Wrapf(err, "events: flush %s", subject)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return eris.Wrap(p.conn.Drain(), "events: drain")
}

// AlertPublisher receives cascade alerts.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Signal) error
}

// RunPublisher receives finished runs.
type RunPublisher interface {
	PublishRun(ctx context.Context, run *model.PipelineRun) error
}

// Fanout forwards events to every attached subscriber. Subscriber failures
// are logged and never returned, so a broken channel cannot fail a run.
type Fanout struct {
	alerts []AlertPublisher
	runs   []RunPublisher
}

// NewFanout builds an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// AddAlerts attaches alert subscribers. Nil entries are ignored.
func (f *Fanout) AddAlerts(ps ...AlertPublisher) *Fanout {
	for _, p := range ps {
		if p != nil {
			f.alerts = append(f.alerts, p)
		}
	}
	return f
}

// AddRuns attaches run subscribers. Nil entries are ignored.
func (f *Fanout) AddRuns(ps ...RunPublisher) *Fanout {
	for _, p := range ps {
		if p != nil {
			f.runs = append(f.runs, p)
		}
	}
	return f
}

// Empty reports whether nothing is attached.
func (f *Fanout) Empty() bool {
	return len(f.alerts) == 0 && len(f.runs) == 0
}

// PublishAlert forwards the alert to every alert subscriber.
func (f *Fanout) PublishAlert(ctx context.Context, alert *model.Signal) error {
	for _, p := range f.alerts {
		if err := p.PublishAlert(ctx, alert); err != nil {
			zap.L().Warn("events: alert publish failed",
				zap.String("signal_id", alert.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// PublishRun forwards the run to every run subscriber.
func (f *Fanout) PublishRun(ctx context.Context, run *model.PipelineRun) error {
	for _, p := range f.runs {
		if err := p.PublishRun(ctx, run); err != nil {
			zap.L().Warn("events: run publish failed",
				zap.String("run_id", run.ID),
				zap.String("kind", string(run.Kind)),
				zap.Error(err),
			)
		}
	}
	return nil
}
