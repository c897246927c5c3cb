package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/signal-cli/internal/model"
)

// Metrics exports run, stage and queue metrics. It implements the
// orchestrator's observer hook.
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	stageResults  *prometheus.CounterVec
	runs          *prometheus.CounterVec
	emitted       *prometheus.CounterVec
	validations   *prometheus.CounterVec
	queue         *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signal",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of pipeline stages.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind", "stage"}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "stage_results_total",
			Help:      "Stage executions by outcome.",
		}, []string{"kind", "stage", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "runs_total",
			Help:      "Recorded runs by kind and final status.",
		}, []string{"kind", "status"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "signals_emitted_total",
			Help:      "Signals written by the matcher and cascade alerts written by the detector.",
		}, []string{"source"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal",
			Name:      "predictions_resolved_total",
			Help:      "Predictions resolved by the outcome validator, by resolution.",
		}, []string{"status"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "signal",
			Name:      "documents",
			Help:      "Documents in the scrape queue by status, as of the last health check.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.stageDuration, m.stageResults, m.runs, m.emitted, m.validations, m.queue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one stage result.
func (m *Metrics) ObserveStage(kind model.RunKind, s model.StageResult) {
	outcome := "success"
	switch {
	case s.Skipped:
		m.stageResults.WithLabelValues(string(kind), s.Name, "skipped").Inc()
		return
	case !s.Success:
		outcome = "failure"
	}
	m.stageResults.WithLabelValues(string(kind), s.Name, outcome).Inc()
	m.stageDuration.WithLabelValues(string(kind), s.Name).Observe(float64(s.DurationMs) / 1000)

	switch s.Name {
	case "matcher":
		m.emitted.WithLabelValues("matcher").Add(detailCount(s.Detail, "signals"))
	case "cascade":
		m.emitted.WithLabelValues("cascade").Add(detailCount(s.Detail, "alerts"))
	case "outcome":
		for _, status := range []string{"accurate", "inaccurate", "partial", "expired"} {
			m.validations.WithLabelValues(status).Add(detailCount(s.Detail, status))
		}
	}
}

// ObserveRun records the final status of a run.
func (m *Metrics) ObserveRun(run *model.PipelineRun) {
	m.runs.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
}

// ObserveQueue updates the queue gauges from a health snapshot.
func (m *Metrics) ObserveQueue(snap *MetricsSnapshot) {
	m.queue.WithLabelValues(string(model.ScrapeStatusPending)).Set(float64(snap.QueuePending))
	m.queue.WithLabelValues(string(model.ScrapeStatusProcessing)).Set(float64(snap.QueueProcessing))
	m.queue.WithLabelValues(string(model.ScrapeStatusFailed)).Set(float64(snap.QueueFailed))
}

// detailCount reads a non-negative count from a stage detail payload, which
// holds ints in memory and float64 after a JSON round trip.
func detailCount(d map[string]any, key string) float64 {
	var v float64
	switch n := d[key].(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float64:
		v = n
	}
	if v < 0 {
		return 0
	}
	return v
}
