// Package monitoring summarizes recent runs, raises alerts and exports
// Prometheus metrics.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

// KindStats counts runs of one kind inside the lookback window.
type KindStats struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Partial   int     `json:"partial"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	FailRate  float64 `json:"fail_rate"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	Runs map[model.RunKind]*KindStats `json:"runs"`

	// StageFailures counts failed stages by name across all runs.
	StageFailures map[string]int `json:"stage_failures,omitempty"`

	// LastRunStatus is the status of the most recent pipeline run, if any.
	LastRunStatus model.RunStatus `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`

	// Queue depth by scrape status.
	QueuePending    int `json:"queue_pending"`
	QueueProcessing int `json:"queue_processing"`
	QueueFailed     int `json:"queue_failed"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Kind returns the stats for a run kind, never nil.
func (s *MetricsSnapshot) Kind(k model.RunKind) *KindStats {
	if st, ok := s.Runs[k]; ok {
		return st
	}
	return &KindStats{}
}

// Store is the slice of the store the collector reads.
type Store interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
	CountDocumentsByStatus(ctx context.Context) (map[model.ScrapeStatus]int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		Runs:          map[model.RunKind]*KindStats{},
		StageFailures: map[string]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Since: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Runs are listed newest first.
	for _, r := range runs {
		st, ok := snap.Runs[r.Kind]
		if !ok {
			st = &KindStats{}
			snap.Runs[r.Kind] = st
		}
		st.Total++
		switch r.Status {
		case model.RunStatusCompleted:
			st.Completed++
		case model.RunStatusPartial:
			st.Partial++
		case model.RunStatusFailed:
			st.Failed++
		case model.RunStatusRunning:
			st.Running++
		}
		for _, s := range r.Stages {
			if !s.Skipped && !s.Success {
				snap.StageFailures[s.Name]++
			}
		}
		if r.Kind == model.RunKindPipeline && snap.LastRunAt == nil {
			started := r.StartedAt
			snap.LastRunAt = &started
			snap.LastRunStatus = r.Status
		}
	}
	for _, st := range snap.Runs {
		if finished := st.Completed + st.Partial + st.Failed; finished > 0 {
			st.FailRate = float64(st.Partial+st.Failed) / float64(finished)
		}
	}

	counts, err := c.store.CountDocumentsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count documents")
	}
	snap.QueuePending = counts[model.ScrapeStatusPending]
	snap.QueueProcessing = counts[model.ScrapeStatusProcessing]
	snap.QueueFailed = counts[model.ScrapeStatusFailed]

	return snap, nil
}
