package model

import "time"

// RunKind identifies which component produced a run record.
type RunKind string

const (
	RunKindPipeline RunKind = "pipeline"
	RunKindCascade  RunKind = "cascade"
	RunKindOutcome  RunKind = "outcome"
)

// RunStatus represents the overall state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// PipelineRun is the audit record of one scheduled execution.
type PipelineRun struct {
	ID          string         `json:"id"`
	Kind        RunKind        `json:"kind"`
	Status      RunStatus      `json:"status"`
	Options     map[string]any `json:"options,omitempty"`
	Stages      []StageResult  `json:"stages"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

// Succeeded reports whether every non-skipped stage succeeded.
func (r *PipelineRun) Succeeded() bool {
	for _, s := range r.Stages {
		if !s.Skipped && !s.Success {
			return false
		}
	}
	return true
}

// StageResult holds the outcome of one pipeline stage.
type StageResult struct {
	Name       string         `json:"name"`
	Success    bool           `json:"success"`
	Skipped    bool           `json:"skipped,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Summary is the counts-style result returned by every batch component and
// embedded in stage details.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
	Remaining int `json:"remaining,omitempty"`
}

// Detail converts the summary into a stage detail payload.
func (s Summary) Detail() map[string]any {
	d := map[string]any{
		"processed": s.Processed,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
	}
	if s.Skipped > 0 {
		d["skipped"] = s.Skipped
	}
	if s.Remaining > 0 {
		d["remaining"] = s.Remaining
	}
	return d
}

// TokenUsage tracks completion token consumption.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
