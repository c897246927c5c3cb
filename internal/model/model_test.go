package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScrapeStatus_Scraped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   ScrapeStatus
		scraped  bool
		terminal bool
	}{
		{ScrapeStatusPending, false, false},
		{ScrapeStatusProcessing, false, false},
		{ScrapeStatusCompleted, true, true},
		{ScrapeStatusMetadataOnly, true, true},
		{ScrapeStatusFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.scraped, tt.status.Scraped())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestDocument_TimestampPrefersPublished(t *testing.T) {
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	published := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d := Document{CreatedAt: created}
	assert.Equal(t, created, d.Timestamp())

	d.PublishedAt = &published
	assert.Equal(t, published, d.Timestamp())
}

func TestDocument_Text(t *testing.T) {
	assert.Equal(t, "Title", (&Document{Title: "Title"}).Text())
	assert.Equal(t, "Body", (&Document{Content: "Body"}).Text())
	assert.Equal(t, "Title\n\nBody", (&Document{Title: "Title", Content: "Body"}).Text())
}

func TestTarget_EmbeddingStale(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	tgt := Target{Name: "Acme", UpdatedAt: now}
	assert.True(t, tgt.EmbeddingStale(), "no embedding")

	tgt.Embedding = []float32{1, 0}
	tgt.EmbeddedAt = &earlier
	assert.True(t, tgt.EmbeddingStale(), "embedded before last update")

	later := now.Add(time.Minute)
	tgt.EmbeddedAt = &later
	assert.False(t, tgt.EmbeddingStale())
}

func TestPatternData_NextPendingStep(t *testing.T) {
	pd := PatternData{ExpectedTimeline: []TimelineStep{
		{StepIndex: 1, Observed: true},
		{StepIndex: 2},
	}}
	next := pd.NextPendingStep()
	if assert.NotNil(t, next) {
		assert.Equal(t, 2, next.StepIndex)
	}

	pd.ExpectedTimeline[1].Observed = true
	assert.Nil(t, pd.NextPendingStep())
}

func TestPipelineRun_Succeeded(t *testing.T) {
	run := PipelineRun{Stages: []StageResult{
		{Name: "worker", Success: true},
		{Name: "discovery", Skipped: true},
	}}
	assert.True(t, run.Succeeded())

	run.Stages = append(run.Stages, StageResult{Name: "matcher", Error: "boom"})
	assert.False(t, run.Succeeded())
}

func TestSummary_Detail(t *testing.T) {
	d := Summary{Processed: 3, Succeeded: 2, Failed: 1}.Detail()
	assert.Equal(t, 3, d["processed"])
	assert.NotContains(t, d, "remaining")

	d = Summary{Remaining: 4}.Detail()
	assert.Equal(t, 4, d["remaining"])
}

func TestPredictionStatus_Resolved(t *testing.T) {
	assert.False(t, PredictionStatusPending.Resolved())
	assert.True(t, PredictionStatusAccurate.Resolved())
	assert.True(t, PredictionStatusExpired.Resolved())
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
