// Package store persists documents, targets, signals, patterns, predictions
// and pipeline runs. Every status transition is a conditional update so that
// concurrent runs never double-process an item.
package store

import (
	"context"
	"time"

	"github.com/sells-group/signal-cli/internal/model"
)

// ScrapeResult is the content obtained by the fetch collaborator.
type ScrapeResult struct {
	Status      model.ScrapeStatus // completed or metadata_only
	Title       string
	Content     string
	PublishedAt *time.Time
}

// SignalFilter specifies criteria for listing signals.
type SignalFilter struct {
	OrganizationID string             `json:"organization_id,omitempty"`
	Types          []string           `json:"types,omitempty"`
	ExcludeTypes   []string           `json:"exclude_types,omitempty"`
	Status         model.SignalStatus `json:"status,omitempty"`
	TargetID       string             `json:"target_id,omitempty"`
	DocumentID     string             `json:"document_id,omitempty"`
	Since          time.Time          `json:"since,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

// PredictionFilter specifies criteria for listing predictions.
type PredictionFilter struct {
	SignalID string                 `json:"signal_id,omitempty"`
	Status   model.PredictionStatus `json:"status,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	Kind   model.RunKind   `json:"kind,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Since  time.Time       `json:"since,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the signal pipeline.
// Components depend on narrower interfaces declared next to them.
type Store interface {
	// Documents (the scrape work queue)
	EnqueueDocuments(ctx context.Context, docs []model.Document) (int, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	CountDocumentsByStatus(ctx context.Context) (map[model.ScrapeStatus]int, error)
	ClaimPendingDocuments(ctx context.Context, limit int, now time.Time) ([]model.Document, error)
	CompleteScrape(ctx context.Context, id string, res ScrapeResult, now time.Time) (bool, error)
	FailScrape(ctx context.Context, id string, maxAttempts int, errMsg, errType string, now time.Time) (model.ScrapeStatus, error)
	ReleaseDocument(ctx context.Context, id string, now time.Time) (bool, error)
	ResetStuckDocuments(ctx context.Context, cutoff, now time.Time) (int, error)
	ListDocumentsNeedingMetadata(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	SaveDocumentMetadata(ctx context.Context, id string, meta *model.DocumentMetadata, now time.Time) error
	ListDocumentsNeedingEmbedding(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	SaveDocumentEmbedding(ctx context.Context, id string, vec []float32, now time.Time) (bool, error)
	ListUnmatchedDocuments(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	MarkDocumentMatched(ctx context.Context, id string, now time.Time) error
	SearchDocumentsByEmbedding(ctx context.Context, vec []float32, after, before time.Time, limit int) ([]model.ScoredDocument, error)
	SearchDocumentsByKeyword(ctx context.Context, terms []string, after, before time.Time, limit int) ([]model.ScoredDocument, error)

	// Targets
	ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error)
	UpsertTarget(ctx context.Context, t *model.Target) error
	ListTargetsNeedingEmbedding(ctx context.Context, force bool, limit int) ([]model.Target, error)
	SaveTargetEmbedding(ctx context.Context, id string, vec []float32, now time.Time) error

	// Signals
	InsertSignal(ctx context.Context, s *model.Signal) (bool, error)
	GetSignal(ctx context.Context, id string) (*model.Signal, error)
	FindCascadeAlert(ctx context.Context, triggerSignalID, patternID string) (*model.Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error)
	UpdateSignalPatternData(ctx context.Context, id string, pd *model.PatternData) error

	// Patterns
	ListActivePatterns(ctx context.Context, minConfidence float64) ([]model.Pattern, error)
	GetPattern(ctx context.Context, id string) (*model.Pattern, error)
	UpsertPattern(ctx context.Context, p *model.Pattern) error
	RecordPatternObservation(ctx context.Context, id string, at time.Time) error
	RecordPatternValidation(ctx context.Context, id string, accurate bool, now time.Time) error

	// Predictions
	InsertPrediction(ctx context.Context, p *model.Prediction) error
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]model.Prediction, error)
	ListEligiblePredictions(ctx context.Context, now, maturedBefore time.Time, limit int) ([]model.Prediction, error)
	SavePredictionQuery(ctx context.Context, id, query string) error
	ResolvePrediction(ctx context.Context, id string, res model.Resolution) (bool, error)
	RecordAccuracy(ctx context.Context, organizationID, targetID, signalType string, accurate bool, now time.Time) error
	GetAccuracy(ctx context.Context, organizationID, targetID, signalType string) (*model.AccuracyStat, error)

	// Runs
	CreateRun(ctx context.Context, kind model.RunKind, options map[string]any) (*model.PipelineRun, error)
	CompleteRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
