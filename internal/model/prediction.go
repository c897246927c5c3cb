package model

import "time"

// PredictionStatus is the validation state of a prediction.
type PredictionStatus string

const (
	PredictionStatusPending    PredictionStatus = "pending"
	PredictionStatusAccurate   PredictionStatus = "accurate"
	PredictionStatusInaccurate PredictionStatus = "inaccurate"
	PredictionStatusPartial    PredictionStatus = "partial"
	PredictionStatusExpired    PredictionStatus = "expired"
)

// Resolved reports whether the prediction has left pending validation.
func (s PredictionStatus) Resolved() bool {
	return s != PredictionStatusPending && s != ""
}

// OutcomeOccurred is the arbitration verdict for a prediction.
type OutcomeOccurred string

const (
	OutcomeYes          OutcomeOccurred = "yes"
	OutcomeNo           OutcomeOccurred = "no"
	OutcomePartial      OutcomeOccurred = "partial"
	OutcomeInconclusive OutcomeOccurred = "inconclusive"
)

// Prediction is the outcome record attached to a signal that implies a
// future event.
type Prediction struct {
	ID                     string           `json:"id"`
	OrganizationID         string           `json:"organization_id"`
	SignalID               string           `json:"signal_id"`
	TargetID               string           `json:"target_id,omitempty"`
	SignalType             string           `json:"signal_type"`
	PatternID              string           `json:"pattern_id,omitempty"`
	PredictedOutcome       string           `json:"predicted_outcome"`
	PredictedTimeframeDays int              `json:"predicted_timeframe_days"`
	PredictedConfidence    float64          `json:"predicted_confidence"`
	SearchQuery            string           `json:"search_query,omitempty"`
	PredictedAt            time.Time        `json:"predicted_at"`
	ExpiresAt              time.Time        `json:"expires_at"`
	Status                 PredictionStatus `json:"status"`
	ValidatedAt            *time.Time       `json:"validated_at,omitempty"`
	ValidatedBy            string           `json:"validated_by,omitempty"`
	WasAccurate            *bool            `json:"was_accurate,omitempty"`
	OutcomeMatch           *float64         `json:"outcome_match,omitempty"`
	OutcomeOccurred        OutcomeOccurred  `json:"outcome_occurred,omitempty"`
	Reasoning              string           `json:"reasoning,omitempty"`
	EvidenceDocumentIDs    []string         `json:"evidence_document_ids,omitempty"`
}

// Resolution holds the fields written exactly once when a prediction is validated.
type Resolution struct {
	Status              PredictionStatus `json:"status"`
	WasAccurate         bool             `json:"was_accurate"`
	OutcomeMatch        float64          `json:"outcome_match"`
	OutcomeOccurred     OutcomeOccurred  `json:"outcome_occurred,omitempty"`
	Reasoning           string           `json:"reasoning,omitempty"`
	EvidenceDocumentIDs []string         `json:"evidence_document_ids,omitempty"`
	ValidatedBy         string           `json:"validated_by"`
	ValidatedAt         time.Time        `json:"validated_at"`
}

// AccuracyStat aggregates validated predictions by target and signal type.
type AccuracyStat struct {
	OrganizationID string    `json:"organization_id"`
	TargetID       string    `json:"target_id"`
	SignalType     string    `json:"signal_type"`
	Total          int       `json:"total"`
	Accurate       int       `json:"accurate"`
	AccuracyRate   float64   `json:"accuracy_rate"`
	UpdatedAt      time.Time `json:"updated_at"`
}
