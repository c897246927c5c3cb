package model

import "time"

// SignalTypeCascadeAlert is reserved for signals emitted by the cascade detector.
const SignalTypeCascadeAlert = "cascade_alert"

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	SignalStatusActive     SignalStatus = "active"
	SignalStatusSuperseded SignalStatus = "superseded"
	SignalStatusExpired    SignalStatus = "expired"
)

// Urgency ranks how soon a signal needs attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank orders urgencies from low (1) to critical (4). Unknown values rank 0.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyHigh:
		return 3
	case UrgencyCritical:
		return 4
	}
	return 0
}

// Signal is a scored, organization-scoped observation.
type Signal struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	Type            string       `json:"signal_type"`
	Subtype         string       `json:"subtype,omitempty"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	TargetID        string       `json:"target_id,omitempty"`
	TargetName      string       `json:"target_name,omitempty"`
	TargetType      TargetType   `json:"target_type,omitempty"`
	DocumentID      string       `json:"document_id,omitempty"`
	Confidence      float64      `json:"confidence"`
	Urgency         Urgency      `json:"urgency"`
	Evidence        Evidence     `json:"evidence"`
	PatternData     *PatternData `json:"pattern_data,omitempty"`
	TriggerSignalID string       `json:"trigger_signal_id,omitempty"`
	PatternID       string       `json:"pattern_id,omitempty"`
	Status          SignalStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// IsCascadeAlert reports whether the signal was emitted by the cascade detector.
func (s *Signal) IsCascadeAlert() bool {
	return s.Type == SignalTypeCascadeAlert
}

// Evidence is the structured justification attached to a signal.
type Evidence struct {
	DataPoints  []DataPoint    `json:"data_points,omitempty"`
	Reasoning   string         `json:"reasoning,omitempty"`
	DocumentIDs []string       `json:"document_ids,omitempty"`
	Scores      map[string]any `json:"scores,omitempty"`
}

// DataPoint is one matched fact supporting a signal.
type DataPoint struct {
	Kind   string `json:"kind"` // e.g. "name_match", "keyword", "event_type", "similarity"
	Value  string `json:"value"`
	Source string `json:"source,omitempty"`
}

// PatternData links a cascade alert to its trigger signal and pattern.
type PatternData struct {
	TriggerSignalID  string         `json:"trigger_signal_id"`
	PatternID        string         `json:"pattern_id"`
	PatternName      string         `json:"pattern_name"`
	TriggeredAt      time.Time      `json:"triggered_at"`
	ExpectedTimeline []TimelineStep `json:"expected_timeline"`
}

// NextPendingStep returns the first timeline step not yet observed, or nil.
func (p *PatternData) NextPendingStep() *TimelineStep {
	if p == nil {
		return nil
	}
	for i := range p.ExpectedTimeline {
		if !p.ExpectedTimeline[i].Observed {
			return &p.ExpectedTimeline[i]
		}
	}
	return nil
}

// TimelineStep is one expected future event in a cascade.
type TimelineStep struct {
	StepIndex        int        `json:"step"`
	DelayDays        int        `json:"delay_days"`
	ExpectedDate     time.Time  `json:"expected_date"`
	EntityType       string     `json:"entity_type,omitempty"`
	Action           string     `json:"action"`
	Description      string     `json:"description"`
	Observed         bool       `json:"observed"`
	ObservedSignalID string     `json:"observed_signal_id,omitempty"`
	ObservedAt       *time.Time `json:"observed_at,omitempty"`
}
