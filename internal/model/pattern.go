package model

import "time"

// Pattern is a reusable cascade template with a learned accuracy rate.
type Pattern struct {
	ID                  string        `json:"id" yaml:"id"`
	Name                string        `json:"name" yaml:"name"`
	Description         string        `json:"description,omitempty" yaml:"description"`
	TriggerSignalType   string        `json:"trigger_signal_type" yaml:"trigger_signal_type"`
	TriggerEntityTypes  []string      `json:"trigger_entity_types,omitempty" yaml:"trigger_entity_types"`
	TriggerKeywords     []string      `json:"trigger_keywords,omitempty" yaml:"trigger_keywords"`
	Steps               []CascadeStep `json:"cascade_steps" yaml:"cascade_steps"`
	TimesObserved       int           `json:"times_observed" yaml:"times_observed"`
	ValidationsTotal    int           `json:"validations_total" yaml:"-"`
	ValidationsAccurate int           `json:"validations_accurate" yaml:"-"`
	AccuracyRate        float64       `json:"accuracy_rate" yaml:"accuracy_rate"`
	Confidence          float64       `json:"confidence" yaml:"confidence"`
	IsActive            bool          `json:"is_active" yaml:"is_active"`
	LastObservedAt      *time.Time    `json:"last_observed_at,omitempty" yaml:"-"`
	CreatedAt           time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time     `json:"updated_at" yaml:"-"`
}

// CascadeStep is one ordered step of a pattern.
type CascadeStep struct {
	Step           int    `json:"step" yaml:"step"`
	DelayDays      int    `json:"delay_days" yaml:"delay_days"`
	EntityType     string `json:"entity_type,omitempty" yaml:"entity_type"`
	ExpectedAction string `json:"expected_action" yaml:"expected_action"`
	Description    string `json:"description" yaml:"description"`
}
