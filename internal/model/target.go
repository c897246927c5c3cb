package model

import "time"

// TargetType classifies what an organization is watching.
type TargetType string

const (
	TargetTypeCompetitor  TargetType = "competitor"
	TargetTypeRegulator   TargetType = "regulator"
	TargetTypeStakeholder TargetType = "stakeholder"
	TargetTypeTopic       TargetType = "topic"
)

// Target is a watched entity or topic belonging to an organization.
type Target struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organization_id"`
	Name             string     `json:"name"`
	Type             TargetType `json:"type"`
	Priority         int        `json:"priority"` // 1 (highest) .. 5
	Keywords         []string   `json:"keywords,omitempty"`
	EmbeddingContext string     `json:"embedding_context,omitempty"`
	Embedding        []float32  `json:"-"`
	EmbeddedAt       *time.Time `json:"embedded_at,omitempty"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EmbeddingStale reports whether the target embedding must be regenerated.
func (t *Target) EmbeddingStale() bool {
	if len(t.Embedding) == 0 || t.EmbeddedAt == nil {
		return true
	}
	return t.EmbeddedAt.Before(t.UpdatedAt)
}

// EmbeddingText returns the text sent to the embedding gateway for this target.
func (t *Target) EmbeddingText() string {
	if t.EmbeddingContext != "" {
		return t.EmbeddingContext
	}
	return t.Name
}
