package model

import "time"

// ScrapeStatus is the work-queue state of a document.
type ScrapeStatus string

const (
	ScrapeStatusPending      ScrapeStatus = "pending"
	ScrapeStatusProcessing   ScrapeStatus = "processing"
	ScrapeStatusCompleted    ScrapeStatus = "completed"
	ScrapeStatusMetadataOnly ScrapeStatus = "metadata_only"
	ScrapeStatusFailed       ScrapeStatus = "failed"
)

// Scraped reports whether the status is a terminal success state. Only
// scraped documents may carry an embedding.
func (s ScrapeStatus) Scraped() bool {
	return s == ScrapeStatusCompleted || s == ScrapeStatusMetadataOnly
}

// Terminal reports whether the worker loop will never touch the document again.
func (s ScrapeStatus) Terminal() bool {
	return s.Scraped() || s == ScrapeStatusFailed
}

// Document is a fetched piece of content. The documents table doubles as the
// scrape work queue; ScrapeStatus is the state tag.
type Document struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	ScrapeStatus   ScrapeStatus      `json:"scrape_status"`
	ScrapeAttempts int               `json:"scrape_attempts"`
	ScrapeError    string            `json:"scrape_error,omitempty"`
	ErrorType      string            `json:"error_type,omitempty"` // "transient" or "permanent"
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	ScrapedAt      *time.Time        `json:"scraped_at,omitempty"`
	Metadata       *DocumentMetadata `json:"metadata,omitempty"`
	MetadataAt     *time.Time        `json:"metadata_at,omitempty"`
	Embedding      []float32         `json:"-"`
	EmbeddedAt     *time.Time        `json:"embedded_at,omitempty"`
	MatchedAt      *time.Time        `json:"matched_at,omitempty"`
	PublishedAt    *time.Time        `json:"published_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Timestamp returns the best-known publication time of the document.
func (d *Document) Timestamp() time.Time {
	if d.PublishedAt != nil && !d.PublishedAt.IsZero() {
		return *d.PublishedAt
	}
	return d.CreatedAt
}

// Text returns the text used for metadata extraction and embedding.
func (d *Document) Text() string {
	if d.Content == "" {
		return d.Title
	}
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n\n" + d.Content
}

// DocumentMetadata is the structured extraction produced by the metadata batcher.
type DocumentMetadata struct {
	Summary    string   `json:"summary"`
	Entities   []string `json:"entities,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Sentiment  string   `json:"sentiment,omitempty"`
	Source     string   `json:"source"` // "llm" or "heuristic"
}

// ScoredDocument pairs a document with a similarity score from evidence search.
type ScoredDocument struct {
	Document   Document `json:"document"`
	Similarity float64  `json:"similarity"`
}
