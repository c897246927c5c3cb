package scrape

import (
	"context"
	"time"

	"github.com/sells-group/signal-cli/internal/model"
)

// Page is the content a scraper obtained for one URL.
type Page struct {
	URL         string
	Title       string
	Content     string // markdown
	PublishedAt *time.Time
	StatusCode  int
}

// Result holds a scraped page with its source and the work-queue status it
// earns: completed when full content was obtained, metadata_only otherwise.
type Result struct {
	Page   Page
	Source string // e.g. "jina", "local_http"
	Status model.ScrapeStatus
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}

// publishedLayouts are the timestamp formats seen in reader output and
// article meta tags.
var publishedLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02",
}

// parsePublished parses a publication timestamp, returning nil when empty or
// unrecognized.
func parsePublished(v string) *time.Time {
	if v == "" {
		return nil
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
