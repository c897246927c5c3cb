package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/pkg/firecrawl"
)

// FirecrawlAdapter wraps a Firecrawl client as a Scraper. It is the paid
// last resort, so it belongs at the end of the chain.
type FirecrawlAdapter struct {
	client firecrawl.Client
}

// NewFirecrawlAdapter creates a FirecrawlAdapter from a Firecrawl client.
func NewFirecrawlAdapter(client firecrawl.Client) *FirecrawlAdapter {
	return &FirecrawlAdapter{client: client}
}

func (f *FirecrawlAdapter) Name() string           { return "firecrawl" }
func (f *FirecrawlAdapter) Supports(_ string) bool { return true }

// Scrape fetches the main content of one URL.
func (f *FirecrawlAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             targetURL,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.Errorf("firecrawl: scrape not successful: %s", resp.Error)
	}

	meta := resp.Data.Metadata
	content := strings.TrimSpace(resp.Data.Markdown)
	if isChallengeText(content) {
		return nil, eris.New("firecrawl: challenge page instead of content")
	}

	pageURL := meta.SourceURL
	if pageURL == "" {
		pageURL = targetURL
	}
	status := meta.StatusCode
	if status == 0 {
		status = 200
	}
	return &Result{
		Page: Page{
			URL:         pageURL,
			Title:       strings.TrimSpace(meta.Title),
			Content:     content,
			PublishedAt: parsePublished(meta.PublishedTime),
			StatusCode:  status,
		},
		Source: "firecrawl",
	}, nil
}
