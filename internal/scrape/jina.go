package scrape

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/pkg/jina"
)

// JinaAdapter wraps a Jina Reader client as a Scraper.
type JinaAdapter struct {
	client jina.Client
}

// NewJinaAdapter creates a JinaAdapter from a Jina client.
func NewJinaAdapter(client jina.Client) *JinaAdapter {
	return &JinaAdapter{client: client}
}

func (j *JinaAdapter) Name() string           { return "jina" }
func (j *JinaAdapter) Supports(_ string) bool { return true }

// Scrape fetches a URL via Jina Reader. Rate-limit and transient errors from
// the client pass through unchanged so the chain can classify them.
func (j *JinaAdapter) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	resp, err := j.client.Read(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return nil, eris.Errorf("jina: reader returned code %d", resp.Code)
	}

	content := strings.TrimSpace(resp.Data.Content)
	if isChallengeText(content) {
		return nil, eris.New("jina: challenge page instead of content")
	}

	pageURL := resp.Data.URL
	if pageURL == "" {
		pageURL = targetURL
	}
	return &Result{
		Page: Page{
			URL:         pageURL,
			Title:       strings.TrimSpace(resp.Data.Title),
			Content:     content,
			PublishedAt: parsePublished(resp.Data.PublishedTime),
			StatusCode:  200,
		},
		Source: "jina",
	}, nil
}
