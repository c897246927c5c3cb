// Package firecrawl provides a single-page scrape client for the Firecrawl
// API, used as a paid fallback when the reader and direct fetch fail.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/resilience"
)

const defaultBaseURL = "https://api.firecrawl.dev/v1"

// Client scrapes one URL.
type Client interface {
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error)
}

// ScrapeRequest is the body for POST /scrape.
type ScrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats,omitempty"`
	OnlyMainContent bool     `json:"onlyMainContent,omitempty"`
	TimeoutMs       int      `json:"timeout,omitempty"`
}

// ScrapeResponse is the response from POST /scrape.
type ScrapeResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Data    PageData `json:"data"`
}

// PageData is the scraped page.
type PageData struct {
	Markdown string   `json:"markdown"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the page attributes Firecrawl extracts.
type Metadata struct {
	Title         string `json:"title"`
	SourceURL     string `json:"sourceURL"`
	URL           string `json:"url"`
	StatusCode    int    `json:"statusCode"`
	PublishedTime string `json:"publishedTime,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a new Firecrawl client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 2 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) && !resilience.IsRateLimit(err)
	}
	c.retry.OnRetry = resilience.RetryLogger("firecrawl", "scrape")
	return c
}

func (c *httpClient) Scrape(ctx context.Context, sreq ScrapeRequest) (*ScrapeResponse, error) {
	buf, err := json.Marshal(sreq)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: marshal request")
	}

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(buf))
		if err != nil {
			return nil, eris.Wrap(err, "firecrawl: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "firecrawl: read response body")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := eris.Errorf("firecrawl: HTTP %d: %s", resp.StatusCode, truncate(data, 200))
			return nil, resilience.FromHTTPStatus("firecrawl", resp.StatusCode,
				resilience.ParseRetryAfter(resp.Header.Get("Retry-After")), statusErr)
		}
		return data, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape "+sreq.URL)
	}

	var out ScrapeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "firecrawl: decode response")
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
