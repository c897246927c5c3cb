package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/resilience"
)

const maxBodyBytes = 2 << 20

// noiseSelectors are removed before the article body is converted.
var noiseSelectors = "script, style, noscript, nav, header, footer, aside, iframe, form, button, .advertisement, .ad, .share, .social, .related, .comments, .newsletter"

// contentSelectors are tried in order to find the article body.
var contentSelectors = []string{"article", "main", "[role=main]", "#content", "body"}

var publishedSelectors = []struct {
	sel  string
	attr string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="article:published_time"]`, "content"},
	{`meta[name="pubdate"]`, "content"},
	{`meta[name="publish-date"]`, "content"},
	{`meta[itemprop="datePublished"]`, "content"},
	{`time[datetime]`, "datetime"},
}

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// LocalScraper fetches HTML directly, detects blocks, and converts the
// article body to markdown. Free, no API calls.
type LocalScraper struct {
	client    *http.Client
	userAgent string
	converter *md.Converter
}

// NewLocalScraper creates a LocalScraper. A zero timeout selects 15s.
func NewLocalScraper(userAgent string, timeout time.Duration) *LocalScraper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; SignalBot/1.0)"
	}
	return &LocalScraper{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
		userAgent: userAgent,
		converter: md.NewConverter("", true, nil),
	}
}

func (l *LocalScraper) Name() string           { return "local_http" }
func (l *LocalScraper) Supports(_ string) bool { return true }

// Scrape fetches a URL and extracts title, publication time and body.
// Upstream 429/5xx responses become rate-limit/transient errors.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: create request")
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: read body")
	}

	if blocked, blockType := DetectBlock(resp, body); blocked {
		return nil, eris.Errorf("local_http: blocked (%s)", blockType)
	}

	if resp.StatusCode >= 400 {
		statusErr := eris.Errorf("local_http: status %d", resp.StatusCode)
		return nil, resilience.FromHTTPStatus("local_http", resp.StatusCode,
			resilience.ParseRetryAfter(resp.Header.Get("Retry-After")), statusErr)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: parse html")
	}

	page := Page{
		URL:         targetURL,
		Title:       extractTitle(doc),
		PublishedAt: extractPublished(doc),
		StatusCode:  resp.StatusCode,
	}
	page.Content = l.extractContent(doc)

	if page.Title == "" && page.Content == "" {
		return nil, eris.New("local_http: empty page")
	}

	return &Result{Page: page, Source: "local_http"}, nil
}

// extractTitle prefers og:title, then <title>, then the first h1.
func extractTitle(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractPublished(doc *goquery.Document) *time.Time {
	for _, ps := range publishedSelectors {
		if v, ok := doc.Find(ps.sel).First().Attr(ps.attr); ok {
			if t := parsePublished(strings.TrimSpace(v)); t != nil {
				return t
			}
		}
	}
	return nil
}

func (l *LocalScraper) extractContent(doc *goquery.Document) string {
	doc.Find(noiseSelectors).Remove()

	for _, sel := range contentSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if text := cleanMarkdown(l.converter.Convert(s)); text != "" {
			return text
		}
	}
	return ""
}

// cleanMarkdown trims trailing spaces per line and collapses blank runs.
func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}
