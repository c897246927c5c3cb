package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/resilience"
)

const articleHTML = `<html><head>
<title>Acme Corp | Example News</title>
<meta property="og:title" content="Acme Corp names new CEO">
<meta property="article:published_time" content="2026-03-01T10:00:00Z">
<script>var tracking = 1;</script>
</head>
<body>
<nav>Home | World | Business</nav>
<article>
<h1>Acme Corp names new CEO</h1>
<p>The board of <strong>Acme Corp</strong> appointed a new chief executive on Monday.</p>
<div class="share">Share on social</div>
<p>The outgoing CEO will remain as an adviser.</p>
</article>
<footer>Copyright 2026</footer>
</body></html>`

func TestLocalScraper_Article(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "signal-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	result, err := NewLocalScraper("signal-test", time.Second).Scrape(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "local_http", result.Source)
	assert.Equal(t, "Acme Corp names new CEO", result.Page.Title)
	require.NotNil(t, result.Page.PublishedAt)
	assert.Equal(t, 2026, result.Page.PublishedAt.Year())
	assert.Contains(t, result.Page.Content, "# Acme Corp names new CEO")
	assert.Contains(t, result.Page.Content, "**Acme Corp**")
	assert.Contains(t, result.Page.Content, "remain as an adviser")
	assert.NotContains(t, result.Page.Content, "Share on social")
	assert.NotContains(t, result.Page.Content, "Copyright 2026")
	assert.NotContains(t, result.Page.Content, "tracking")
}

func TestLocalScraper_FallsBackToBodyAndTitleTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Plain page</title></head><body><p>Just a paragraph of text.</p></body></html>`))
	}))
	defer srv.Close()

	result, err := NewLocalScraper("", 0).Scrape(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Plain page", result.Page.Title)
	assert.Equal(t, "Just a paragraph of text.", result.Page.Content)
	assert.Nil(t, result.Page.PublishedAt)
}

func TestLocalScraper_Cloudflare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<html><body>Access denied</body></html>`))
	}))
	defer srv.Close()

	_, err := NewLocalScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked (cloudflare)")
}

func TestLocalScraper_TooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewLocalScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
	assert.Equal(t, 30*time.Second, resilience.RetryAfter(err))
}

func TestLocalScraper_NotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<html><body>Not found</body></html>`))
	}))
	defer srv.Close()

	_, err := NewLocalScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, resilience.ClassPermanent, resilience.ClassifyError(err))
}

func TestLocalScraper_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><script>render()</script></body></html>`))
	}))
	defer srv.Close()

	_, err := NewLocalScraper("", time.Second).Scrape(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty page")
}

func TestCleanMarkdown(t *testing.T) {
	assert.Equal(t, "a\n\nb", cleanMarkdown("  a   \n\n\n\n\nb  \n"))
}
