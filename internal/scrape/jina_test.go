package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/jina"
)

func TestJinaAdapter_Name(t *testing.T) {
	t.Parallel()
	adapter := NewJinaAdapter(&mockJinaClient{})
	assert.Equal(t, "jina", adapter.Name())
	assert.True(t, adapter.Supports("https://news.example"))
}

func TestJinaAdapter_Scrape_Success(t *testing.T) {
	t.Parallel()
	client := &mockJinaClient{}
	client.On("Read", context.Background(), "https://news.example/acme").Return(&jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{
			URL:           "https://news.example/acme",
			Title:         " Acme Corp names new CEO ",
			Content:       "# Acme Corp\n\nThe board appointed a new chief executive.",
			PublishedTime: "2026-03-01T10:00:00Z",
		},
	}, nil)

	result, err := NewJinaAdapter(client).Scrape(context.Background(), "https://news.example/acme")

	require.NoError(t, err)
	assert.Equal(t, "jina", result.Source)
	assert.Equal(t, "Acme Corp names new CEO", result.Page.Title)
	require.NotNil(t, result.Page.PublishedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), *result.Page.PublishedAt)
	client.AssertExpectations(t)
}

func TestJinaAdapter_Scrape_ClientErrorPassesThrough(t *testing.T) {
	t.Parallel()
	client := &mockJinaClient{}
	rl := resilience.NewRateLimitError("jina", 0, eris.New("429"))
	client.On("Read", context.Background(), "https://news.example/a").Return(nil, rl)

	_, err := NewJinaAdapter(client).Scrape(context.Background(), "https://news.example/a")

	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
}

func TestJinaAdapter_Scrape_BadCode(t *testing.T) {
	t.Parallel()
	client := &mockJinaClient{}
	client.On("Read", context.Background(), "https://news.example/a").Return(&jina.ReadResponse{Code: 451}, nil)

	_, err := NewJinaAdapter(client).Scrape(context.Background(), "https://news.example/a")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 451")
}

func TestJinaAdapter_Scrape_ChallengePage(t *testing.T) {
	t.Parallel()
	client := &mockJinaClient{}
	client.On("Read", context.Background(), "https://news.example/a").Return(&jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{Title: "Just a moment...", Content: "Checking your browser before accessing news.example."},
	}, nil)

	_, err := NewJinaAdapter(client).Scrape(context.Background(), "https://news.example/a")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExcluded))
	assert.Contains(t, err.Error(), "challenge page")
}
