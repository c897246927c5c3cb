package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/resilience"
)

func embeddingHandler(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Contains(t, r.URL.Path, "/embeddings")

		var body struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body.Model)
		assert.Equal(t, 3, body.Dimensions)

		// Return vectors out of order to check index handling.
		data := make([]map[string]any, 0, len(body.Input))
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i), 0.5, 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"object": "list",
			"data":   data,
			"model":  body.Model,
			"usage":  map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	}
}

func TestEmbed_Success(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(embeddingHandler(t, &calls))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Model: "text-embedding-3-small", Dimensions: 3})
	vecs, err := c.Embed(context.Background(), []string{"first", "second"})

	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 0.5, 1}, vecs[0])
	assert.Equal(t, []float32{1, 0.5, 1}, vecs[1])
	assert.Equal(t, 3, c.Dimensions())
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_EmptyInputSkipsCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(embeddingHandler(t, &calls))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Dimensions: 3})
	vecs, err := c.Embed(context.Background(), nil)

	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, int32(0), calls.Load())
}

func TestEmbed_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), []string{"x"})

	require.Error(t, err)
	assert.True(t, resilience.IsRateLimit(err))
	assert.Equal(t, 2*time.Second, resilience.RetryAfter(err))
}

func TestEmbed_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"unavailable"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), []string{"x"})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsRateLimit(err))
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[],"model":"m","usage":{"prompt_tokens":0,"total_tokens":0}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), []string{"x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0 vectors for 1 inputs")
}
