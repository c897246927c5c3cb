// Package embedding wraps the OpenAI embeddings API as the pipeline's
// embedding gateway.
package embedding

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-cli/internal/resilience"
)

// Client embeds batches of text.
type Client interface {
	// Embed returns one vector per input text, in input order. Rate limits
	// are reported as *resilience.RateLimitError.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the vector length the client produces.
	Dimensions() int
}

// Config configures the OpenAI embedding client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	RequestsPerSec float64
}

type openAIClient struct {
	client     openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
}

// NewClient creates an embedding client. Extra request options (base URL,
// HTTP client) are passed through to the SDK. SDK-level retries are
// disabled; callers decide how to back off.
func NewClient(cfg Config, opts ...option.RequestOption) Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	model := cfg.Model
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}

	return &openAIClient{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		dimensions: cfg.Dimensions,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

func (c *openAIClient) Dimensions() int { return c.dimensions }

func (c *openAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embedding: rate limiter")
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.model),
	}
	if c.dimensions > 0 {
		params.Dimensions = openai.Int(int64(c.dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(classify(err), "embedding: create")
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, eris.Errorf("embedding: vector index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	var retryAfter string
	if apiErr.Response != nil {
		retryAfter = apiErr.Response.Header.Get("Retry-After")
	}
	return resilience.FromHTTPStatus("openai", apiErr.StatusCode, resilience.ParseRetryAfter(retryAfter), err)
}
