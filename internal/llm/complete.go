package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/anthropic"
)

// Request is one structured completion.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
	Phase     string // cost attribution label
}

// Completer returns the raw text of one completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, Usage, error)
}

// Gateway calls the completion service with bounded retries and parses its
// output into typed results.
type Gateway struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry overrides the retry policy for transient gateway failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// WithBreaker routes every call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Gateway) { g.breaker = cb }
}

// NewGateway creates a completion gateway for model.
func NewGateway(client anthropic.Client, model string, maxTokens int64, opts ...Option) *Gateway {
	g := &Gateway{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}
	for _, o := range opts {
		o(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("anthropic", "complete")
	}
	return g
}

// Model returns the model the gateway calls.
func (g *Gateway) Model() string { return g.model }

// Complete returns the raw completion text and its usage.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, Usage, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	}
	if req.System != "" {
		msg.System = anthropic.CachedSystem(req.System)
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, msg)
	}
	if g.breaker != nil {
		inner := call
		call = func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.ExecuteVal(ctx, g.breaker, inner)
		}
	}

	resp, err := resilience.DoVal(ctx, g.retry, call)
	if err != nil {
		return "", Usage{}, eris.Wrap(err, "llm: complete")
	}

	resp.Usage.LogCost(g.model, req.Phase)
	usage := Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         resp.Usage.EstimateCost(g.model),
	}
	return resp.Text(), usage, nil
}

// CompleteJSON runs req and decodes the answer into T. A gateway failure is
// KindErr; an empty or unparseable answer, or one rejected by validate, is
// KindFallback carrying def.
func CompleteJSON[T any](ctx context.Context, c Completer, req Request, def T, validate func(*T) error) Result[T] {
	text, usage, err := c.Complete(ctx, req)
	if err != nil {
		return Err[T](err)
	}
	res := Parse(text, def, validate)
	res.Usage = usage
	if res.IsFallback() {
		zap.L().Debug("llm: using fallback",
			zap.String("phase", req.Phase),
			zap.String("reason", res.Reason),
		)
	}
	return res
}

// Parse decodes a completion into T, falling back to def.
func Parse[T any](text string, def T, validate func(*T) error) Result[T] {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return Fallback(def, "empty completion")
	}
	var v T
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Fallback(def, "unparseable completion: "+err.Error())
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return Fallback(def, "invalid completion: "+err.Error())
		}
	}
	return Ok(v)
}
