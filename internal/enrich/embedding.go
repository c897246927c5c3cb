package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/embedding"
)

// EmbeddingStore is the slice of the store the embedding batcher needs.
type EmbeddingStore interface {
	ListDocumentsNeedingEmbedding(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	SaveDocumentEmbedding(ctx context.Context, id string, vec []float32, now time.Time) (bool, error)
}

// EmbeddingConfig controls embedding batching and rate-limit backoff.
type EmbeddingConfig struct {
	BatchSize  int // texts per gateway call
	MaxBatches int
	MaxChars   int // per text, in runes
	Recency    time.Duration
	Budget     time.Duration
	// RateLimitBackoff is the fixed delay before retrying a rate-limited batch.
	RateLimitBackoff    time.Duration
	RateLimitMaxRetries int
}

func (c *EmbeddingConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 10
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 5 * time.Second
	}
	if c.RateLimitMaxRetries < 0 {
		c.RateLimitMaxRetries = 0
	}
}

// EmbeddingBatcher embeds recently scraped documents.
type EmbeddingBatcher struct {
	store  EmbeddingStore
	client embedding.Client
	cfg    EmbeddingConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewEmbeddingBatcher creates an embedding batcher.
func NewEmbeddingBatcher(st EmbeddingStore, client embedding.Client, cfg EmbeddingConfig) *EmbeddingBatcher {
	cfg.defaults()
	return &EmbeddingBatcher{
		store:  st,
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleep,
	}
}

// Run embeds up to MaxBatches batches sequentially. The budget is checked
// before each batch; a batch that stays rate limited after the bounded
// backoff ends the run.
func (b *EmbeddingBatcher) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "embedding"))
	start := time.Now()
	res := &Result{}

	docs, err := b.store.ListDocumentsNeedingEmbedding(ctx, since(b.now(), b.cfg.Recency), b.cfg.BatchSize*b.cfg.MaxBatches)
	if err != nil {
		return res, eris.Wrap(err, "embedding: list documents")
	}

	for _, batch := range chunk(docs, b.cfg.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		if b.cfg.Budget > 0 && time.Since(start) >= b.cfg.Budget {
			res.BudgetExhausted = true
			log.Info("embedding: budget exhausted", zap.Int("processed", res.Processed))
			break
		}

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = truncate(batch[i].Text(), b.cfg.MaxChars)
		}

		res.Batches++
		vecs, backoffs, err := embedWithBackoff(ctx, b.client, texts, b.cfg.RateLimitBackoff, b.cfg.RateLimitMaxRetries, b.sleep)
		res.Backoffs += backoffs
		if err != nil {
			if resilience.IsRateLimit(err) {
				res.RateLimited = true
				log.Warn("embedding: rate limited after backoff, stopping run", zap.Int("backoffs", backoffs))
				break
			}
			res.Processed += len(batch)
			res.Failed += len(batch)
			log.Warn("embedding: batch failed", zap.Int("size", len(batch)), zap.Error(err))
			continue
		}

		writeCtx := context.WithoutCancel(ctx)
		for i := range batch {
			res.Processed++
			ok, err := b.store.SaveDocumentEmbedding(writeCtx, batch[i].ID, vecs[i], b.now())
			switch {
			case err != nil:
				res.Failed++
				log.Warn("embedding: save failed", zap.String("document_id", batch[i].ID), zap.Error(err))
			case !ok:
				res.Skipped++
			default:
				res.Succeeded++
			}
		}
	}

	log.Info("embedding: run complete",
		zap.Int("batches", res.Batches),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Bool("rate_limited", res.RateLimited),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// embedWithBackoff calls the gateway and, on a rate limit, waits the fixed
// backoff and retries the same texts up to maxRetries times. It returns the
// number of backoffs taken.
func embedWithBackoff(ctx context.Context, client embedding.Client, texts []string, backoff time.Duration, maxRetries int,
	sleepFn func(context.Context, time.Duration) bool) ([][]float32, int, error) {
	backoffs := 0
	for {
		vecs, err := client.Embed(ctx, texts)
		if err == nil {
			return vecs, backoffs, nil
		}
		if !resilience.IsRateLimit(err) || backoffs >= maxRetries {
			return nil, backoffs, err
		}
		backoffs++
		zap.L().Debug("embedding: rate limited, backing off",
			zap.Duration("backoff", backoff),
			zap.Int("attempt", backoffs),
		)
		if !sleepFn(ctx, backoff) {
			return nil, backoffs, err
		}
	}
}
