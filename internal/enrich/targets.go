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

// TargetStore is the slice of the store the target embedder needs.
type TargetStore interface {
	ListTargetsNeedingEmbedding(ctx context.Context, force bool, limit int) ([]model.Target, error)
	SaveTargetEmbedding(ctx context.Context, id string, vec []float32, now time.Time) error
}

// TargetEmbedder regenerates stale target embeddings from their embedding
// context.
type TargetEmbedder struct {
	store  TargetStore
	client embedding.Client
	cfg    EmbeddingConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewTargetEmbedder creates a target embedder. Only BatchSize, MaxChars and
// the rate-limit settings of cfg apply.
func NewTargetEmbedder(st TargetStore, client embedding.Client, cfg EmbeddingConfig) *TargetEmbedder {
	cfg.defaults()
	return &TargetEmbedder{
		store:  st,
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleep,
	}
}

// Run embeds every active target whose embedding is stale, or all of them
// when force is set.
func (e *TargetEmbedder) Run(ctx context.Context, force bool) (*Result, error) {
	log := zap.L().With(zap.String("component", "targets"))
	res := &Result{}

	targets, err := e.store.ListTargetsNeedingEmbedding(ctx, force, 0)
	if err != nil {
		return res, eris.Wrap(err, "targets: list stale targets")
	}

	for _, batch := range chunk(targets, e.cfg.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = truncate(batch[i].EmbeddingText(), e.cfg.MaxChars)
		}

		res.Batches++
		vecs, backoffs, err := embedWithBackoff(ctx, e.client, texts, e.cfg.RateLimitBackoff, e.cfg.RateLimitMaxRetries, e.sleep)
		res.Backoffs += backoffs
		if err != nil {
			res.Processed += len(batch)
			res.Failed += len(batch)
			if resilience.IsRateLimit(err) {
				res.RateLimited = true
				break
			}
			log.Warn("targets: embedding batch failed", zap.Int("size", len(batch)), zap.Error(err))
			continue
		}

		for i := range batch {
			res.Processed++
			if err := e.store.SaveTargetEmbedding(context.WithoutCancel(ctx), batch[i].ID, vecs[i], e.now()); err != nil {
				res.Failed++
				log.Warn("targets: save failed", zap.String("target", batch[i].Name), zap.Error(err))
				continue
			}
			res.Succeeded++
		}
	}

	log.Info("targets: embeddings refreshed",
		zap.Bool("force", force),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
