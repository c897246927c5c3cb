// Package worker drains the document work queue: it claims pending
// documents in bounded batches, fetches them through the fetch collaborator
// and records each state transition with a conditional update.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/scrape"
	"github.com/sells-group/signal-cli/internal/store"
)

// QueueStore is the slice of the store the worker loop needs.
type QueueStore interface {
	ClaimPendingDocuments(ctx context.Context, limit int, now time.Time) ([]model.Document, error)
	CompleteScrape(ctx context.Context, id string, res store.ScrapeResult, now time.Time) (bool, error)
	FailScrape(ctx context.Context, id string, maxAttempts int, errMsg, errType string, now time.Time) (model.ScrapeStatus, error)
	ReleaseDocument(ctx context.Context, id string, now time.Time) (bool, error)
	CountDocumentsByStatus(ctx context.Context) (map[model.ScrapeStatus]int, error)
}

// Fetcher is the fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Result, error)
}

// Config controls batching and throttling.
type Config struct {
	BatchSize   int
	Parallelism int
	MaxAttempts int
	BatchDelay  time.Duration
	// Budget is checked before each batch. Zero means unbounded.
	Budget time.Duration
}

// Result summarizes one Run.
type Result struct {
	model.Summary
	Completed       int  `json:"completed"`
	MetadataOnly    int  `json:"metadata_only"`
	Retried         int  `json:"retried"`
	Released        int  `json:"released"`
	Batches         int  `json:"batches"`
	RateLimited     bool `json:"rate_limited,omitempty"`
	BudgetExhausted bool `json:"budget_exhausted,omitempty"`
}

// Detail converts the result into a stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["completed"] = r.Completed
	d["metadata_only"] = r.MetadataOnly
	d["retried"] = r.Retried
	d["released"] = r.Released
	d["batches"] = r.Batches
	if r.RateLimited {
		d["rate_limited"] = true
	}
	if r.BudgetExhausted {
		d["budget_exhausted"] = true
	}
	return d
}

// Loop is the scrape worker loop.
type Loop struct {
	store   QueueStore
	fetcher Fetcher
	cfg     Config
	now     func() time.Time
}

// NewLoop creates a worker loop. Zero config values take the defaults:
// batch size 5, parallelism 5, max attempts 3.
func NewLoop(st QueueStore, fetcher Fetcher, cfg Config) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Loop{
		store:   st,
		fetcher: fetcher,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run claims and processes batches until the queue is empty, the budget is
// spent, a rate limit is hit or ctx is done. The budget is a soft deadline:
// it only prevents a new batch from starting.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "worker"))
	start := time.Now()
	res := &Result{}

	for {
		if ctx.Err() != nil {
			break
		}
		if l.cfg.Budget > 0 && time.Since(start) >= l.cfg.Budget {
			res.BudgetExhausted = true
			log.Info("worker: budget exhausted", zap.Duration("elapsed", time.Since(start)))
			break
		}

		docs, err := l.store.ClaimPendingDocuments(ctx, l.cfg.BatchSize, l.now())
		if err != nil {
			return res, eris.Wrap(err, "worker: claim batch")
		}
		if len(docs) == 0 {
			break
		}
		res.Batches++

		rateLimited := l.processBatch(ctx, docs, res)
		log.Info("worker: batch complete",
			zap.Int("batch", res.Batches),
			zap.Int("size", len(docs)),
			zap.Int("processed", res.Processed),
		)
		if rateLimited {
			res.RateLimited = true
			log.Warn("worker: fetch collaborator rate limited, stopping run")
			break
		}

		if l.cfg.BatchDelay > 0 && !sleep(ctx, l.cfg.BatchDelay) {
			break
		}
	}

	if counts, err := l.store.CountDocumentsByStatus(context.WithoutCancel(ctx)); err == nil {
		res.Remaining = counts[model.ScrapeStatusPending]
	} else {
		log.Warn("worker: count remaining", zap.Error(err))
	}

	return res, nil
}

// processBatch fetches every document of the batch with bounded
// parallelism. Each transition is independent; store errors are logged and
// leave the document for the stuck sweep.
func (l *Loop) processBatch(ctx context.Context, docs []model.Document, res *Result) bool {
	var (
		mu          sync.Mutex
		rateLimited bool
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Parallelism)

	for _, doc := range docs {
		g.Go(func() error {
			o := l.processOne(gCtx, doc)
			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			switch o {
			case outcomeCompleted:
				res.Succeeded++
				res.Completed++
			case outcomeMetadataOnly:
				res.Succeeded++
				res.MetadataOnly++
			case outcomeRetry:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			case outcomeRateLimited:
				res.Released++
				rateLimited = true
			case outcomeReleased:
				res.Released++
			case outcomeSkipped:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return rateLimited
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeMetadataOnly
	outcomeRetry
	outcomeFailed
	outcomeRateLimited
	outcomeReleased
	outcomeSkipped
)

func (l *Loop) processOne(ctx context.Context, doc model.Document) outcome {
	log := zap.L().With(zap.String("component", "worker"), zap.String("document_id", doc.ID), zap.String("url", doc.URL))
	// Store writes must land even when the run is being cancelled.
	writeCtx := context.WithoutCancel(ctx)

	result, err := l.fetcher.Fetch(ctx, doc.URL)
	if err == nil {
		ok, err := l.store.CompleteScrape(writeCtx, doc.ID, store.ScrapeResult{
			Status:      result.Status,
			Title:       result.Page.Title,
			Content:     result.Page.Content,
			PublishedAt: result.Page.PublishedAt,
		}, l.now())
		if err != nil {
			log.Error("worker: complete scrape", zap.Error(err))
			return outcomeSkipped
		}
		if !ok {
			// Another run reset or finished the document first.
			log.Debug("worker: document no longer processing")
			return outcomeSkipped
		}
		if result.Status == model.ScrapeStatusMetadataOnly {
			return outcomeMetadataOnly
		}
		return outcomeCompleted
	}

	if resilience.IsRateLimit(err) || ctx.Err() != nil {
		if _, relErr := l.store.ReleaseDocument(writeCtx, doc.ID, l.now()); relErr != nil {
			log.Error("worker: release document", zap.Error(relErr))
		}
		if resilience.IsRateLimit(err) {
			return outcomeRateLimited
		}
		return outcomeReleased
	}

	maxAttempts := l.cfg.MaxAttempts
	if errors.Is(err, scrape.ErrExcluded) {
		maxAttempts = 1
	}
	status, failErr := l.store.FailScrape(writeCtx, doc.ID, maxAttempts, err.Error(), resilience.ClassifyError(err), l.now())
	if failErr != nil {
		log.Error("worker: record scrape failure", zap.Error(failErr))
		return outcomeSkipped
	}
	switch status {
	case model.ScrapeStatusFailed:
		log.Warn("worker: document failed permanently", zap.Error(err))
		return outcomeFailed
	case model.ScrapeStatusPending:
		log.Debug("worker: fetch failed, will retry", zap.Error(err))
		return outcomeRetry
	default:
		return outcomeSkipped
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
