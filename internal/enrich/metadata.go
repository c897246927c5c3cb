package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-cli/internal/llm"
	"github.com/sells-group/signal-cli/internal/matcher"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

const metadataSystemPrompt = `You extract structured metadata from news and web documents for a competitive intelligence system.
For every document in the input, return one object with:
- "index": the document index from the input
- "summary": one or two factual sentences
- "entities": organizations and people named in the document
- "topics": up to five short topic labels
- "event_types": zero or more of leadership_change, acquisition, launch, lawsuit, regulatory, funding, layoffs, partnership, earnings
- "sentiment": positive, negative, neutral or mixed
Respond with JSON only: {"documents": [ ... ]}`

// MetadataStore is the slice of the store the metadata batcher needs.
type MetadataStore interface {
	ListDocumentsNeedingMetadata(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	SaveDocumentMetadata(ctx context.Context, id string, meta *model.DocumentMetadata, now time.Time) error
}

// MetadataConfig controls metadata batching.
type MetadataConfig struct {
	BatchSize   int // documents per completion
	MaxBatches  int
	Parallelism int
	MaxChars    int // per document, in runes
	Recency     time.Duration
	Budget      time.Duration
}

type extracted struct {
	Index      int      `json:"index"`
	Summary    string   `json:"summary"`
	Entities   []string `json:"entities"`
	Topics     []string `json:"topics"`
	EventTypes []string `json:"event_types"`
	Sentiment  string   `json:"sentiment"`
}

type metadataResponse struct {
	Documents []extracted `json:"documents"`
}

// MetadataBatcher extracts structured metadata for recently scraped documents.
type MetadataBatcher struct {
	store MetadataStore
	llm   llm.Completer
	cfg   MetadataConfig
	now   func() time.Time
}

// NewMetadataBatcher creates a metadata batcher. Zero config values take the
// defaults: 10 documents per batch, 5 batches, parallelism 3, 6000 runes.
func NewMetadataBatcher(st MetadataStore, c llm.Completer, cfg MetadataConfig) *MetadataBatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 5
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 3
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 6000
	}
	return &MetadataBatcher{store: st, llm: c, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Run processes up to MaxBatches batches. A malformed completion falls back to
// heuristic metadata; a gateway error leaves the batch for the next run. A
// rate limit stops new batches from starting.
func (b *MetadataBatcher) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "metadata"))
	start := time.Now()
	res := &Result{}

	docs, err := b.store.ListDocumentsNeedingMetadata(ctx, since(b.now(), b.cfg.Recency), b.cfg.BatchSize*b.cfg.MaxBatches)
	if err != nil {
		return res, eris.Wrap(err, "metadata: list documents")
	}
	if len(docs) == 0 {
		return res, nil
	}

	var (
		mu          sync.Mutex
		rateLimited bool
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)

	for _, batch := range chunk(docs, b.cfg.BatchSize) {
		mu.Lock()
		stop := rateLimited
		mu.Unlock()
		if stop || gCtx.Err() != nil {
			break
		}
		if b.cfg.Budget > 0 && time.Since(start) >= b.cfg.Budget {
			mu.Lock()
			res.BudgetExhausted = true
			mu.Unlock()
			break
		}

		g.Go(func() error {
			mu.Lock()
			skip := rateLimited
			mu.Unlock()
			if skip {
				return nil
			}
			out := b.processBatch(gCtx, batch)

			mu.Lock()
			defer mu.Unlock()
			res.Batches++
			res.Processed += len(batch)
			res.Succeeded += out.saved
			res.Fallbacks += out.fallbacks
			res.Failed += out.failed
			res.Usage.Add(out.usage)
			if out.rateLimited {
				rateLimited = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res.RateLimited = rateLimited
	log.Info("metadata: run complete",
		zap.Int("batches", res.Batches),
		zap.Int("processed", res.Processed),
		zap.Int("fallbacks", res.Fallbacks),
		zap.Int("failed", res.Failed),
		zap.Bool("rate_limited", res.RateLimited),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

type batchOutcome struct {
	saved       int
	fallbacks   int
	failed      int
	rateLimited bool
	usage       model.TokenUsage
}

func (b *MetadataBatcher) processBatch(ctx context.Context, batch []model.Document) batchOutcome {
	log := zap.L().With(zap.String("component", "metadata"))
	var out batchOutcome

	result := llm.CompleteJSON(ctx, b.llm, llm.Request{
		System:    metadataSystemPrompt,
		Prompt:    b.prompt(batch),
		MaxTokens: int64(400 * len(batch)),
		Phase:     "metadata",
	}, metadataResponse{}, func(r *metadataResponse) error {
		if len(r.Documents) == 0 {
			return eris.New("no documents in response")
		}
		return nil
	})
	out.usage = model.TokenUsage{
		InputTokens:  int(result.Usage.InputTokens),
		OutputTokens: int(result.Usage.OutputTokens),
		Cost:         result.Usage.Cost,
	}

	if result.IsErr() {
		out.failed = len(batch)
		out.rateLimited = resilience.IsRateLimit(result.Err)
		log.Warn("metadata: completion failed, batch deferred",
			zap.Int("size", len(batch)),
			zap.Bool("rate_limited", out.rateLimited),
			zap.Error(result.Err),
		)
		return out
	}
	if result.IsFallback() {
		log.Warn("metadata: malformed completion, using heuristic metadata", zap.String("reason", result.Reason))
	}

	byIndex := make(map[int]extracted, len(result.Value.Documents))
	for _, e := range result.Value.Documents {
		byIndex[e.Index] = e
	}

	writeCtx := context.WithoutCancel(ctx)
	for i := range batch {
		doc := &batch[i]
		meta := Heuristic(doc)
		if e, ok := byIndex[i]; ok && strings.TrimSpace(e.Summary) != "" {
			meta = fromExtracted(e)
		} else {
			out.fallbacks++
		}
		if err := b.store.SaveDocumentMetadata(writeCtx, doc.ID, meta, b.now()); err != nil {
			out.failed++
			log.Warn("metadata: save failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		out.saved++
	}
	return out
}

func (b *MetadataBatcher) prompt(batch []model.Document) string {
	var sb strings.Builder
	for i := range batch {
		fmt.Fprintf(&sb, "<document index=\"%d\" url=%q>\n%s\n</document>\n", i, batch[i].URL, truncate(batch[i].Text(), b.cfg.MaxChars))
	}
	return sb.String()
}

func fromExtracted(e extracted) *model.DocumentMetadata {
	sentiment := strings.ToLower(strings.TrimSpace(e.Sentiment))
	switch sentiment {
	case "positive", "negative", "neutral", "mixed":
	default:
		sentiment = "neutral"
	}
	return &model.DocumentMetadata{
		Summary:    strings.TrimSpace(e.Summary),
		Entities:   e.Entities,
		Topics:     e.Topics,
		EventTypes: matcher.MergeEventTypes(e.EventTypes),
		Sentiment:  sentiment,
		Source:     "llm",
	}
}

// Heuristic builds conservative metadata without the completion gateway:
// the leading sentences as summary and regex-detected event types.
func Heuristic(doc *model.Document) *model.DocumentMetadata {
	summary := firstSentences(doc.Content, 280)
	if summary == "" {
		summary = doc.Title
	}
	return &model.DocumentMetadata{
		Summary:    summary,
		EventTypes: matcher.DetectEventTypes(doc.Text()),
		Sentiment:  "neutral",
		Source:     "heuristic",
	}
}
