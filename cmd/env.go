package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/cascade"
	"github.com/sells-group/signal-cli/internal/config"
	"github.com/sells-group/signal-cli/internal/discovery"
	"github.com/sells-group/signal-cli/internal/enrich"
	"github.com/sells-group/signal-cli/internal/events"
	"github.com/sells-group/signal-cli/internal/llm"
	"github.com/sells-group/signal-cli/internal/matcher"
	"github.com/sells-group/signal-cli/internal/monitoring"
	"github.com/sells-group/signal-cli/internal/outcome"
	"github.com/sells-group/signal-cli/internal/pipeline"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/scrape"
	"github.com/sells-group/signal-cli/internal/store"
	"github.com/sells-group/signal-cli/internal/worker"
	"github.com/sells-group/signal-cli/pkg/anthropic"
	"github.com/sells-group/signal-cli/pkg/embedding"
	"github.com/sells-group/signal-cli/pkg/firecrawl"
	"github.com/sells-group/signal-cli/pkg/jina"
)

// signalEnv holds the store, the wired components and the orchestrator
// needed by the run commands and the server.
type signalEnv struct {
	Store    store.Store
	Orch     *pipeline.Orchestrator
	Targets  *enrich.TargetEmbedder // nil without an embedding key
	Metrics  *monitoring.Metrics
	Telegram *monitoring.TelegramNotifier // nil unless configured
	nats     *events.NATSPublisher
}

// Close releases the event connection and the store.
func (e *signalEnv) Close() {
	if e.nats != nil {
		if err := e.nats.Close(); err != nil {
			zap.L().Warn("close nats", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// initEnv validates cfg for mode, opens the store and wires every component
// the configuration allows. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*signalEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &signalEnv{Store: st, Metrics: monitoring.NewMetrics()}

	fanout := events.NewFanout()
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS)
		if err != nil {
			// Events are best effort; the pipeline runs without them.
			zap.L().Warn("nats unavailable, events disabled", zap.Error(err))
		} else {
			env.nats = pub
			fanout.AddAlerts(pub).AddRuns(pub)
		}
	}
	if cfg.Telegram.BotToken != "" {
		tg, err := monitoring.NewTelegramNotifier(cfg.Telegram)
		if err != nil {
			zap.L().Warn("telegram unavailable, chat alerts disabled", zap.Error(err))
		} else {
			env.Telegram = tg
			fanout.AddAlerts(tg)
		}
	}

	var jinaClient jina.Client
	if cfg.Jina.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
		if cfg.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		jinaClient = jina.NewClient(cfg.Jina.Key, jinaOpts...)
	}

	var completer llm.Completer
	if cfg.Anthropic.Key != "" {
		completer = llm.NewGateway(
			anthropic.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.Model,
			cfg.Anthropic.MaxTokens,
			llm.WithBreaker(resilience.NewCircuitBreaker("anthropic", resilience.DefaultCircuitBreakerConfig())),
		)
	}

	var embedder embedding.Client
	if cfg.OpenAI.Key != "" {
		embedder = embedding.NewClient(embedding.Config{
			APIKey:         cfg.OpenAI.Key,
			BaseURL:        cfg.OpenAI.BaseURL,
			Model:          cfg.OpenAI.EmbeddingModel,
			Dimensions:     cfg.OpenAI.Dimensions,
			RequestsPerSec: cfg.OpenAI.RequestsPerSec,
		})
	}

	comp := buildComponents(st, fanout, jinaClient, completer, embedder)
	if tgt, ok := comp.Targets.(*enrich.TargetEmbedder); ok {
		env.Targets = tgt
	}

	env.Orch = pipeline.New(st, comp, pipeline.Config{
		Budgets: map[string]time.Duration{
			pipeline.StageDiscovery: config.Budget(cfg.Pipeline.DiscoveryBudgetSecs),
			pipeline.StageWorker:    config.Budget(cfg.Pipeline.WorkerBudgetSecs),
			pipeline.StageMetadata:  config.Budget(cfg.Pipeline.MetadataBudgetSecs),
			pipeline.StageEmbedding: config.Budget(cfg.Pipeline.EmbeddingBudgetSecs),
			pipeline.StageTargets:   config.Budget(cfg.Pipeline.EmbeddingBudgetSecs),
			pipeline.StageMatcher:   config.Budget(cfg.Pipeline.MatcherBudgetSecs),
			pipeline.StageCascade:   config.Budget(cfg.Pipeline.CascadeBudgetSecs),
			pipeline.StageOutcome:   config.Budget(cfg.Pipeline.OutcomeBudgetSecs),
		},
	}, pipeline.WithObserver(env.Metrics), pipeline.WithPublisher(fanout))

	return env, nil
}

// buildComponents wires each stage whose collaborators are configured. A
// stage left nil is recorded as skipped by the orchestrator.
func buildComponents(st store.Store, pub cascade.Publisher, jinaClient jina.Client, completer llm.Completer, embedder embedding.Client) pipeline.Components {
	var comp pipeline.Components
	recency := days(cfg.Enrich.RecencyDays)

	var scrapers []scrape.Scraper
	for _, name := range cfg.Fetch.Providers {
		switch name {
		case "jina":
			if jinaClient != nil {
				scrapers = append(scrapers, scrape.NewJinaAdapter(jinaClient))
			}
		case "local":
			scrapers = append(scrapers, scrape.NewLocalScraper(cfg.Fetch.UserAgent, config.Budget(cfg.Fetch.TimeoutSecs)))
		case "firecrawl":
			if cfg.Firecrawl.Key != "" {
				scrapers = append(scrapers, scrape.NewFirecrawlAdapter(
					firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))))
			}
		default:
			zap.L().Warn("unknown fetch provider", zap.String("provider", name))
		}
	}
	if len(scrapers) > 0 {
		chain := scrape.NewChain(scrape.ChainConfig{
			Timeout:         config.Budget(cfg.Fetch.TimeoutSecs),
			PerHostRPS:      cfg.Fetch.PerHostRPS,
			MinContentChars: cfg.Fetch.MinContentChars,
			Breaker:         resilience.DefaultCircuitBreakerConfig(),
		}, scrapers...)
		comp.Worker = worker.NewLoop(st, chain, worker.Config{
			BatchSize:   cfg.Worker.BatchSize,
			Parallelism: cfg.Worker.Parallelism,
			MaxAttempts: cfg.Worker.MaxAttempts,
			BatchDelay:  time.Duration(cfg.Worker.BatchDelayMs) * time.Millisecond,
			Budget:      config.Budget(cfg.Pipeline.WorkerBudgetSecs),
		})
	}
	comp.Sweeper = worker.NewSweeper(st, time.Duration(cfg.Worker.StuckThresholdMin)*time.Minute)

	if cfg.Discovery.Enabled && jinaClient != nil {
		comp.Discovery = discovery.NewSearcher(st, jinaClient, discovery.Config{
			OrganizationID:     cfg.Matcher.OrganizationID,
			ResultsPerTarget:   cfg.Discovery.ResultsPerTarget,
			RequestsPerSec:     cfg.Discovery.RequestsPerSec,
			SiteFilters:        cfg.Discovery.SiteFilters,
			DirectoryBlocklist: cfg.Discovery.DirectoryBlocklist,
			MaxResultAge:       days(cfg.Discovery.MaxResultAgeDays),
			Budget:             config.Budget(cfg.Pipeline.DiscoveryBudgetSecs),
		})
	}

	if completer != nil {
		comp.Metadata = enrich.NewMetadataBatcher(st, completer, enrich.MetadataConfig{
			BatchSize:   cfg.Enrich.MetadataBatchSize,
			MaxBatches:  cfg.Enrich.MetadataMaxBatches,
			Parallelism: cfg.Enrich.MetadataParallelism,
			MaxChars:    cfg.Enrich.MetadataMaxChars,
			Recency:     recency,
			Budget:      config.Budget(cfg.Pipeline.MetadataBudgetSecs),
		})
	}

	if embedder != nil {
		ecfg := enrich.EmbeddingConfig{
			BatchSize:           cfg.Enrich.EmbeddingBatchSize,
			MaxBatches:          cfg.Enrich.EmbeddingMaxBatches,
			MaxChars:            cfg.Enrich.EmbeddingMaxChars,
			Recency:             recency,
			Budget:              config.Budget(cfg.Pipeline.EmbeddingBudgetSecs),
			RateLimitBackoff:    config.Budget(cfg.Enrich.RateLimitBackoffSecs),
			RateLimitMaxRetries: cfg.Enrich.RateLimitMaxRetries,
		}
		comp.Embedding = enrich.NewEmbeddingBatcher(st, embedder, ecfg)
		comp.Targets = enrich.NewTargetEmbedder(st, embedder, ecfg)
	}

	comp.Matcher = matcher.New(st, matcher.Config{
		Threshold:       cfg.Matcher.Threshold,
		NameWeight:      cfg.Matcher.NameWeight,
		KeywordWeight:   cfg.Matcher.KeywordWeight,
		KeywordCap:      cfg.Matcher.KeywordCap,
		CosineWeight:    cfg.Matcher.CosineWeight,
		RecencyWeight:   cfg.Matcher.RecencyWeight,
		RecencyHalfLife: cfg.Matcher.RecencyHalfLife,
		EventBonus:      cfg.Matcher.EventBonus,
		BatchSize:       cfg.Matcher.BatchSize,
		OrganizationID:  cfg.Matcher.OrganizationID,
		Lookback:        recency,
		Budget:          config.Budget(cfg.Pipeline.MatcherBudgetSecs),
	})

	comp.Cascade = newDetector(st, pub)

	if completer != nil {
		comp.Outcome = outcome.NewValidator(st, embedder, completer, outcome.Config{
			Maturation:    days(cfg.Outcome.MaturationDays),
			Grace:         days(cfg.Outcome.GraceDays),
			BatchSize:     cfg.Outcome.BatchSize,
			EvidenceLimit: cfg.Outcome.EvidenceLimit,
			MinSimilarity: cfg.Outcome.MinSimilarity,
			AccurateMatch: cfg.Outcome.AccurateMatch,
			PartialMatch:  cfg.Outcome.PartialMatch,
			SnippetChars:  cfg.Outcome.SnippetChars,
			Budget:        config.Budget(cfg.Pipeline.OutcomeBudgetSecs),
		})
	}

	return comp
}

func newDetector(st store.Store, pub cascade.Publisher) *cascade.Detector {
	return cascade.NewDetector(st, pub, cascade.Config{
		Lookback:              time.Duration(cfg.Cascade.LookbackHours) * time.Hour,
		MinPatternConfidence:  cfg.Cascade.MinPatternConfidence,
		ProgressionMinOverlap: cfg.Cascade.ProgressionMinOverlap,
		ProgressionMinRatio:   cfg.Cascade.ProgressionMinRatio,
		ProgressionLookback:   days(cfg.Cascade.ProgressionLookbackDays),
		OrganizationID:        cfg.Matcher.OrganizationID,
		Budget:                config.Budget(cfg.Pipeline.CascadeBudgetSecs),
	})
}
