// Package pipeline runs the signal stages in order and records every run for
// audit and alerting.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/cascade"
	"github.com/sells-group/signal-cli/internal/discovery"
	"github.com/sells-group/signal-cli/internal/enrich"
	"github.com/sells-group/signal-cli/internal/matcher"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/outcome"
	"github.com/sells-group/signal-cli/internal/worker"
)

// Stage names, in execution order.
const (
	StageDiscovery = "discovery"
	StageWorker    = "worker"
	StageSweep     = "sweep"
	StageMetadata  = "metadata"
	StageEmbedding = "embedding"
	StageTargets   = "targets"
	StageMatcher   = "matcher"
	StageCascade   = "cascade"
	StageOutcome   = "outcome"
)

// Detailer is implemented by every component result.
type Detailer interface {
	Detail() map[string]any
}

// Runner is a batch component with a Run method.
type Runner[R Detailer] interface {
	Run(ctx context.Context) (R, error)
}

// Sweeper resets stuck documents.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// TargetRefresher regenerates stale target embeddings.
type TargetRefresher interface {
	Run(ctx context.Context, force bool) (*enrich.Result, error)
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, kind model.RunKind, options map[string]any) (*model.PipelineRun, error)
	CompleteRun(ctx context.Context, run *model.PipelineRun) error
}

// Observer receives stage and run outcomes, e.g. for metrics.
type Observer interface {
	ObserveStage(kind model.RunKind, stage model.StageResult)
	ObserveRun(run *model.PipelineRun)
}

// RunPublisher announces completed runs.
type RunPublisher interface {
	PublishRun(ctx context.Context, run *model.PipelineRun) error
}

// Components are the stage implementations. A nil component is recorded as
// a skipped stage.
type Components struct {
	Discovery Runner[*discovery.Result]
	Worker    Runner[*worker.Result]
	Sweeper   Sweeper
	Metadata  Runner[*enrich.Result]
	Embedding Runner[*enrich.Result]
	Targets   TargetRefresher
	Matcher   Runner[*matcher.Result]
	Cascade   Runner[*cascade.Result]
	Outcome   Runner[*outcome.Result]
}

// Config holds per-stage budgets. Components check their own budget before
// each batch and never start a new one past it. The orchestrator also
// cancels the stage context once budget plus Grace has elapsed. That cancel
// is preemptive: in-flight fetch, completion and embedding calls are aborted
// mid-batch, claimed documents are released back to pending and the stage
// is recorded as failed. Set Grace above the slowest expected call to keep
// the soft budget the only limit in practice.
type Config struct {
	Budgets map[string]time.Duration
	Grace   time.Duration
}

// Options select stages for one pipeline run.
type Options struct {
	Skip         []string `json:"skip,omitempty"`
	ForceTargets bool     `json:"force_targets,omitempty"`
}

func (o Options) skipped(name string) bool {
	for _, s := range o.Skip {
		if s == name {
			return true
		}
	}
	return false
}

func (o Options) asMap() map[string]any {
	m := map[string]any{}
	if len(o.Skip) > 0 {
		m["skip"] = o.Skip
	}
	if o.ForceTargets {
		m["force_targets"] = true
	}
	return m
}

// Orchestrator executes the stages of a run.
type Orchestrator struct {
	store     RunStore
	comp      Components
	cfg       Config
	observer  Observer
	publisher RunPublisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver attaches a stage/run observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithPublisher attaches a run publisher.
func WithPublisher(p RunPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// New creates an Orchestrator.
func New(st RunStore, comp Components, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	o := &Orchestrator{store: st, comp: comp, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// stage is one step of a run. run is nil when the component is absent.
type stage struct {
	name string
	run  func(ctx context.Context) (map[string]any, error)
}

func runnerStage[R Detailer](name string, r Runner[R]) stage {
	s := stage{name: name}
	if r == nil {
		return s
	}
	s.run = func(ctx context.Context) (map[string]any, error) {
		res, err := r.Run(ctx)
		return detail(res), err
	}
	return s
}

// detail returns nil for a nil result from a failed component.
func detail[R Detailer](res R) map[string]any {
	var zero R
	if any(res) == any(zero) {
		return nil
	}
	return res.Detail()
}

// Run executes discovery, worker, sweep, metadata, embedding, target refresh,
// matcher and cascade detection in that order. A failed stage is recorded and
// the next stage still runs. The run is completed only when every executed
// stage succeeded, otherwise partial.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*model.PipelineRun, error) {
	sweep := stage{name: StageSweep}
	if o.comp.Sweeper != nil {
		sweep.run = func(ctx context.Context) (map[string]any, error) {
			n, err := o.comp.Sweeper.Sweep(ctx)
			return map[string]any{"reset": n}, err
		}
	}
	targets := stage{name: StageTargets}
	if o.comp.Targets != nil {
		targets.run = func(ctx context.Context) (map[string]any, error) {
			res, err := o.comp.Targets.Run(ctx, opts.ForceTargets)
			return detail(res), err
		}
	}

	stages := []stage{
		runnerStage(StageDiscovery, o.comp.Discovery),
		runnerStage(StageWorker, o.comp.Worker),
		sweep,
		runnerStage(StageMetadata, o.comp.Metadata),
		runnerStage(StageEmbedding, o.comp.Embedding),
		targets,
		runnerStage(StageMatcher, o.comp.Matcher),
		runnerStage(StageCascade, o.comp.Cascade),
	}
	return o.execute(ctx, model.RunKindPipeline, opts.asMap(), stages, opts.skipped)
}

// RunCascade records a standalone cascade detection run.
func (o *Orchestrator) RunCascade(ctx context.Context) (*model.PipelineRun, error) {
	return o.execute(ctx, model.RunKindCascade, nil,
		[]stage{runnerStage(StageCascade, o.comp.Cascade)}, nil)
}

// RunOutcome records a standalone outcome validation run.
func (o *Orchestrator) RunOutcome(ctx context.Context) (*model.PipelineRun, error) {
	return o.execute(ctx, model.RunKindOutcome, nil,
		[]stage{runnerStage(StageOutcome, o.comp.Outcome)}, nil)
}

func (o *Orchestrator) execute(ctx context.Context, kind model.RunKind, options map[string]any, stages []stage, skip func(string) bool) (*model.PipelineRun, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("kind", string(kind)))

	run, err := o.store.CreateRun(ctx, kind, options)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started", zap.Int("stages", len(stages)))

	start := time.Now()
	for _, s := range stages {
		var sr model.StageResult
		switch {
		case s.run == nil || (skip != nil && skip(s.name)):
			sr = model.StageResult{Name: s.name, Success: true, Skipped: true}
		case ctx.Err() != nil:
			sr = model.StageResult{Name: s.name, Error: eris.Wrap(ctx.Err(), "pipeline: run cancelled").Error()}
		default:
			sr = o.runStage(ctx, s, log)
		}
		run.Stages = append(run.Stages, sr)
		if o.observer != nil {
			o.observer.ObserveStage(kind, sr)
		}
	}

	run.Status = model.RunStatusCompleted
	if !run.Succeeded() {
		run.Status = model.RunStatusPartial
		// A standalone run has a single stage, so its failure fails the run.
		if kind != model.RunKindPipeline {
			run.Status = model.RunStatusFailed
		}
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.DurationMs = time.Since(start).Milliseconds()

	// The audit record is written even when the caller's context ended.
	wctx := context.WithoutCancel(ctx)
	if err := o.store.CompleteRun(wctx, run); err != nil {
		log.Error("pipeline: complete run", zap.Error(err))
	}
	if o.observer != nil {
		o.observer.ObserveRun(run)
	}
	if o.publisher != nil {
		if err := o.publisher.PublishRun(wctx, run); err != nil {
			log.Warn("pipeline: publish run", zap.Error(err))
		}
	}

	log.Info("pipeline: run complete",
		zap.String("status", string(run.Status)),
		zap.Int64("duration_ms", run.DurationMs),
	)
	return run, nil
}

func (o *Orchestrator) runStage(ctx context.Context, s stage, log *zap.Logger) model.StageResult {
	sctx := ctx
	if budget := o.cfg.Budgets[s.name]; budget > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, budget+o.cfg.Grace)
		defer cancel()
	}

	start := time.Now()
	det, err := s.run(sctx)
	if err == nil && ctx.Err() == nil && sctx.Err() != nil {
		// Components stop quietly on cancellation; a stage cut off by its
		// hard deadline did not finish its work.
		err = eris.Wrapf(sctx.Err(), "pipeline: stage %s exceeded budget", s.name)
	}
	sr := model.StageResult{
		Name:       s.name,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     det,
	}
	if err != nil {
		sr.Error = err.Error()
		log.Error("pipeline: stage failed",
			zap.String("stage", s.name),
			zap.Int64("duration_ms", sr.DurationMs),
			zap.Error(err),
		)
		return sr
	}
	log.Info("pipeline: stage complete",
		zap.String("stage", s.name),
		zap.Int64("duration_ms", sr.DurationMs),
		zap.Any("detail", det),
	)
	return sr
}
