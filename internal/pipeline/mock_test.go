package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/enrich"
	"github.com/sells-group/signal-cli/internal/model"
)

// fakeRunner returns a canned result and records the order of calls.
type fakeRunner[R Detailer] struct {
	name  string
	res   R
	err   error
	block bool
	// quiet makes a blocked runner return without an error once cancelled.
	quiet bool
	order *[]string
}

func (f *fakeRunner[R]) Run(ctx context.Context) (R, error) {
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
	if f.block {
		<-ctx.Done()
		if f.quiet {
			return f.res, nil
		}
		return f.res, ctx.Err()
	}
	return f.res, f.err
}

type fakeSweeper struct {
	n     int
	order *[]string
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	*f.order = append(*f.order, StageSweep)
	return f.n, nil
}

type fakeTargets struct {
	force []bool
	order *[]string
}

func (f *fakeTargets) Run(_ context.Context, force bool) (*enrich.Result, error) {
	*f.order = append(*f.order, StageTargets)
	f.force = append(f.force, force)
	return &enrich.Result{}, nil
}

type mockRunStore struct {
	mock.Mock
}

func (m *mockRunStore) CreateRun(ctx context.Context, kind model.RunKind, options map[string]any) (*model.PipelineRun, error) {
	args := m.Called(ctx, kind, options)
	if v := args.Get(0); v != nil {
		return v.(*model.PipelineRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRunStore) CompleteRun(ctx context.Context, run *model.PipelineRun) error {
	return m.Called(ctx, run).Error(0)
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []model.StageResult
	runs   []*model.PipelineRun
}

func (r *recordingObserver) ObserveStage(_ model.RunKind, s model.StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recordingObserver) ObserveRun(run *model.PipelineRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

type recordingRunPublisher struct {
	runs []string
	err  error
}

func (p *recordingRunPublisher) PublishRun(_ context.Context, run *model.PipelineRun) error {
	p.runs = append(p.runs, run.ID)
	return p.err
}
