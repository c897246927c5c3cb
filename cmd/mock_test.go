package main

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/pipeline"
	"github.com/sells-group/signal-cli/internal/store"
)

type mockRunner struct {
	mock.Mock
	// started receives once Run is entered; block then holds Run until
	// closed. Both are optional.
	started chan struct{}
	block   chan struct{}
}

func (m *mockRunner) Run(ctx context.Context, opts pipeline.Options) (*model.PipelineRun, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	args := m.Called(ctx, opts)
	run, _ := args.Get(0).(*model.PipelineRun)
	return run, args.Error(1)
}

func (m *mockRunner) RunCascade(ctx context.Context) (*model.PipelineRun, error) {
	args := m.Called(ctx)
	run, _ := args.Get(0).(*model.PipelineRun)
	return run, args.Error(1)
}

func (m *mockRunner) RunOutcome(ctx context.Context) (*model.PipelineRun, error) {
	args := m.Called(ctx)
	run, _ := args.Get(0).(*model.PipelineRun)
	return run, args.Error(1)
}

type mockRunReader struct {
	mock.Mock
}

func (m *mockRunReader) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*model.PipelineRun)
	return run, args.Error(1)
}

func (m *mockRunReader) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	args := m.Called(ctx, filter)
	runs, _ := args.Get(0).([]model.PipelineRun)
	return runs, args.Error(1)
}
