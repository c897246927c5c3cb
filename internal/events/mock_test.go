package events

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/model"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func (m *mockConn) FlushTimeout(timeout time.Duration) error {
	args := m.Called(timeout)
	return args.Error(0)
}

func (m *mockConn) Drain() error {
	args := m.Called()
	return args.Error(0)
}

type recordingPublisher struct {
	alerts []*model.Signal
	runs   []*model.PipelineRun
	err    error
}

func (r *recordingPublisher) PublishAlert(_ context.Context, alert *model.Signal) error {
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingPublisher) PublishRun(_ context.Context, run *model.PipelineRun) error {
	r.runs = append(r.runs, run)
	return r.err
}
