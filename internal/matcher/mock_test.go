package matcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error) {
	args := m.Called(ctx, organizationID)
	targets, _ := args.Get(0).([]model.Target)
	return targets, args.Error(1)
}

func (m *mockStore) ListUnmatchedDocuments(ctx context.Context, since time.Time, limit int) ([]model.Document, error) {
	args := m.Called(ctx, since, limit)
	docs, _ := args.Get(0).([]model.Document)
	return docs, args.Error(1)
}

func (m *mockStore) MarkDocumentMatched(ctx context.Context, id string, now time.Time) error {
	return m.Called(ctx, id, now).Error(0)
}

func (m *mockStore) InsertSignal(ctx context.Context, s *model.Signal) (bool, error) {
	args := m.Called(ctx, s)
	if s.ID == "" {
		s.ID = "sig-" + s.DocumentID + "-" + s.TargetID
	}
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockStore) ListSignals(ctx context.Context, filter store.SignalFilter) ([]model.Signal, error) {
	args := m.Called(ctx, filter)
	signals, _ := args.Get(0).([]model.Signal)
	return signals, args.Error(1)
}

func (m *mockStore) ListPredictions(ctx context.Context, filter store.PredictionFilter) ([]model.Prediction, error) {
	args := m.Called(ctx, filter)
	preds, _ := args.Get(0).([]model.Prediction)
	return preds, args.Error(1)
}

// flakyPredictionStore fails the first failures InsertPrediction calls.
type flakyPredictionStore struct {
	*store.SQLiteStore
	failures int
}

func (s *flakyPredictionStore) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	if s.failures > 0 {
		s.failures--
		return eris.New("database is locked")
	}
	return s.SQLiteStore.InsertPrediction(ctx, p)
}
