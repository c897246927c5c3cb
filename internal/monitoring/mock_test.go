package monitoring

import (
	"context"
	"sync"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

type mockStore struct {
	runs     []model.PipelineRun
	counts   map[model.ScrapeStatus]int
	listErr  error
	countErr error
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.PipelineRun
	for _, r := range m.runs {
		if !filter.Since.IsZero() && r.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockStore) CountDocumentsByStatus(context.Context) (map[model.ScrapeStatus]int, error) {
	return m.counts, m.countErr
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}
