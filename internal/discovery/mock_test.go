package discovery

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error) {
	args := m.Called(ctx, organizationID)
	if v := args.Get(0); v != nil {
		return v.([]model.Target), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) EnqueueDocuments(ctx context.Context, docs []model.Document) (int, error) {
	args := m.Called(ctx, docs)
	return args.Int(0), args.Error(1)
}
