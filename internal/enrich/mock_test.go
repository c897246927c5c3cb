package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/signal-cli/internal/llm"
	"github.com/sells-group/signal-cli/internal/model"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Get(1).(llm.Usage), args.Error(2)
}

// fakeEmbedder returns a deterministic vector per text and fails the first
// failures calls with err.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	batches  [][]string
	err      error
	failures int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.failures < 0 || f.calls <= f.failures) {
		return nil, f.err
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type memStore struct {
	mu         sync.Mutex
	docs       []model.Document
	metadata   map[string]*model.DocumentMetadata
	embeddings map[string][]float32
	targets    []model.Target
	targetVecs map[string][]float32
	listLimit  int
}

func newMemStore(docs ...model.Document) *memStore {
	return &memStore{
		docs:       docs,
		metadata:   map[string]*model.DocumentMetadata{},
		embeddings: map[string][]float32{},
		targetVecs: map[string][]float32{},
	}
}

func (s *memStore) ListDocumentsNeedingMetadata(_ context.Context, _ time.Time, limit int) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLimit = limit
	var out []model.Document
	for _, d := range s.docs {
		if _, ok := s.metadata[d.ID]; !ok && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) SaveDocumentMetadata(_ context.Context, id string, meta *model.DocumentMetadata, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[id] = meta
	return nil
}

func (s *memStore) ListDocumentsNeedingEmbedding(_ context.Context, _ time.Time, limit int) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listLimit = limit
	var out []model.Document
	for _, d := range s.docs {
		if _, ok := s.embeddings[d.ID]; !ok && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) SaveDocumentEmbedding(_ context.Context, id string, vec []float32, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[id] = vec
	return true, nil
}

func (s *memStore) ListTargetsNeedingEmbedding(_ context.Context, force bool, _ int) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Target
	for _, t := range s.targets {
		if force || t.EmbeddingStale() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) SaveTargetEmbedding(_ context.Context, id string, vec []float32, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetVecs[id] = vec
	return nil
}
