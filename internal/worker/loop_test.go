package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/scrape"
	"github.com/sells-group/signal-cli/internal/store"
)

// fakeFetcher returns a full page unless a URL-specific error is configured.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string]error
	status model.ScrapeStatus
	delay  time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, errs: map[string]error{}, status: model.ScrapeStatusCompleted}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*scrape.Result, error) {
	f.mu.Lock()
	f.calls[url]++
	err := f.errs[url]
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}
	return &scrape.Result{
		Page:   scrape.Page{URL: url, Title: "Title " + url, Content: strings.Repeat("body ", 50)},
		Source: "fake",
		Status: f.status,
	}, nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func enqueueN(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	urls := make([]string, n)
	docs := make([]model.Document, n)
	for i := range n {
		urls[i] = fmt.Sprintf("https://news.example/%d", i)
		docs[i] = model.Document{ID: fmt.Sprintf("doc-%d", i), URL: urls[i]}
	}
	_, err := st.EnqueueDocuments(context.Background(), docs)
	require.NoError(t, err)
	return urls
}

func TestLoop_DrainsQueueInBatches(t *testing.T) {
	st := newTestStore(t)
	enqueueN(t, st, 10)
	f := newFakeFetcher()

	res, err := NewLoop(st, f, Config{BatchSize: 5, Parallelism: 5, MaxAttempts: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 10, res.Completed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 10, f.totalCalls())

	counts, err := st.CountDocumentsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, counts[model.ScrapeStatusCompleted])
}

func TestLoop_CompletedDocumentsAreNotRefetched(t *testing.T) {
	st := newTestStore(t)
	enqueueN(t, st, 3)
	f := newFakeFetcher()
	loop := NewLoop(st, f, Config{BatchSize: 5})

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	before, err := st.GetDocument(context.Background(), "doc-0")
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 3, f.totalCalls())

	after, err := st.GetDocument(context.Background(), "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusCompleted, after.ScrapeStatus)
	assert.Equal(t, before.ScrapedAt, after.ScrapedAt)
}

func TestLoop_MetadataOnly(t *testing.T) {
	st := newTestStore(t)
	enqueueN(t, st, 2)
	f := newFakeFetcher()
	f.status = model.ScrapeStatusMetadataOnly

	res, err := NewLoop(st, f, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MetadataOnly)
	assert.Equal(t, 2, res.Succeeded)

	doc, err := st.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusMetadataOnly, doc.ScrapeStatus)
}

func TestLoop_RetriesThenFails(t *testing.T) {
	st := newTestStore(t)
	urls := enqueueN(t, st, 2)
	f := newFakeFetcher()
	f.errs[urls[0]] = eris.New("local_http: status 404")

	res, err := NewLoop(st, f, Config{BatchSize: 5, MaxAttempts: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, f.calls[urls[0]])

	doc, err := st.GetDocument(context.Background(), "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusFailed, doc.ScrapeStatus)
	assert.Equal(t, 2, doc.ScrapeAttempts)
	assert.Equal(t, resilience.ClassPermanent, doc.ErrorType)
	assert.Contains(t, doc.ScrapeError, "404")
}

func TestLoop_ExcludedURLFailsImmediately(t *testing.T) {
	st := newTestStore(t)
	urls := enqueueN(t, st, 1)
	f := newFakeFetcher()
	f.errs[urls[0]] = eris.Wrap(scrape.ErrExcluded, "scrape: pdf")

	res, err := NewLoop(st, f, Config{MaxAttempts: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.calls[urls[0]])
}

func TestLoop_RateLimitReleasesAndStops(t *testing.T) {
	st := newTestStore(t)
	urls := enqueueN(t, st, 8)
	f := newFakeFetcher()
	for _, u := range urls {
		f.errs[u] = resilience.NewRateLimitError("jina", 0, eris.New("429"))
	}

	res, err := NewLoop(st, f, Config{BatchSize: 4, Parallelism: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.RateLimited)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 4, res.Released)
	assert.Equal(t, 8, res.Remaining)

	doc, err := st.GetDocument(context.Background(), "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusPending, doc.ScrapeStatus)
	assert.Equal(t, 0, doc.ScrapeAttempts, "rate limits do not consume attempts")
}

func TestLoop_BudgetStopsNewBatches(t *testing.T) {
	st := newTestStore(t)
	enqueueN(t, st, 6)
	f := newFakeFetcher()
	f.delay = 30 * time.Millisecond

	res, err := NewLoop(st, f, Config{BatchSize: 2, Parallelism: 2, Budget: 20 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, 1, res.Batches, "the in-flight batch finishes, no new batch starts")
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 4, res.Remaining)
}

func TestLoop_CancelledContextReleases(t *testing.T) {
	st := newTestStore(t)
	enqueueN(t, st, 2)
	ctx, cancel := context.WithCancel(context.Background())
	f := &cancellingFetcher{cancel: cancel}

	res, err := NewLoop(st, f, Config{BatchSize: 2, Parallelism: 1}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)

	counts, err := st.CountDocumentsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.ScrapeStatusPending])
}

type cancellingFetcher struct {
	cancel context.CancelFunc
}

func (c *cancellingFetcher) Fetch(ctx context.Context, _ string) (*scrape.Result, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResult_Detail(t *testing.T) {
	r := &Result{Completed: 2, Batches: 1, RateLimited: true}
	r.Processed = 2
	d := r.Detail()
	assert.Equal(t, 2, d["processed"])
	assert.Equal(t, 2, d["completed"])
	assert.Equal(t, true, d["rate_limited"])
	assert.NotContains(t, d, "budget_exhausted")
}
