package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func enqueue(t *testing.T, st Store, urls ...string) []model.Document {
	t.Helper()
	docs := make([]model.Document, len(urls))
	for i, u := range urls {
		docs[i] = model.Document{ID: fmt.Sprintf("doc-%d", i), URL: u, Title: "t" + u}
	}
	n, err := st.EnqueueDocuments(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, len(urls), n)
	return docs
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_time_format=sqlite", sqliteDSN("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_time_format=sqlite", sqliteDSN("file:a.db?mode=rwc"))
	assert.Equal(t, "a.db?_time_format=sqlite", sqliteDSN("a.db?_time_format=sqlite"))
}

// --- Documents ---

func TestSQLite_EnqueueDocuments_SkipsKnownURLs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	enqueue(t, st, "https://a.example/1")
	n, err := st.EnqueueDocuments(ctx, []model.Document{
		{URL: "https://a.example/1"},
		{URL: "https://a.example/2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := st.CountDocumentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.ScrapeStatusPending])
}

func TestSQLite_ClaimPendingDocuments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1", "https://a/2", "https://a/3")
	now := time.Now().UTC()

	claimed, err := st.ClaimPendingDocuments(ctx, 2, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, d := range claimed {
		assert.Equal(t, model.ScrapeStatusProcessing, d.ScrapeStatus)
		require.NotNil(t, d.ClaimedAt)
	}

	rest, err := st.ClaimPendingDocuments(ctx, 5, now)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	none, err := st.ClaimPendingDocuments(ctx, 5, now)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_CompleteScrape_IsConditional(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1")
	now := time.Now().UTC()

	// Not claimed yet: no transition.
	ok, err := st.CompleteScrape(ctx, "doc-0", ScrapeResult{Status: model.ScrapeStatusCompleted, Content: "x"}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.ClaimPendingDocuments(ctx, 1, now)
	require.NoError(t, err)

	published := now.Add(-48 * time.Hour)
	ok, err = st.CompleteScrape(ctx, "doc-0", ScrapeResult{
		Status:      model.ScrapeStatusCompleted,
		Title:       "Acme Corp names new CEO",
		Content:     "full body",
		PublishedAt: &published,
	}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusCompleted, doc.ScrapeStatus)
	assert.Equal(t, "Acme Corp names new CEO", doc.Title)
	assert.Nil(t, doc.ClaimedAt)
	require.NotNil(t, doc.PublishedAt)
	assert.WithinDuration(t, published, *doc.PublishedAt, time.Second)

	// A second completion of a completed document is a no-op.
	ok, err = st.CompleteScrape(ctx, "doc-0", ScrapeResult{Status: model.ScrapeStatusMetadataOnly, Title: "other"}, now)
	require.NoError(t, err)
	assert.False(t, ok)
	doc, err = st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusCompleted, doc.ScrapeStatus)
}

func TestSQLite_FailScrape_AttemptsCap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1")
	now := time.Now().UTC()

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := st.ClaimPendingDocuments(ctx, 1, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		status, err := st.FailScrape(ctx, "doc-0", 3, "timeout", "transient", now)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, model.ScrapeStatusPending, status)
		} else {
			assert.Equal(t, model.ScrapeStatusFailed, status)
		}
	}

	doc, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.ScrapeAttempts)
	assert.Equal(t, "transient", doc.ErrorType)

	status, err := st.FailScrape(ctx, "doc-0", 3, "again", "transient", now)
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatus(""), status)
}

func TestSQLite_ReleaseDocument_KeepsAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1")
	now := time.Now().UTC()

	_, err := st.ClaimPendingDocuments(ctx, 1, now)
	require.NoError(t, err)
	ok, err := st.ReleaseDocument(ctx, "doc-0", now)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusPending, doc.ScrapeStatus)
	assert.Equal(t, 0, doc.ScrapeAttempts)
}

func TestSQLite_ResetStuckDocuments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1", "https://a/2")
	now := time.Now().UTC()

	// doc-0 claimed 15 minutes ago, doc-1 just now.
	_, err := st.ClaimPendingDocuments(ctx, 1, now.Add(-15*time.Minute))
	require.NoError(t, err)
	_, err = st.ClaimPendingDocuments(ctx, 1, now)
	require.NoError(t, err)

	n, err := st.ResetStuckDocuments(ctx, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc0, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusPending, doc0.ScrapeStatus)
	doc1, err := st.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScrapeStatusProcessing, doc1.ScrapeStatus)
}

func scrapeDoc(t *testing.T, st Store, id, title, content string, now time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := st.ClaimPendingDocuments(ctx, 100, now)
	require.NoError(t, err)
	ok, err := st.CompleteScrape(ctx, id, ScrapeResult{Status: model.ScrapeStatusCompleted, Title: title, Content: content}, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLite_EmbeddingRequiresScrapedDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1", "https://a/2")
	now := time.Now().UTC()

	ok, err := st.SaveDocumentEmbedding(ctx, "doc-0", []float32{1, 0}, now)
	require.NoError(t, err)
	assert.False(t, ok, "pending documents cannot carry an embedding")

	scrapeDoc(t, st, "doc-0", "Acme", "body", now)

	pending, err := st.ListDocumentsNeedingEmbedding(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "doc-0", pending[0].ID)

	ok, err = st.SaveDocumentEmbedding(ctx, "doc-0", []float32{1, 0}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, doc.Embedding)

	pending, err = st.ListDocumentsNeedingEmbedding(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	unmatched, err := st.ListUnmatchedDocuments(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	require.NoError(t, st.MarkDocumentMatched(ctx, "doc-0", now))
	unmatched, err = st.ListUnmatchedDocuments(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

func TestSQLite_DocumentMetadata(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1")
	now := time.Now().UTC()
	scrapeDoc(t, st, "doc-0", "Acme", "body", now)

	need, err := st.ListDocumentsNeedingMetadata(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, need, 1)

	meta := &model.DocumentMetadata{Summary: "s", Entities: []string{"Acme"}, EventTypes: []string{"acquisition"}, Source: "llm"}
	require.NoError(t, st.SaveDocumentMetadata(ctx, "doc-0", meta, now))

	doc, err := st.GetDocument(ctx, "doc-0")
	require.NoError(t, err)
	require.NotNil(t, doc.Metadata)
	assert.Equal(t, []string{"acquisition"}, doc.Metadata.EventTypes)

	need, err = st.ListDocumentsNeedingMetadata(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, need)
}

func TestSQLite_SearchDocuments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	enqueue(t, st, "https://a/1", "https://a/2", "https://a/3")
	now := time.Now().UTC()
	scrapeDoc(t, st, "doc-0", "Acme acquires Beta", "regulators review the acquisition", now)
	scrapeDoc(t, st, "doc-1", "Weather", "sunny", now)
	scrapeDoc(t, st, "doc-2", "Acme earnings", "quarterly results", now)

	_, err := st.SaveDocumentEmbedding(ctx, "doc-0", []float32{1, 0}, now)
	require.NoError(t, err)
	_, err = st.SaveDocumentEmbedding(ctx, "doc-1", []float32{0, 1}, now)
	require.NoError(t, err)

	byVec, err := st.SearchDocumentsByEmbedding(ctx, []float32{0.9, 0.1}, now.Add(-time.Hour), time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, byVec, 1)
	assert.Equal(t, "doc-0", byVec[0].Document.ID)
	assert.Greater(t, byVec[0].Similarity, 0.9)

	// Window excludes everything.
	byVec, err = st.SearchDocumentsByEmbedding(ctx, []float32{1, 0}, now.Add(time.Hour), time.Time{}, 5)
	require.NoError(t, err)
	assert.Empty(t, byVec)

	byKw, err := st.SearchDocumentsByKeyword(ctx, []string{"acme", "acquisition"}, now.Add(-time.Hour), time.Time{}, 5)
	require.NoError(t, err)
	require.Len(t, byKw, 2)
	assert.Equal(t, "doc-0", byKw[0].Document.ID)
	assert.InDelta(t, 1.0, byKw[0].Similarity, 1e-9)
	assert.InDelta(t, 0.5, byKw[1].Similarity, 1e-9)
}

// --- Targets ---

func TestSQLite_Targets(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tgt := &model.Target{OrganizationID: "org-1", Name: "Acme Corp", Type: model.TargetTypeCompetitor, Priority: 1,
		Keywords: []string{"acme"}, EmbeddingContext: "Acme Corp, a widget maker", Active: true}
	require.NoError(t, st.UpsertTarget(ctx, tgt))
	require.NoError(t, st.UpsertTarget(ctx, &model.Target{OrganizationID: "org-2", Name: "Other", Active: false}))

	stale, err := st.ListTargetsNeedingEmbedding(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "Acme Corp", stale[0].Name)

	require.NoError(t, st.SaveTargetEmbedding(ctx, tgt.ID, []float32{0.5, 0.5}, time.Now().UTC().Add(time.Second)))
	stale, err = st.ListTargetsNeedingEmbedding(ctx, false, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	forced, err := st.ListTargetsNeedingEmbedding(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, forced, 1)

	active, err := st.ListActiveTargets(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []string{"acme"}, active[0].Keywords)
	assert.Equal(t, []float32{0.5, 0.5}, active[0].Embedding)
	assert.False(t, active[0].EmbeddingStale())

	all, err := st.ListActiveTargets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Signals ---

func testAlert(trigger, pattern string) *model.Signal {
	return &model.Signal{
		OrganizationID:  "org-1",
		Type:            model.SignalTypeCascadeAlert,
		Title:           "cascade",
		TriggerSignalID: trigger,
		PatternID:       pattern,
		PatternData: &model.PatternData{
			TriggerSignalID: trigger,
			PatternID:       pattern,
			ExpectedTimeline: []model.TimelineStep{
				{StepIndex: 1, DelayDays: 7, Action: "regulatory filing"},
			},
		},
	}
}

func TestSQLite_InsertSignal_Dedupes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sig := &model.Signal{OrganizationID: "org-1", Type: "leadership_change", Title: "CEO", DocumentID: "doc-0", TargetID: "tgt-1",
		TargetType: model.TargetTypeCompetitor, Urgency: model.UrgencyHigh, Confidence: 0.8,
		Evidence: model.Evidence{Reasoning: "name match", DataPoints: []model.DataPoint{{Kind: "name_match", Value: "Acme"}}}}
	inserted, err := st.InsertSignal(ctx, sig)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *sig
	dup.ID = ""
	inserted, err = st.InsertSignal(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted, "same document and target")

	got, err := st.GetSignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, "tgt-1", got.TargetID)
	assert.Equal(t, "name match", got.Evidence.Reasoning)
	assert.Nil(t, got.PatternData)
	assert.Empty(t, got.TriggerSignalID)

	inserted, err = st.InsertSignal(ctx, testAlert(sig.ID, "pat-1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = st.InsertSignal(ctx, testAlert(sig.ID, "pat-1"))
	require.NoError(t, err)
	assert.False(t, inserted, "one alert per trigger and pattern")
	inserted, err = st.InsertSignal(ctx, testAlert(sig.ID, "pat-2"))
	require.NoError(t, err)
	assert.True(t, inserted)

	alert, err := st.FindCascadeAlert(ctx, sig.ID, "pat-1")
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.NotNil(t, alert.PatternData)
	assert.Equal(t, 7, alert.PatternData.ExpectedTimeline[0].DelayDays)

	missing, err := st.FindCascadeAlert(ctx, sig.ID, "pat-9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	alerts, err := st.ListSignals(ctx, SignalFilter{Types: []string{model.SignalTypeCascadeAlert}})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	pd := alert.PatternData
	now := time.Now().UTC()
	pd.ExpectedTimeline[0].Observed = true
	pd.ExpectedTimeline[0].ObservedAt = &now
	require.NoError(t, st.UpdateSignalPatternData(ctx, alert.ID, pd))
	alert, err = st.FindCascadeAlert(ctx, sig.ID, "pat-1")
	require.NoError(t, err)
	assert.True(t, alert.PatternData.ExpectedTimeline[0].Observed)
}

func TestSQLite_GetSignal_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetSignal(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Patterns ---

func TestSQLite_Patterns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := &model.Pattern{Name: "exec-departure", TriggerSignalType: "leadership_change", Confidence: 0.7, IsActive: true,
		TriggerKeywords: []string{"ceo"},
		Steps: []model.CascadeStep{
			{Step: 2, DelayDays: 21, ExpectedAction: "strategy shift"},
			{Step: 1, DelayDays: 7, ExpectedAction: "interim appointment"},
		}}
	require.NoError(t, st.UpsertPattern(ctx, p))
	require.NoError(t, st.UpsertPattern(ctx, &model.Pattern{Name: "weak", TriggerSignalType: "x", Confidence: 0.1, IsActive: true}))

	active, err := st.ListActivePatterns(ctx, 0.3)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Steps[0].Step, "steps are ordered by index")

	now := time.Now().UTC()
	require.NoError(t, st.RecordPatternObservation(ctx, p.ID, now))
	require.NoError(t, st.RecordPatternValidation(ctx, p.ID, true, now))
	require.NoError(t, st.RecordPatternValidation(ctx, p.ID, false, now))

	// Re-curating the pattern leaves learned counters alone.
	again := &model.Pattern{ID: "ignored", Name: "exec-departure", TriggerSignalType: "leadership_change", Confidence: 0.8, IsActive: true}
	require.NoError(t, st.UpsertPattern(ctx, again))
	assert.Equal(t, p.ID, again.ID)

	got, err := st.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesObserved)
	assert.Equal(t, 2, got.ValidationsTotal)
	assert.Equal(t, 1, got.ValidationsAccurate)
	assert.InDelta(t, 0.5, got.AccuracyRate, 1e-9)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	require.NotNil(t, got.LastObservedAt)
}

// --- Predictions ---

func TestSQLite_Predictions_ResolveOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &model.Prediction{OrganizationID: "org-1", SignalID: "sig-1", TargetID: "tgt-1", SignalType: "acquisition",
		PredictedOutcome: "regulatory review", PredictedTimeframeDays: 30, PredictedAt: now.AddDate(0, 0, -5)}
	fresh := &model.Prediction{OrganizationID: "org-1", SignalID: "sig-2", PredictedOutcome: "launch",
		PredictedTimeframeDays: 30, PredictedAt: now}
	require.NoError(t, st.InsertPrediction(ctx, old))
	require.NoError(t, st.InsertPrediction(ctx, fresh))
	// Same signal again is ignored.
	require.NoError(t, st.InsertPrediction(ctx, &model.Prediction{OrganizationID: "org-1", SignalID: "sig-1", PredictedOutcome: "dup"}))

	eligible, err := st.ListEligiblePredictions(ctx, now, now.AddDate(0, 0, -3), 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, old.ID, eligible[0].ID)
	assert.Equal(t, "regulatory review", eligible[0].PredictedOutcome)

	require.NoError(t, st.SavePredictionQuery(ctx, old.ID, "regulatory review acme"))

	res := model.Resolution{Status: model.PredictionStatusAccurate, WasAccurate: true, OutcomeMatch: 0.8,
		OutcomeOccurred: model.OutcomeYes, EvidenceDocumentIDs: []string{"doc-0"}, ValidatedBy: "llm", ValidatedAt: now}
	ok, err := st.ResolvePrediction(ctx, old.ID, res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ResolvePrediction(ctx, old.ID, model.Resolution{Status: model.PredictionStatusInaccurate, OutcomeMatch: 0.1, ValidatedAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	preds, err := st.ListPredictions(ctx, PredictionFilter{SignalID: "sig-1"})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	p := preds[0]
	assert.Equal(t, model.PredictionStatusAccurate, p.Status)
	require.NotNil(t, p.WasAccurate)
	assert.True(t, *p.WasAccurate)
	require.NotNil(t, p.OutcomeMatch)
	assert.InDelta(t, 0.8, *p.OutcomeMatch, 1e-9)
	assert.Equal(t, []string{"doc-0"}, p.EvidenceDocumentIDs)
	assert.Equal(t, "regulatory review acme", p.SearchQuery)

	eligible, err = st.ListEligiblePredictions(ctx, now, now.AddDate(0, 0, -3), 10)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestSQLite_RecordAccuracy(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	none, err := st.GetAccuracy(ctx, "org-1", "tgt-1", "acquisition")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, st.RecordAccuracy(ctx, "org-1", "tgt-1", "acquisition", true, now))
	require.NoError(t, st.RecordAccuracy(ctx, "org-1", "tgt-1", "acquisition", false, now))
	require.NoError(t, st.RecordAccuracy(ctx, "org-1", "tgt-1", "acquisition", true, now))

	stat, err := st.GetAccuracy(ctx, "org-1", "tgt-1", "acquisition")
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, 3, stat.Total)
	assert.Equal(t, 2, stat.Accurate)
	assert.InDelta(t, 2.0/3.0, stat.AccuracyRate, 1e-9)
}

// --- Runs ---

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunKindPipeline, map[string]any{"skip_discovery": true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	completed := time.Now().UTC()
	run.Status = model.RunStatusPartial
	run.CompletedAt = &completed
	run.DurationMs = 1200
	run.Stages = []model.StageResult{
		{Name: "worker", Success: true, Detail: map[string]any{"processed": 10}},
		{Name: "matcher", Error: "boom"},
	}
	require.NoError(t, st.CompleteRun(ctx, run))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	assert.Equal(t, int64(1200), got.DurationMs)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "boom", got.Stages[1].Error)
	assert.Equal(t, true, got.Options["skip_discovery"])
	require.NotNil(t, got.CompletedAt)

	_, err = st.CreateRun(ctx, model.RunKindOutcome, nil)
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{Kind: model.RunKindPipeline})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = st.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListEligiblePredictions_ExpiredFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := &model.Prediction{OrganizationID: "org-1", SignalID: "sig-open", PredictedOutcome: "merger closes",
		PredictedTimeframeDays: 120, PredictedAt: now.AddDate(0, 0, -30)}
	expired := &model.Prediction{OrganizationID: "org-1", SignalID: "sig-expired", PredictedOutcome: "interim named",
		PredictedTimeframeDays: 2, PredictedAt: now.AddDate(0, 0, -4)}
	require.NoError(t, st.InsertPrediction(ctx, open))
	require.NoError(t, st.InsertPrediction(ctx, expired))

	eligible, err := st.ListEligiblePredictions(ctx, now, now.AddDate(0, 0, -3), 1)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, expired.ID, eligible[0].ID)

	eligible, err = st.ListEligiblePredictions(ctx, now, now.AddDate(0, 0, -3), 10)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, open.ID, eligible[1].ID)
}
