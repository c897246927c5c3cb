package cascade

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*model.Signal
	err    error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, alert *model.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return p.err
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

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cascade.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func departurePattern() model.Pattern {
	return model.Pattern{
		Name:               "executive_departure",
		TriggerSignalType:  "leadership_change",
		TriggerEntityTypes: []string{"competitor"},
		Steps: []model.CascadeStep{
			{Step: 2, DelayDays: 21, ExpectedAction: "strategy restructuring", Description: "Restructuring announced"},
			{Step: 1, DelayDays: 7, ExpectedAction: "interim appointment", Description: "Interim executive named"},
		},
		Confidence:   0.8,
		AccuracyRate: 0.6,
		IsActive:     true,
	}
}

func triggerSignal(id string, at time.Time) *model.Signal {
	return &model.Signal{
		ID:             id,
		OrganizationID: "org-1",
		Type:           "leadership_change",
		Title:          "Acme Corp: CEO steps down",
		Description:    "The chief executive resigned.",
		TargetID:       "tgt-acme",
		TargetName:     "Acme Corp",
		TargetType:     model.TargetTypeCompetitor,
		DocumentID:     "doc-" + id,
		Confidence:     0.9,
		Urgency:        model.UrgencyMedium,
		Status:         model.SignalStatusActive,
		CreatedAt:      at,
	}
}

func TestMatches(t *testing.T) {
	p := departurePattern()
	base := triggerSignal("s1", time.Now())

	tests := []struct {
		name   string
		mutate func(s *model.Signal, p *model.Pattern)
		want   bool
	}{
		{"exact type", func(*model.Signal, *model.Pattern) {}, true},
		{"trigger contains type", func(s *model.Signal, _ *model.Pattern) { s.Type = "leadership" }, true},
		{"type contains trigger", func(s *model.Signal, _ *model.Pattern) { s.Type = "leadership_change_ceo" }, true},
		{"subtype matches", func(s *model.Signal, _ *model.Pattern) { s.Type = "mention"; s.Subtype = "leadership_change" }, true},
		{"type mismatch", func(s *model.Signal, _ *model.Pattern) { s.Type = "launch" }, false},
		{"entity mismatch", func(s *model.Signal, _ *model.Pattern) { s.TargetType = model.TargetTypeRegulator }, false},
		{"no target type skips entity check", func(s *model.Signal, _ *model.Pattern) { s.TargetType = "" }, true},
		{"keyword present", func(_ *model.Signal, p *model.Pattern) { p.TriggerKeywords = []string{"chief executive"} }, true},
		{"keyword absent", func(_ *model.Signal, p *model.Pattern) { p.TriggerKeywords = []string{"founder"} }, false},
		{"empty trigger", func(_ *model.Signal, p *model.Pattern) { p.TriggerSignalType = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pp := *base, p
			pp.TriggerKeywords = nil
			tt.mutate(&s, &pp)
			assert.Equal(t, tt.want, Matches(&s, &pp))
		})
	}
}

func TestTimeline_ExpectedDates(t *testing.T) {
	p := departurePattern()
	trigger := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tl := Timeline(&p, trigger)
	require.Len(t, tl, 2)
	assert.Equal(t, 1, tl[0].StepIndex)
	assert.Equal(t, trigger.Add(7*24*time.Hour), tl[0].ExpectedDate)
	assert.Equal(t, 2, tl[1].StepIndex)
	assert.Equal(t, trigger.Add(21*24*time.Hour), tl[1].ExpectedDate)
	assert.Equal(t, 2, p.Steps[0].Step, "pattern steps are not reordered in place")
}

func TestBuildAlert(t *testing.T) {
	p := departurePattern()
	p.ID = "pat-1"
	trigger := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sig := triggerSignal("s1", trigger)

	alert := BuildAlert(sig, &p, trigger.Add(time.Hour))
	assert.True(t, alert.IsCascadeAlert())
	assert.Equal(t, "s1", alert.TriggerSignalID)
	assert.Equal(t, "pat-1", alert.PatternID)
	assert.Equal(t, "leadership_change", alert.Subtype)
	assert.Equal(t, model.UrgencyHigh, alert.Urgency)
	assert.InDelta(t, 0.72, alert.Confidence, 1e-9)
	assert.Contains(t, alert.Description, "2026-03-08")
	assert.Contains(t, alert.Description, "Interim executive named")
	assert.Equal(t, []string{"doc-s1"}, alert.Evidence.DocumentIDs)
	require.NotNil(t, alert.PatternData)
	assert.Equal(t, trigger, alert.PatternData.TriggeredAt)
}

func TestKeywordsAndOverlap(t *testing.T) {
	assert.Equal(t, []string{"interim", "ceo", "appointment"}, keywords("The interim CEO appointment, and the CEO"))

	n, ratio := overlap([]string{"interim", "appointment"}, "Acme names interim chief")
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.5, ratio, 1e-9)

	n, _ = overlap(nil, "anything")
	assert.Equal(t, 0, n)
}

func TestDetector_EmitsOneAlertPerSignalPattern(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := departurePattern()
	require.NoError(t, st.UpsertPattern(ctx, &p))

	trigger := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	_, err := st.InsertSignal(ctx, triggerSignal("s1", trigger))
	require.NoError(t, err)
	other := triggerSignal("s2", trigger)
	other.Type = "launch"
	other.DocumentID = "doc-s2"
	_, err = st.InsertSignal(ctx, other)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	d := NewDetector(st, pub, Config{MinPatternConfidence: 0.3})

	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, 1, res.Predictions)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, pub.alerts, 1)

	again, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Alerts)
	assert.Equal(t, 1, again.Duplicates)

	alerts, err := st.ListSignals(ctx, store.SignalFilter{Types: []string{model.SignalTypeCascadeAlert}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	tl := alerts[0].PatternData.ExpectedTimeline
	require.Len(t, tl, 2)
	assert.True(t, tl[0].ExpectedDate.Equal(trigger.Add(7*24*time.Hour)))
	assert.True(t, tl[1].ExpectedDate.Equal(trigger.Add(21*24*time.Hour)))

	preds, err := st.ListPredictions(ctx, store.PredictionFilter{SignalID: alerts[0].ID})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, 7, preds[0].PredictedTimeframeDays)
	assert.Equal(t, p.ID, preds[0].PatternID)
	assert.InDelta(t, 0.8, preds[0].PredictedConfidence, 1e-9)
}

func TestDetector_MissingPredictionIsWrittenNextRun(t *testing.T) {
	ctx := context.Background()
	st := &flakyPredictionStore{SQLiteStore: newTestStore(t), failures: 1}
	p := departurePattern()
	require.NoError(t, st.UpsertPattern(ctx, &p))
	_, err := st.InsertSignal(ctx, triggerSignal("s1", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	d := NewDetector(st, pub, Config{})

	first, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Alerts)
	assert.Equal(t, 0, first.Predictions)
	assert.Equal(t, 1, first.Failed)
	assert.Empty(t, pub.alerts)

	second, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Alerts)
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, second.Predictions)
	assert.Equal(t, 1, second.Recovered)
	require.Len(t, pub.alerts, 1)

	alerts, err := st.ListSignals(ctx, store.SignalFilter{Types: []string{model.SignalTypeCascadeAlert}})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	preds, err := st.ListPredictions(ctx, store.PredictionFilter{SignalID: alerts[0].ID})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, 7, preds[0].PredictedTimeframeDays)

	third, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Predictions)
	assert.Equal(t, 0, third.Recovered)
	assert.Len(t, pub.alerts, 1)
}

func TestDetector_SkipsLowConfidenceAndOldSignals(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := departurePattern()
	p.Confidence = 0.2
	require.NoError(t, st.UpsertPattern(ctx, &p))
	_, err := st.InsertSignal(ctx, triggerSignal("s1", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, err)

	res, err := NewDetector(st, nil, Config{MinPatternConfidence: 0.3}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Patterns)
	assert.Equal(t, 0, res.Alerts)

	p2 := departurePattern()
	p2.Name = "confident"
	require.NoError(t, st.UpsertPattern(ctx, &p2))
	_, err = st.InsertSignal(ctx, func() *model.Signal {
		s := triggerSignal("s-old", time.Now().UTC().Add(-72*time.Hour))
		s.DocumentID = "doc-old"
		return s
	}())
	require.NoError(t, err)

	res, err = NewDetector(st, nil, Config{MinPatternConfidence: 0.3, Lookback: 24 * time.Hour}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Signals)
	assert.Equal(t, 1, res.Alerts)
}

func TestDetector_PublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := departurePattern()
	require.NoError(t, st.UpsertPattern(ctx, &p))
	_, err := st.InsertSignal(ctx, triggerSignal("s1", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, err)

	res, err := NewDetector(st, &recordingPublisher{err: eris.New("nats: no responders")}, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)
	assert.Equal(t, 0, res.Failed)
}

func TestDetector_ProgressionMarksStepAndCountsObservation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := departurePattern()
	require.NoError(t, st.UpsertPattern(ctx, &p))

	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)
	_, err := st.InsertSignal(ctx, triggerSignal("s1", base))
	require.NoError(t, err)

	d := NewDetector(st, nil, Config{})
	_, err = d.Run(ctx)
	require.NoError(t, err)

	followUp := &model.Signal{
		ID:             "s-follow",
		OrganizationID: "org-1",
		Type:           "mention",
		Title:          "Acme Corp names interim chief executive",
		TargetID:       "tgt-acme",
		DocumentID:     "doc-follow",
		Status:         model.SignalStatusActive,
		CreatedAt:      base.Add(time.Hour),
	}
	_, err = st.InsertSignal(ctx, followUp)
	require.NoError(t, err)

	res, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progressions)

	alert, err := st.FindCascadeAlert(ctx, "s1", p.ID)
	require.NoError(t, err)
	require.NotNil(t, alert)
	step := alert.PatternData.ExpectedTimeline[0]
	assert.True(t, step.Observed)
	assert.Equal(t, "s-follow", step.ObservedSignalID)
	assert.False(t, alert.PatternData.ExpectedTimeline[1].Observed)

	got, err := st.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesObserved)
	assert.NotNil(t, got.LastObservedAt)

	// The same signal never counts twice.
	res, err = d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Progressions)
}

func TestDetector_ProgressionRatioThreshold(t *testing.T) {
	pd := &model.PatternData{ExpectedTimeline: []model.TimelineStep{{StepIndex: 1, Action: "interim executive appointment"}}}
	sig := &model.Signal{ID: "x", Title: "interim update"}

	strict := NewDetector(nil, nil, Config{ProgressionMinRatio: 0.5})
	assert.False(t, strict.observe(pd, sig))

	loose := NewDetector(nil, nil, Config{})
	assert.True(t, loose.observe(pd, sig))
	assert.True(t, pd.ExpectedTimeline[0].Observed)
}

func TestDetector_ProgressionRespectsStepEntityType(t *testing.T) {
	newPD := func() *model.PatternData {
		return &model.PatternData{ExpectedTimeline: []model.TimelineStep{
			{StepIndex: 1, EntityType: "regulator", Action: "antitrust review opened"},
		}}
	}
	d := NewDetector(nil, nil, Config{})

	competitor := &model.Signal{ID: "c", Title: "Antitrust review of the deal", TargetType: model.TargetTypeCompetitor}
	assert.False(t, d.observe(newPD(), competitor))

	regulator := &model.Signal{ID: "r", Title: "Antitrust review of the deal", TargetType: "Regulator"}
	pd := newPD()
	assert.True(t, d.observe(pd, regulator))
	assert.Equal(t, "r", pd.ExpectedTimeline[0].ObservedSignalID)

	untyped := &model.Signal{ID: "u", Title: "Antitrust review of the deal"}
	assert.True(t, d.observe(newPD(), untyped))
}

const library = `
patterns:
  - name: executive_departure
    description: Departure of a competitor executive
    trigger_signal_type: leadership_change
    trigger_entity_types: [competitor]
    confidence: 0.7
    cascade_steps:
      - {step: 2, delay_days: 30, expected_action: strategy restructuring, description: Restructuring}
      - {step: 1, delay_days: 7, expected_action: interim appointment, description: Interim named}
  - name: acquisition_review
    trigger_signal_type: acquisition
    is_active: false
    cascade_steps:
      - {delay_days: 90, expected_action: regulatory review}
`

func TestLoadLibrary(t *testing.T) {
	patterns, err := LoadLibrary(strings.NewReader(library))
	require.NoError(t, err)
	require.Len(t, patterns, 2)

	assert.Equal(t, "executive_departure", patterns[0].Name)
	assert.True(t, patterns[0].IsActive)
	assert.Equal(t, 0.7, patterns[0].Confidence)
	assert.Equal(t, 1, patterns[0].Steps[0].Step)
	assert.Equal(t, 7, patterns[0].Steps[0].DelayDays)

	assert.False(t, patterns[1].IsActive)
	assert.Equal(t, 0.5, patterns[1].Confidence)
	assert.Equal(t, 1, patterns[1].Steps[0].Step)
}

func TestLoadLibrary_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing name":      "patterns:\n  - trigger_signal_type: x\n    cascade_steps: [{delay_days: 1, expected_action: a}]\n",
		"no steps":          "patterns:\n  - name: a\n    trigger_signal_type: x\n",
		"negative delay":    "patterns:\n  - name: a\n    trigger_signal_type: x\n    cascade_steps: [{delay_days: -1, expected_action: a}]\n",
		"duplicate pattern": "patterns:\n  - {name: a, trigger_signal_type: x, cascade_steps: [{delay_days: 1, expected_action: a}]}\n  - {name: a, trigger_signal_type: x, cascade_steps: [{delay_days: 1, expected_action: a}]}\n",
		"bad yaml":          "patterns: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadLibrary(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestImportLibrary_Upserts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	patterns, err := LoadLibrary(strings.NewReader(library))
	require.NoError(t, err)

	n, err := ImportLibrary(ctx, st, patterns)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	again, err := LoadLibrary(strings.NewReader(library))
	require.NoError(t, err)
	_, err = ImportLibrary(ctx, st, again)
	require.NoError(t, err)
	assert.Equal(t, patterns[0].ID, again[0].ID)

	active, err := st.ListActivePatterns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "executive_departure", active[0].Name)
}
