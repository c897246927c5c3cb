// Package matcher scores enriched documents against organization targets and
// emits a Signal for every pair whose combined score exceeds the threshold.
// Scoring is a pure function of document, target and clock.
package matcher

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

// Store is the slice of the store the matcher needs.
type Store interface {
	ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error)
	ListUnmatchedDocuments(ctx context.Context, since time.Time, limit int) ([]model.Document, error)
	MarkDocumentMatched(ctx context.Context, id string, now time.Time) error
	InsertSignal(ctx context.Context, s *model.Signal) (bool, error)
	InsertPrediction(ctx context.Context, p *model.Prediction) error
	ListSignals(ctx context.Context, filter store.SignalFilter) ([]model.Signal, error)
	ListPredictions(ctx context.Context, filter store.PredictionFilter) ([]model.Prediction, error)
}

// Config holds the scoring weights and run limits.
type Config struct {
	Threshold       float64
	NameWeight      float64
	KeywordWeight   float64
	KeywordCap      float64
	CosineWeight    float64
	RecencyWeight   float64
	RecencyHalfLife float64 // days
	EventBonus      float64
	BatchSize       int
	// OrganizationID restricts matching to one organization when set.
	OrganizationID string
	// Lookback bounds which documents are considered.
	Lookback time.Duration
	Budget   time.Duration
}

// DefaultConfig returns the production scoring weights.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.5,
		NameWeight:      0.35,
		KeywordWeight:   0.1,
		KeywordCap:      0.3,
		CosineWeight:    0.5,
		RecencyWeight:   0.15,
		RecencyHalfLife: 3,
		EventBonus:      0.15,
		BatchSize:       100,
		Lookback:        7 * 24 * time.Hour,
	}
}

// Score is the breakdown of one document/target relevance score.
type Score struct {
	Total      float64  `json:"total"`
	Name       float64  `json:"name"`
	Keywords   float64  `json:"keywords"`
	Cosine     float64  `json:"cosine"`
	Recency    float64  `json:"recency"`
	Event      float64  `json:"event"`
	Similarity float64  `json:"similarity"`
	Matched    []string `json:"matched_keywords,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Result summarizes one Run.
type Result struct {
	model.Summary
	Signals         int  `json:"signals"`
	Duplicates      int  `json:"duplicates"`
	Predictions     int  `json:"predictions"`
	Recovered       int  `json:"recovered"`
	Targets         int  `json:"targets"`
	BudgetExhausted bool `json:"budget_exhausted,omitempty"`
}

// Detail converts the result into a stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["signals"] = r.Signals
	d["duplicates"] = r.Duplicates
	d["predictions"] = r.Predictions
	if r.Recovered > 0 {
		d["recovered"] = r.Recovered
	}
	d["targets"] = r.Targets
	if r.BudgetExhausted {
		d["budget_exhausted"] = true
	}
	return d
}

// Matcher is the signal matcher.
type Matcher struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a matcher.
func New(st Store, cfg Config) *Matcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 3
	}
	return &Matcher{store: st, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Score computes the relevance of doc to target at now. It has no side
// effects and no randomness.
func (m *Matcher) Score(doc *model.Document, target *model.Target, now time.Time) Score {
	var s Score
	text := Normalize(doc.Title + " " + doc.Content)

	if ContainsPhrase(text, target.Name) {
		s.Name = m.cfg.NameWeight
	}
	for _, kw := range target.Keywords {
		if ContainsPhrase(text, kw) {
			s.Matched = append(s.Matched, kw)
		}
	}
	s.Keywords = math.Min(float64(len(s.Matched))*m.cfg.KeywordWeight, m.cfg.KeywordCap)

	s.Similarity = model.CosineSimilarity(doc.Embedding, target.Embedding)
	s.Cosine = math.Max(0, s.Similarity) * m.cfg.CosineWeight

	ageDays := math.Max(0, now.Sub(doc.Timestamp()).Hours()/24)
	s.Recency = m.cfg.RecencyWeight * math.Exp2(-ageDays/m.cfg.RecencyHalfLife)

	var extracted []string
	if doc.Metadata != nil {
		extracted = doc.Metadata.EventTypes
	}
	s.EventTypes = MergeEventTypes(extracted, DetectEventTypes(doc.Title+"\n"+doc.Content))
	if len(s.EventTypes) > 0 {
		s.Event = m.cfg.EventBonus
	}

	s.Total = round3(s.Name + s.Keywords + s.Cosine + s.Recency + s.Event)
	return s
}

// Run scores every unmatched, embedded document in the lookback window
// against all active targets. Each document is marked matched once scored,
// so repeated runs are incremental. The budget is checked between batches.
func (m *Matcher) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "matcher"))
	start := time.Now()
	res := &Result{}

	targets, err := m.store.ListActiveTargets(ctx, m.cfg.OrganizationID)
	if err != nil {
		return res, eris.Wrap(err, "matcher: list targets")
	}
	res.Targets = len(targets)
	if len(targets) == 0 {
		log.Info("matcher: no active targets")
		return res, nil
	}

	since := time.Time{}
	if m.cfg.Lookback > 0 {
		since = m.now().Add(-m.cfg.Lookback)
	}

	seen := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			break
		}
		if m.cfg.Budget > 0 && time.Since(start) >= m.cfg.Budget {
			res.BudgetExhausted = true
			log.Info("matcher: budget exhausted", zap.Int("processed", res.Processed))
			break
		}

		docs, err := m.store.ListUnmatchedDocuments(ctx, since, m.cfg.BatchSize)
		if err != nil {
			return res, eris.Wrap(err, "matcher: list documents")
		}
		fresh := 0
		for i := range docs {
			if seen[docs[i].ID] {
				continue
			}
			seen[docs[i].ID] = true
			fresh++
			if err := m.matchDocument(ctx, &docs[i], targets, res); err != nil {
				res.Failed++
				log.Warn("matcher: document failed", zap.String("document_id", docs[i].ID), zap.Error(err))
			}
		}
		// A batch of already-seen documents means marking failed; stop
		// instead of spinning.
		if fresh == 0 || len(docs) < m.cfg.BatchSize {
			break
		}
	}

	log.Info("matcher: run complete",
		zap.Int("processed", res.Processed),
		zap.Int("signals", res.Signals),
		zap.Int("predictions", res.Predictions),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (m *Matcher) matchDocument(ctx context.Context, doc *model.Document, targets []model.Target, res *Result) error {
	now := m.now()
	res.Processed++
	emitted := 0
	for i := range targets {
		t := &targets[i]
		score := m.Score(doc, t, now)
		if score.Total <= m.cfg.Threshold {
			continue
		}
		sig := m.buildSignal(doc, t, score)
		inserted, err := m.store.InsertSignal(ctx, sig)
		if err != nil {
			return eris.Wrapf(err, "matcher: insert signal for target %s", t.Name)
		}
		if !inserted {
			res.Duplicates++
			if err := m.completeSignal(ctx, doc, t, score, res); err != nil {
				return err
			}
			continue
		}
		emitted++
		res.Signals++

		if err := m.predict(ctx, sig, t, score, res); err != nil {
			return err
		}
	}

	if err := m.store.MarkDocumentMatched(ctx, doc.ID, now); err != nil {
		return eris.Wrap(err, "matcher: mark matched")
	}
	if emitted > 0 {
		res.Succeeded++
	} else {
		res.Skipped++
	}
	return nil
}

// predict records the follow-up prediction implied by the signal's leading
// event type, if any.
func (m *Matcher) predict(ctx context.Context, sig *model.Signal, t *model.Target, score Score, res *Result) error {
	if len(score.EventTypes) == 0 {
		return nil
	}
	f, ok := FollowUpFor(score.EventTypes[0], t.Name)
	if !ok {
		return nil
	}
	p := &model.Prediction{
		OrganizationID:         sig.OrganizationID,
		SignalID:               sig.ID,
		TargetID:               t.ID,
		SignalType:             sig.Type,
		PredictedOutcome:       f.Outcome,
		PredictedTimeframeDays: f.TimeframeDays,
		PredictedConfidence:    round3(sig.Confidence * f.Weight),
		PredictedAt:            sig.CreatedAt,
	}
	if err := m.store.InsertPrediction(ctx, p); err != nil {
		return eris.Wrapf(err, "matcher: insert prediction for signal %s", sig.ID)
	}
	res.Predictions++
	return nil
}

// completeSignal writes the follow-up prediction of a signal stored by an
// earlier run that failed before its prediction was written.
func (m *Matcher) completeSignal(ctx context.Context, doc *model.Document, t *model.Target, score Score, res *Result) error {
	if len(score.EventTypes) == 0 {
		return nil
	}
	if _, ok := FollowUpFor(score.EventTypes[0], t.Name); !ok {
		return nil
	}
	existing, err := m.store.ListSignals(ctx, store.SignalFilter{
		OrganizationID: t.OrganizationID,
		TargetID:       t.ID,
		DocumentID:     doc.ID,
		Limit:          1,
	})
	if err != nil {
		return eris.Wrap(err, "matcher: find stored signal")
	}
	if len(existing) == 0 {
		return nil
	}
	preds, err := m.store.ListPredictions(ctx, store.PredictionFilter{SignalID: existing[0].ID, Limit: 1})
	if err != nil {
		return eris.Wrap(err, "matcher: list signal predictions")
	}
	if len(preds) > 0 {
		return nil
	}
	if err := m.predict(ctx, &existing[0], t, score, res); err != nil {
		return err
	}
	res.Recovered++
	return nil
}

func (m *Matcher) buildSignal(doc *model.Document, t *model.Target, score Score) *model.Signal {
	sigType, subtype := SignalTypeMention, ""
	if len(score.EventTypes) > 0 {
		sigType = score.EventTypes[0]
		if len(score.EventTypes) > 1 {
			subtype = score.EventTypes[1]
		}
	}

	title := doc.Title
	if title == "" {
		title = doc.URL
	}

	var points []model.DataPoint
	if score.Name > 0 {
		points = append(points, model.DataPoint{Kind: "name_match", Value: t.Name, Source: doc.URL})
	}
	for _, kw := range score.Matched {
		points = append(points, model.DataPoint{Kind: "keyword", Value: kw, Source: doc.URL})
	}
	for _, et := range score.EventTypes {
		points = append(points, model.DataPoint{Kind: "event_type", Value: et, Source: doc.URL})
	}
	if score.Cosine > 0 {
		points = append(points, model.DataPoint{Kind: "similarity", Value: fmt.Sprintf("%.3f", score.Similarity)})
	}

	return &model.Signal{
		OrganizationID: t.OrganizationID,
		Type:           sigType,
		Subtype:        subtype,
		Title:          fmt.Sprintf("%s: %s", t.Name, title),
		Description:    describe(doc),
		TargetID:       t.ID,
		TargetName:     t.Name,
		TargetType:     t.Type,
		DocumentID:     doc.ID,
		Confidence:     math.Min(score.Total, 1),
		Urgency:        urgency(score.Total, t.Priority, sigType),
		Evidence: model.Evidence{
			DataPoints:  points,
			Reasoning:   reasoning(t, score),
			DocumentIDs: []string{doc.ID},
			Scores: map[string]any{
				"total":    score.Total,
				"name":     round3(score.Name),
				"keywords": round3(score.Keywords),
				"cosine":   round3(score.Cosine),
				"recency":  round3(score.Recency),
				"event":    round3(score.Event),
			},
		},
		Status:    model.SignalStatusActive,
		CreatedAt: m.now(),
	}
}

// urgency ranks by score, then raises one level for priority 1 targets and
// for legal or regulatory events.
func urgency(score float64, priority int, sigType string) model.Urgency {
	levels := []model.Urgency{model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh, model.UrgencyCritical}
	i := 0
	switch {
	case score >= 0.85:
		i = 2
	case score >= 0.65:
		i = 1
	}
	if priority == 1 {
		i++
	}
	if sigType == EventLawsuit || sigType == EventRegulatory {
		i++
	}
	return levels[min(i, len(levels)-1)]
}

func describe(doc *model.Document) string {
	if doc.Metadata != nil && doc.Metadata.Summary != "" {
		return doc.Metadata.Summary
	}
	return snippet(doc.Content, 280)
}

func reasoning(t *model.Target, s Score) string {
	var parts []string
	if s.Name > 0 {
		parts = append(parts, fmt.Sprintf("mentions %q", t.Name))
	}
	if len(s.Matched) > 0 {
		parts = append(parts, "keywords "+strings.Join(s.Matched, ", "))
	}
	if s.Cosine > 0 {
		parts = append(parts, fmt.Sprintf("semantic similarity %.2f", s.Similarity))
	}
	if len(s.EventTypes) > 0 {
		parts = append(parts, "events "+strings.Join(s.EventTypes, ", "))
	}
	return fmt.Sprintf("score %.3f: %s", s.Total, strings.Join(parts, "; "))
}

// snippet truncates s to at most n runes on a word boundary.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n]
	if i := strings.LastIndexByte(string(r), ' '); i > n/2 {
		return string(r)[:i] + "..."
	}
	return string(r) + "..."
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
