// Package cascade detects when a fresh signal matches a known multi-step
// pattern and emits a cascade alert carrying the expected timeline. A second
// pass records progressions when later signals resemble an expected step.
package cascade

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

// Store is the slice of the store the detector needs.
type Store interface {
	ListSignals(ctx context.Context, filter store.SignalFilter) ([]model.Signal, error)
	ListActivePatterns(ctx context.Context, minConfidence float64) ([]model.Pattern, error)
	FindCascadeAlert(ctx context.Context, triggerSignalID, patternID string) (*model.Signal, error)
	InsertSignal(ctx context.Context, s *model.Signal) (bool, error)
	InsertPrediction(ctx context.Context, p *model.Prediction) error
	ListPredictions(ctx context.Context, filter store.PredictionFilter) ([]model.Prediction, error)
	UpdateSignalPatternData(ctx context.Context, id string, pd *model.PatternData) error
	RecordPatternObservation(ctx context.Context, id string, at time.Time) error
}

// Publisher receives every newly emitted cascade alert.
type Publisher interface {
	PublishAlert(ctx context.Context, alert *model.Signal) error
}

// Config controls detection.
type Config struct {
	Lookback             time.Duration
	MinPatternConfidence float64
	// A progression needs at least ProgressionMinOverlap shared keywords and
	// a shared/step keyword ratio of at least ProgressionMinRatio.
	ProgressionMinOverlap int
	ProgressionMinRatio   float64
	ProgressionLookback   time.Duration
	OrganizationID        string
	Budget                time.Duration
}

// Result summarizes one Run.
type Result struct {
	model.Summary
	Signals         int  `json:"signals"`
	Patterns        int  `json:"patterns"`
	Alerts          int  `json:"alerts"`
	Duplicates      int  `json:"duplicates"`
	Predictions     int  `json:"predictions"`
	Recovered       int  `json:"recovered"`
	Progressions    int  `json:"progressions"`
	BudgetExhausted bool `json:"budget_exhausted,omitempty"`
}

// Detail converts the result into a stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["signals"] = r.Signals
	d["patterns"] = r.Patterns
	d["alerts"] = r.Alerts
	d["duplicates"] = r.Duplicates
	d["predictions"] = r.Predictions
	if r.Recovered > 0 {
		d["recovered"] = r.Recovered
	}
	d["progressions"] = r.Progressions
	if r.BudgetExhausted {
		d["budget_exhausted"] = true
	}
	return d
}

// Detector is the cascade pattern detector.
type Detector struct {
	store     Store
	publisher Publisher
	cfg       Config
	now       func() time.Time
}

// NewDetector creates a detector. publisher may be nil.
func NewDetector(st Store, publisher Publisher, cfg Config) *Detector {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.ProgressionMinOverlap <= 0 {
		cfg.ProgressionMinOverlap = 1
	}
	if cfg.ProgressionLookback <= 0 {
		cfg.ProgressionLookback = 90 * 24 * time.Hour
	}
	return &Detector{store: st, publisher: publisher, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Run tests recent signals against active patterns, then runs the
// progression pass over open cascade alerts.
func (d *Detector) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "cascade"))
	start := time.Now()
	res := &Result{}
	now := d.now()

	patterns, err := d.store.ListActivePatterns(ctx, d.cfg.MinPatternConfidence)
	if err != nil {
		return res, eris.Wrap(err, "cascade: list patterns")
	}
	res.Patterns = len(patterns)

	signals, err := d.store.ListSignals(ctx, store.SignalFilter{
		OrganizationID: d.cfg.OrganizationID,
		ExcludeTypes:   []string{model.SignalTypeCascadeAlert},
		Status:         model.SignalStatusActive,
		Since:          now.Add(-d.cfg.Lookback),
	})
	if err != nil {
		return res, eris.Wrap(err, "cascade: list signals")
	}
	res.Signals = len(signals)

	for i := range signals {
		if d.cfg.Budget > 0 && time.Since(start) >= d.cfg.Budget {
			res.BudgetExhausted = true
			break
		}
		if ctx.Err() != nil {
			break
		}
		sig := &signals[i]
		res.Processed++
		matched := false
		for j := range patterns {
			p := &patterns[j]
			if !Matches(sig, p) || len(p.Steps) == 0 {
				continue
			}
			matched = true
			if err := d.emit(ctx, sig, p, res); err != nil {
				res.Failed++
				log.Warn("cascade: emit failed",
					zap.String("signal_id", sig.ID),
					zap.String("pattern", p.Name),
					zap.Error(err),
				)
			}
		}
		if matched {
			res.Succeeded++
		} else {
			res.Skipped++
		}
	}

	if !res.BudgetExhausted {
		if err := d.progress(ctx, signals, res); err != nil {
			return res, err
		}
	}

	log.Info("cascade: run complete",
		zap.Int("signals", res.Signals),
		zap.Int("alerts", res.Alerts),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("progressions", res.Progressions),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// emit inserts the cascade alert for (sig, p) unless one already exists. An
// existing alert whose prediction was never written is completed instead, so
// a failed write is retried by the next run.
func (d *Detector) emit(ctx context.Context, sig *model.Signal, p *model.Pattern, res *Result) error {
	existing, err := d.store.FindCascadeAlert(ctx, sig.ID, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		res.Duplicates++
		return d.completeAlert(ctx, existing, sig, p, res)
	}

	alert := BuildAlert(sig, p, d.now())
	inserted, err := d.store.InsertSignal(ctx, alert)
	if err != nil {
		return err
	}
	if !inserted {
		// Lost a race with a concurrent run; the unique index kept one alert.
		res.Duplicates++
		return nil
	}
	res.Alerts++

	if err := d.predict(ctx, alert, sig, p, res); err != nil {
		return err
	}
	d.publish(ctx, alert)
	return nil
}

// completeAlert writes the missing prediction of an alert stored by an
// earlier run and publishes the alert, which that run never got to.
func (d *Detector) completeAlert(ctx context.Context, alert, sig *model.Signal, p *model.Pattern, res *Result) error {
	if alert.PatternData.NextPendingStep() == nil {
		return nil
	}
	preds, err := d.store.ListPredictions(ctx, store.PredictionFilter{SignalID: alert.ID, Limit: 1})
	if err != nil {
		return eris.Wrap(err, "cascade: list alert predictions")
	}
	if len(preds) > 0 {
		return nil
	}
	if err := d.predict(ctx, alert, sig, p, res); err != nil {
		return err
	}
	res.Recovered++
	d.publish(ctx, alert)
	return nil
}

// predict records the prediction for the alert's next pending step.
func (d *Detector) predict(ctx context.Context, alert, sig *model.Signal, p *model.Pattern, res *Result) error {
	next := alert.PatternData.NextPendingStep()
	if next == nil {
		return nil
	}
	pred := &model.Prediction{
		OrganizationID:         alert.OrganizationID,
		SignalID:               alert.ID,
		TargetID:               alert.TargetID,
		SignalType:             sig.Type,
		PatternID:              p.ID,
		PredictedOutcome:       stepOutcome(sig, next),
		PredictedTimeframeDays: next.DelayDays,
		PredictedConfidence:    p.Confidence,
		PredictedAt:            alert.CreatedAt,
	}
	if err := d.store.InsertPrediction(ctx, pred); err != nil {
		return eris.Wrap(err, "cascade: insert prediction")
	}
	res.Predictions++
	return nil
}

func (d *Detector) publish(ctx context.Context, alert *model.Signal) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishAlert(ctx, alert); err != nil {
		zap.L().Warn("cascade: publish alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
}

// BuildAlert creates the cascade alert signal for a trigger and pattern.
func BuildAlert(sig *model.Signal, p *model.Pattern, now time.Time) *model.Signal {
	pd := &model.PatternData{
		TriggerSignalID:  sig.ID,
		PatternID:        p.ID,
		PatternName:      p.Name,
		TriggeredAt:      sig.CreatedAt,
		ExpectedTimeline: Timeline(p, sig.CreatedAt),
	}
	next := pd.NextPendingStep()

	desc := fmt.Sprintf("%q matched pattern %q.", sig.Title, p.Name)
	urgency := model.UrgencyLow
	if next != nil {
		desc += fmt.Sprintf(" Next expected by %s (%d days): %s",
			next.ExpectedDate.Format("2006-01-02"), next.DelayDays, stepOutcome(sig, next))
		switch {
		case next.DelayDays <= 7:
			urgency = model.UrgencyHigh
		case next.DelayDays <= 30:
			urgency = model.UrgencyMedium
		}
	}

	target := sig.TargetName
	if target == "" {
		target = sig.Title
	}
	return &model.Signal{
		OrganizationID: sig.OrganizationID,
		Type:           model.SignalTypeCascadeAlert,
		Subtype:        sig.Type,
		Title:          fmt.Sprintf("%s: %s cascade", target, p.Name),
		Description:    desc,
		TargetID:       sig.TargetID,
		TargetName:     sig.TargetName,
		TargetType:     sig.TargetType,
		Confidence:     math.Round(p.Confidence*sig.Confidence*1000) / 1000,
		Urgency:        urgency,
		Evidence: model.Evidence{
			DataPoints: []model.DataPoint{
				{Kind: "trigger_signal", Value: sig.ID},
				{Kind: "pattern", Value: p.Name},
			},
			Reasoning:   fmt.Sprintf("%s signal matched trigger %q (pattern accuracy %.2f)", sig.Type, p.TriggerSignalType, p.AccuracyRate),
			DocumentIDs: documentIDs(sig),
		},
		PatternData:     pd,
		TriggerSignalID: sig.ID,
		PatternID:       p.ID,
		Status:          model.SignalStatusActive,
		CreatedAt:       now,
	}
}

func stepOutcome(sig *model.Signal, step *model.TimelineStep) string {
	text := step.Description
	if text == "" {
		text = step.Action
	}
	if sig.TargetName != "" {
		return sig.TargetName + ": " + text
	}
	return text
}

func documentIDs(sig *model.Signal) []string {
	if sig.DocumentID != "" {
		return []string{sig.DocumentID}
	}
	return sig.Evidence.DocumentIDs
}
