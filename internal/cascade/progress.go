package cascade

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

// progress re-scans open cascade alerts against the recent signals. A signal
// whose text shares enough keywords with a pending step's action marks that
// step observed and counts as a real-world observation of the pattern. Each
// signal observes at most one step per alert.
func (d *Detector) progress(ctx context.Context, recent []model.Signal, res *Result) error {
	log := zap.L().With(zap.String("component", "cascade"))
	if len(recent) == 0 {
		return nil
	}

	alerts, err := d.store.ListSignals(ctx, store.SignalFilter{
		OrganizationID: d.cfg.OrganizationID,
		Types:          []string{model.SignalTypeCascadeAlert},
		Status:         model.SignalStatusActive,
		Since:          d.now().Add(-d.cfg.ProgressionLookback),
	})
	if err != nil {
		return eris.Wrap(err, "cascade: list alerts")
	}

	for i := range alerts {
		alert := &alerts[i]
		pd := alert.PatternData
		if pd == nil || pd.NextPendingStep() == nil {
			continue
		}
		observedBy := map[string]bool{}
		for _, s := range pd.ExpectedTimeline {
			if s.ObservedSignalID != "" {
				observedBy[s.ObservedSignalID] = true
			}
		}

		var observations []model.Signal
		for j := range recent {
			sig := &recent[j]
			if sig.OrganizationID != alert.OrganizationID || sig.ID == pd.TriggerSignalID ||
				observedBy[sig.ID] || !sig.CreatedAt.After(pd.TriggeredAt) {
				continue
			}
			if d.observe(pd, sig) {
				observedBy[sig.ID] = true
				observations = append(observations, *sig)
			}
		}
		if len(observations) == 0 {
			continue
		}

		if err := d.store.UpdateSignalPatternData(ctx, alert.ID, pd); err != nil {
			res.Failed++
			log.Warn("cascade: update alert timeline", zap.String("alert_id", alert.ID), zap.Error(err))
			continue
		}
		for _, sig := range observations {
			if err := d.store.RecordPatternObservation(ctx, pd.PatternID, sig.CreatedAt); err != nil {
				log.Warn("cascade: record observation", zap.String("pattern_id", pd.PatternID), zap.Error(err))
				continue
			}
			res.Progressions++
			log.Info("cascade: pattern progression observed",
				zap.String("alert_id", alert.ID),
				zap.String("pattern", pd.PatternName),
				zap.String("signal_id", sig.ID),
			)
		}
	}
	return nil
}

// observe marks the first pending step that sig matches and reports whether
// one was marked. A step with an entity type only accepts signals about a
// target of that type; signals without a target type are judged on keywords
// alone.
func (d *Detector) observe(pd *model.PatternData, sig *model.Signal) bool {
	text := sig.Type + " " + sig.Subtype + " " + sig.Title + " " + sig.Description
	for i := range pd.ExpectedTimeline {
		step := &pd.ExpectedTimeline[i]
		if step.Observed {
			continue
		}
		if step.EntityType != "" && sig.TargetType != "" && !strings.EqualFold(step.EntityType, string(sig.TargetType)) {
			continue
		}
		n, ratio := overlap(keywords(step.Action), text)
		if n >= d.cfg.ProgressionMinOverlap && ratio >= d.cfg.ProgressionMinRatio {
			at := sig.CreatedAt
			step.Observed = true
			step.ObservedSignalID = sig.ID
			step.ObservedAt = &at
			return true
		}
	}
	return false
}
