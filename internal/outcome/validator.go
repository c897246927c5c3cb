// Package outcome validates predictions against later evidence. A
// prediction is checked once it has matured or expired; the evidence search
// and arbitration decide whether it came true, and every resolution feeds the
// accuracy counters of its target, signal type and pattern.
package outcome

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/llm"
	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/embedding"
)

// ValidatedBy is recorded on every resolution written by the validator.
const ValidatedBy = "outcome-validator"

// Store is the slice of the store the validator needs.
type Store interface {
	ListEligiblePredictions(ctx context.Context, now, maturedBefore time.Time, limit int) ([]model.Prediction, error)
	SavePredictionQuery(ctx context.Context, id, query string) error
	SearchDocumentsByEmbedding(ctx context.Context, vec []float32, after, before time.Time, limit int) ([]model.ScoredDocument, error)
	SearchDocumentsByKeyword(ctx context.Context, terms []string, after, before time.Time, limit int) ([]model.ScoredDocument, error)
	ResolvePrediction(ctx context.Context, id string, res model.Resolution) (bool, error)
	RecordAccuracy(ctx context.Context, organizationID, targetID, signalType string, accurate bool, now time.Time) error
	RecordPatternValidation(ctx context.Context, id string, accurate bool, now time.Time) error
}

// Config controls selection, evidence search and the accuracy policy.
type Config struct {
	Maturation    time.Duration
	Grace         time.Duration
	BatchSize     int
	EvidenceLimit int
	MinSimilarity float64
	AccurateMatch float64
	PartialMatch  float64
	SnippetChars  int
	Budget        time.Duration
}

// DefaultConfig returns the production validation settings.
func DefaultConfig() Config {
	return Config{
		Maturation:    3 * 24 * time.Hour,
		Grace:         7 * 24 * time.Hour,
		BatchSize:     20,
		EvidenceLimit: 5,
		MinSimilarity: 0.3,
		AccurateMatch: 0.6,
		PartialMatch:  0.5,
		SnippetChars:  600,
	}
}

// Result summarizes one Run.
type Result struct {
	model.Summary
	Accurate         int              `json:"accurate"`
	Inaccurate       int              `json:"inaccurate"`
	Partial          int              `json:"partial"`
	Expired          int              `json:"expired"`
	Deferred         int              `json:"deferred"`
	KeywordFallbacks int              `json:"keyword_fallbacks,omitempty"`
	RateLimited      bool             `json:"rate_limited,omitempty"`
	BudgetExhausted  bool             `json:"budget_exhausted,omitempty"`
	Usage            model.TokenUsage `json:"usage"`
}

// Detail converts the result into a stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["accurate"] = r.Accurate
	d["inaccurate"] = r.Inaccurate
	d["partial"] = r.Partial
	d["expired"] = r.Expired
	d["deferred"] = r.Deferred
	if r.KeywordFallbacks > 0 {
		d["keyword_fallbacks"] = r.KeywordFallbacks
	}
	if r.RateLimited {
		d["rate_limited"] = true
	}
	if r.BudgetExhausted {
		d["budget_exhausted"] = true
	}
	return d
}

// Validator is the outcome validator.
type Validator struct {
	store    Store
	embedder embedding.Client
	llm      llm.Completer
	cfg      Config
	now      func() time.Time
}

// NewValidator creates a validator. embedder may be nil, in which case
// evidence is found by keyword search only.
func NewValidator(st Store, embedder embedding.Client, c llm.Completer, cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.Maturation <= 0 {
		cfg.Maturation = def.Maturation
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = def.EvidenceLimit
	}
	if cfg.AccurateMatch <= 0 {
		cfg.AccurateMatch = def.AccurateMatch
	}
	if cfg.PartialMatch <= 0 {
		cfg.PartialMatch = def.PartialMatch
	}
	if cfg.SnippetChars <= 0 {
		cfg.SnippetChars = def.SnippetChars
	}
	return &Validator{store: st, embedder: embedder, llm: c, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

type disposition int

const (
	resolvedAccurate disposition = iota
	resolvedInaccurate
	resolvedPartial
	resolvedExpired
	// The window closed on an inconclusive verdict. The prediction is
	// expired but stays out of the accuracy counters.
	expiredUndecided
	deferred
	alreadyResolved
)

// Run validates up to BatchSize eligible predictions. A prediction becomes
// eligible once it expired or is older than the maturation period.
func (v *Validator) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "outcome"))
	start := time.Now()
	res := &Result{}
	now := v.now()

	preds, err := v.store.ListEligiblePredictions(ctx, now, now.Add(-v.cfg.Maturation), v.cfg.BatchSize)
	if err != nil {
		return res, eris.Wrap(err, "outcome: list eligible predictions")
	}

	for i := range preds {
		if ctx.Err() != nil {
			break
		}
		if v.cfg.Budget > 0 && time.Since(start) >= v.cfg.Budget {
			res.BudgetExhausted = true
			break
		}
		p := &preds[i]
		res.Processed++

		d, err := v.validate(ctx, p, res)
		if err != nil {
			res.Failed++
			log.Warn("outcome: validation failed", zap.String("prediction_id", p.ID), zap.Error(err))
			if resilience.IsRateLimit(err) {
				res.RateLimited = true
				break
			}
			continue
		}
		switch d {
		case resolvedAccurate:
			res.Accurate++
		case resolvedInaccurate:
			res.Inaccurate++
		case resolvedPartial:
			res.Partial++
		case resolvedExpired, expiredUndecided:
			res.Expired++
		case deferred:
			res.Deferred++
			res.Skipped++
			continue
		case alreadyResolved:
			res.Skipped++
			continue
		}
		res.Succeeded++
	}

	log.Info("outcome: run complete",
		zap.Int("processed", res.Processed),
		zap.Int("accurate", res.Accurate),
		zap.Int("inaccurate", res.Inaccurate),
		zap.Int("partial", res.Partial),
		zap.Int("expired", res.Expired),
		zap.Int("deferred", res.Deferred),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (v *Validator) validate(ctx context.Context, p *model.Prediction, res *Result) (disposition, error) {
	now := v.now()
	closed := now.After(p.ExpiresAt)

	query := p.SearchQuery
	if query == "" {
		query = BuildQuery(p)
		if err := v.store.SavePredictionQuery(ctx, p.ID, query); err != nil {
			return deferred, eris.Wrap(err, "outcome: save query")
		}
	}

	evidence, fellBack, err := v.findEvidence(ctx, p, query)
	if fellBack {
		res.KeywordFallbacks++
	}
	if err != nil {
		return deferred, eris.Wrap(err, "outcome: evidence search")
	}

	if len(evidence) == 0 {
		if !closed {
			return deferred, nil
		}
		return v.resolve(ctx, p, model.Resolution{
			Status:      model.PredictionStatusExpired,
			WasAccurate: false,
			Reasoning:   "no supporting evidence found before the prediction window closed",
		}, resolvedExpired)
	}

	result := llm.CompleteJSON(ctx, v.llm, v.arbitrationRequest(p, evidence),
		inconclusive("arbitration output was not usable"), validateVerdict)
	res.Usage.Add(model.TokenUsage{
		InputTokens:  int(result.Usage.InputTokens),
		OutputTokens: int(result.Usage.OutputTokens),
		Cost:         result.Usage.Cost,
	})
	if result.IsErr() {
		return deferred, eris.Wrap(result.Err, "outcome: arbitration")
	}
	verdict := result.Value

	status, accurate, resolved := v.Decide(verdict)
	if !resolved {
		// Nothing new can arrive once the grace period is over.
		_, before := v.window(p)
		if now.After(before) {
			return v.resolve(ctx, p, model.Resolution{
				Status:          model.PredictionStatusExpired,
				OutcomeOccurred: verdict.OutcomeOccurred,
				Reasoning:       verdict.Reasoning,
			}, expiredUndecided)
		}
		return deferred, nil
	}

	ids := make([]string, len(evidence))
	for i := range evidence {
		ids[i] = evidence[i].Document.ID
	}
	d := resolvedInaccurate
	switch status {
	case model.PredictionStatusAccurate:
		d = resolvedAccurate
	case model.PredictionStatusPartial:
		d = resolvedPartial
	}
	return v.resolve(ctx, p, model.Resolution{
		Status:              status,
		WasAccurate:         accurate,
		OutcomeMatch:        verdict.MatchScore,
		OutcomeOccurred:     verdict.OutcomeOccurred,
		Reasoning:           verdict.Reasoning,
		EvidenceDocumentIDs: ids,
	}, d)
}

// resolve writes the resolution once and updates the accuracy counters. The
// writes ignore cancellation so a resolution is never half recorded.
func (v *Validator) resolve(ctx context.Context, p *model.Prediction, r model.Resolution, d disposition) (disposition, error) {
	ctx = context.WithoutCancel(ctx)
	now := v.now()
	r.ValidatedBy = ValidatedBy
	r.ValidatedAt = now

	ok, err := v.store.ResolvePrediction(ctx, p.ID, r)
	if err != nil {
		return deferred, eris.Wrap(err, "outcome: resolve")
	}
	if !ok {
		return alreadyResolved, nil
	}
	if d == expiredUndecided {
		return d, nil
	}

	if err := v.store.RecordAccuracy(ctx, p.OrganizationID, p.TargetID, p.SignalType, r.WasAccurate, now); err != nil {
		zap.L().Warn("outcome: record accuracy", zap.String("prediction_id", p.ID), zap.Error(err))
	}
	if p.PatternID != "" {
		if err := v.store.RecordPatternValidation(ctx, p.PatternID, r.WasAccurate, now); err != nil {
			zap.L().Warn("outcome: record pattern validation", zap.String("pattern_id", p.PatternID), zap.Error(err))
		}
	}
	return d, nil
}
