package outcome

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/matcher"
	"github.com/sells-group/signal-cli/internal/model"
)

var queryStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true, "that": true,
	"this": true, "will": true, "its": true, "their": true, "are": true, "was": true, "has": true,
	"have": true, "after": true, "over": true, "more": true, "further": true, "announces": true,
	"reports": true, "receives": true, "faces": true, "reaches": true, "named": true,
}

// BuildQuery derives the evidence search query from the predicted outcome.
func BuildQuery(p *model.Prediction) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(p.PredictedOutcome, ":", " ")), " ")
}

// queryTerms returns the significant words of a query for keyword search.
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(matcher.Normalize(query)) {
		if len(w) < 3 || queryStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// window is the relevance window of a prediction: documents published after
// the prediction and no later than expiry plus grace.
func (v *Validator) window(p *model.Prediction) (time.Time, time.Time) {
	return p.PredictedAt, p.ExpiresAt.Add(v.cfg.Grace)
}

// findEvidence searches by vector similarity and falls back to keyword search
// when the embedding call fails. It reports whether the fallback was used.
func (v *Validator) findEvidence(ctx context.Context, p *model.Prediction, query string) ([]model.ScoredDocument, bool, error) {
	after, before := v.window(p)

	if v.embedder != nil {
		vecs, err := v.embedder.Embed(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			docs, err := v.store.SearchDocumentsByEmbedding(ctx, vecs[0], after, before, v.cfg.EvidenceLimit)
			if err != nil {
				return nil, false, err
			}
			return v.relevant(docs), false, nil
		}
		zap.L().Warn("outcome: embedding failed, using keyword search",
			zap.String("prediction_id", p.ID),
			zap.Error(err),
		)
	}

	docs, err := v.store.SearchDocumentsByKeyword(ctx, queryTerms(query), after, before, v.cfg.EvidenceLimit)
	if err != nil {
		return nil, true, err
	}
	return v.relevant(docs), true, nil
}

func (v *Validator) relevant(docs []model.ScoredDocument) []model.ScoredDocument {
	out := docs[:0]
	for _, d := range docs {
		if d.Similarity >= v.cfg.MinSimilarity {
			out = append(out, d)
		}
	}
	return out
}
