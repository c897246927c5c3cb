package outcome

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/llm"
	"github.com/sells-group/signal-cli/internal/model"
)

const arbitrationSystemPrompt = `You verify whether a predicted business event actually happened.
You receive a prediction and evidence excerpts from articles published after it was made.
Judge only from the evidence. Respond with JSON only:
{"outcome_occurred": "yes" | "no" | "partial" | "inconclusive", "match_score": number between 0 and 1, "reasoning": "one or two sentences"}`

// Verdict is the arbitration answer for one prediction.
type Verdict struct {
	OutcomeOccurred model.OutcomeOccurred `json:"outcome_occurred"`
	MatchScore      float64               `json:"match_score"`
	Reasoning       string                `json:"reasoning"`
}

func inconclusive(reason string) Verdict {
	return Verdict{OutcomeOccurred: model.OutcomeInconclusive, Reasoning: reason}
}

func validateVerdict(v *Verdict) error {
	v.OutcomeOccurred = model.OutcomeOccurred(strings.ToLower(strings.TrimSpace(string(v.OutcomeOccurred))))
	switch v.OutcomeOccurred {
	case model.OutcomeYes, model.OutcomeNo, model.OutcomePartial, model.OutcomeInconclusive:
	default:
		return eris.Errorf("unknown outcome %q", v.OutcomeOccurred)
	}
	if v.MatchScore < 0 || v.MatchScore > 1 {
		return eris.Errorf("match_score %.2f out of range", v.MatchScore)
	}
	return nil
}

func (v *Validator) arbitrationRequest(p *model.Prediction, evidence []model.ScoredDocument) llm.Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Prediction (made %s, expected within %d days): %s\n\n",
		p.PredictedAt.Format("2006-01-02"), p.PredictedTimeframeDays, p.PredictedOutcome)
	for i, e := range evidence {
		d := e.Document
		fmt.Fprintf(&sb, "<evidence index=\"%d\" published=%q similarity=\"%.2f\">\n%s\n%s\n</evidence>\n",
			i+1, d.Timestamp().Format("2006-01-02"), e.Similarity, d.Title, excerpt(d.Content, v.cfg.SnippetChars))
	}
	return llm.Request{
		System:    arbitrationSystemPrompt,
		Prompt:    sb.String(),
		MaxTokens: 400,
		Phase:     "outcome",
	}
}

// Decide applies the accuracy policy to a verdict. resolved is false when
// the verdict leaves the prediction for a later pass.
func (v *Validator) Decide(verdict Verdict) (status model.PredictionStatus, accurate, resolved bool) {
	switch verdict.OutcomeOccurred {
	case model.OutcomeYes:
		if verdict.MatchScore >= v.cfg.AccurateMatch {
			return model.PredictionStatusAccurate, true, true
		}
		// A weak "yes" is judged like a partial outcome.
		return model.PredictionStatusPartial, verdict.MatchScore >= v.cfg.PartialMatch, true
	case model.OutcomePartial:
		return model.PredictionStatusPartial, verdict.MatchScore >= v.cfg.PartialMatch, true
	case model.OutcomeNo:
		return model.PredictionStatusInaccurate, false, true
	default:
		return model.PredictionStatusPending, false, false
	}
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
