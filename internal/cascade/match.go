package cascade

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/signal-cli/internal/matcher"
	"github.com/sells-group/signal-cli/internal/model"
)

// Matches reports whether sig triggers p. The signal type or subtype must
// contain, or be contained by, the trigger type. Entity types are checked
// only when both sides carry one. Trigger keywords must appear in the title
// or description when the pattern lists any.
func Matches(sig *model.Signal, p *model.Pattern) bool {
	trigger := strings.ToLower(strings.TrimSpace(p.TriggerSignalType))
	if trigger == "" {
		return false
	}
	typeHit := false
	for _, t := range []string{sig.Type, sig.Subtype} {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && (strings.Contains(t, trigger) || strings.Contains(trigger, t)) {
			typeHit = true
			break
		}
	}
	if !typeHit {
		return false
	}

	if len(p.TriggerEntityTypes) > 0 && sig.TargetType != "" {
		ok := false
		for _, et := range p.TriggerEntityTypes {
			if strings.EqualFold(strings.TrimSpace(et), string(sig.TargetType)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(p.TriggerKeywords) > 0 {
		text := matcher.Normalize(sig.Title + " " + sig.Description)
		for _, kw := range p.TriggerKeywords {
			if matcher.ContainsPhrase(text, kw) {
				return true
			}
		}
		return false
	}
	return true
}

// Timeline computes the expected dates of the pattern steps relative to the
// trigger time, ordered by step index.
func Timeline(p *model.Pattern, trigger time.Time) []model.TimelineStep {
	steps := make([]model.CascadeStep, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })

	out := make([]model.TimelineStep, len(steps))
	for i, s := range steps {
		out[i] = model.TimelineStep{
			StepIndex:    s.Step,
			DelayDays:    s.DelayDays,
			ExpectedDate: trigger.Add(time.Duration(s.DelayDays) * 24 * time.Hour),
			EntityType:   s.EntityType,
			Action:       s.ExpectedAction,
			Description:  s.Description,
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true, "that": true,
	"this": true, "will": true, "its": true, "their": true, "are": true, "was": true, "has": true,
	"have": true, "new": true, "after": true, "over": true, "more": true,
}

// keywords returns the distinct significant words of text.
func keywords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(matcher.Normalize(text)) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// overlap counts how many step keywords appear in the signal text and
// returns the count with its ratio to the number of step keywords.
func overlap(step []string, text string) (int, float64) {
	if len(step) == 0 {
		return 0, 0
	}
	words := map[string]bool{}
	for _, w := range keywords(text) {
		words[w] = true
	}
	n := 0
	for _, k := range step {
		if words[k] {
			n++
		}
	}
	return n, float64(n) / float64(len(step))
}
