// Package enrich turns scraped documents into structured metadata through
// the completion gateway and into vectors through the embedding gateway. Both
// batchers are incremental: each run handles a bounded number of batches and
// leaves the remainder for the next scheduled run.
package enrich

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sells-group/signal-cli/internal/model"
)

// Result summarizes one batcher run.
type Result struct {
	model.Summary
	Batches         int              `json:"batches"`
	Fallbacks       int              `json:"fallbacks,omitempty"`
	Backoffs        int              `json:"backoffs,omitempty"`
	RateLimited     bool             `json:"rate_limited,omitempty"`
	BudgetExhausted bool             `json:"budget_exhausted,omitempty"`
	Usage           model.TokenUsage `json:"usage"`
}

// Detail converts the result into a stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["batches"] = r.Batches
	if r.Fallbacks > 0 {
		d["fallbacks"] = r.Fallbacks
	}
	if r.Backoffs > 0 {
		d["backoffs"] = r.Backoffs
	}
	if r.RateLimited {
		d["rate_limited"] = true
	}
	if r.BudgetExhausted {
		d["budget_exhausted"] = true
	}
	if r.Usage.InputTokens > 0 {
		d["input_tokens"] = r.Usage.InputTokens
		d["output_tokens"] = r.Usage.OutputTokens
		d["cost_usd"] = r.Usage.Cost
	}
	return d
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// firstSentences returns the leading sentences of s up to n runes.
func firstSentences(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := truncate(s, n)
	if i := strings.LastIndexAny(cut, ".!?"); i > len(cut)/3 {
		return cut[:i+1]
	}
	return cut
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func since(now time.Time, recency time.Duration) time.Time {
	if recency <= 0 {
		return time.Time{}
	}
	return now.Add(-recency)
}
