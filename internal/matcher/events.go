package matcher

import (
	"regexp"
	"slices"
)

// Event types recognized in document text.
const (
	EventLeadershipChange = "leadership_change"
	EventAcquisition      = "acquisition"
	EventLaunch           = "launch"
	EventLawsuit          = "lawsuit"
	EventRegulatory       = "regulatory"
	EventFunding          = "funding"
	EventLayoffs          = "layoffs"
	EventPartnership      = "partnership"
	EventEarnings         = "earnings"
)

// SignalTypeMention is used for matches with no detected event.
const SignalTypeMention = "mention"

type eventRule struct {
	kind string
	re   *regexp.Regexp
}

// eventRules are evaluated in order; the order also ranks the primary event
// type of a document.
var eventRules = []eventRule{
	{EventLeadershipChange, regexp.MustCompile(`(?i)\b(appoint(s|ed|ment)?|names? (a |its )?new|steps? down|stepped down|resign(s|ed|ation)?|successor|new (ceo|cfo|coo|cto|chief executive|president|chair(man|woman)?)|ousted|retir(es|ed|ement) as)\b`)},
	{EventAcquisition, regexp.MustCompile(`(?i)\b(acquir(e|es|ed|ing)|acquisition|buyout|takeover|to buy|merg(e|er|es|ed|ing))\b`)},
	{EventLaunch, regexp.MustCompile(`(?i)\b(launch(es|ed|ing)?|unveil(s|ed|ing)?|introduc(es|ed|ing)|rolls? out|rolled out|debut(s|ed)?|releas(es|ed) (a|its|the) new)\b`)},
	{EventLawsuit, regexp.MustCompile(`(?i)\b(lawsuit|su(es|ed|ing)|litigation|class action|complaint filed|court ruling|indict(ed|ment))\b`)},
	{EventRegulatory, regexp.MustCompile(`(?i)\b(regulator(s|y)?|antitrust|investigation|probe|fine[ds]?|sanction(s|ed)?|ftc|sec|fda approval|consent decree)\b`)},
	{EventFunding, regexp.MustCompile(`(?i)\b(raises?|raised|funding round|series [a-f]|seed round|venture capital|valuation of|ipo)\b`)},
	{EventLayoffs, regexp.MustCompile(`(?i)\b(layoffs?|lay(s|ing)? off|laid off|job cuts|cuts? \d+ (jobs|positions)|workforce reduction|restructuring)\b`)},
	{EventPartnership, regexp.MustCompile(`(?i)\b(partner(s|ed|ing|ship)? with|partnership|joint venture|alliance|teams? up)\b`)},
	{EventEarnings, regexp.MustCompile(`(?i)\b(earnings|quarterly results|revenue (rose|fell|grew|declined)|profit warning|guidance|fiscal (q[1-4]|quarter|year))\b`)},
}

// DetectEventTypes returns the event types whose verbs appear in text, in
// rule order.
func DetectEventTypes(text string) []string {
	var out []string
	for _, r := range eventRules {
		if r.re.MatchString(text) {
			out = append(out, r.kind)
		}
	}
	return out
}

// MergeEventTypes combines event type lists, keeping only known kinds,
// deduplicated and ordered by rule rank.
func MergeEventTypes(sets ...[]string) []string {
	var out []string
	for _, r := range eventRules {
		for _, set := range sets {
			if slices.Contains(set, r.kind) {
				out = append(out, r.kind)
				break
			}
		}
	}
	return out
}
