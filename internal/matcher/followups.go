package matcher

import "fmt"

// FollowUp is the future outcome implied by an event type.
type FollowUp struct {
	Outcome       string
	TimeframeDays int
	// Weight scales the signal confidence into the prediction confidence.
	Weight float64
}

var followUps = map[string]FollowUp{
	EventLeadershipChange: {Outcome: "%s announces organizational restructuring or further executive changes", TimeframeDays: 60, Weight: 0.6},
	EventAcquisition:      {Outcome: "%s acquisition faces regulatory review or closes", TimeframeDays: 90, Weight: 0.7},
	EventLawsuit:          {Outcome: "%s lawsuit reaches a ruling or settlement", TimeframeDays: 120, Weight: 0.5},
	EventRegulatory:       {Outcome: "%s receives a regulatory decision or penalty", TimeframeDays: 90, Weight: 0.5},
	EventFunding:          {Outcome: "%s expands hiring or launches new products after funding", TimeframeDays: 90, Weight: 0.5},
	EventLayoffs:          {Outcome: "%s announces further cost cuts or restructuring", TimeframeDays: 60, Weight: 0.5},
	EventLaunch:           {Outcome: "%s reports customer adoption or expansion of the launch", TimeframeDays: 45, Weight: 0.4},
}

// FollowUpFor returns the predicted follow-up for an event type about the
// named target, and false when the event type implies none.
func FollowUpFor(eventType, targetName string) (FollowUp, bool) {
	f, ok := followUps[eventType]
	if !ok {
		return FollowUp{}, false
	}
	f.Outcome = fmt.Sprintf(f.Outcome, targetName)
	return f, true
}
