package custody

// Match is the outcome of a successful rule evaluation for one asset.
type Match struct {
	Rule   Rule
	Events []TrackingEvent
}

// Match evaluates the rules for status in order and returns the first one
// whose step sequence appears as a contiguous window of events. events must be
// in chronological order. Only the matched window is returned as evidence.
func (rt RuleTable) Match(status Status, events []TrackingEvent) (Match, bool) {
	for _, rule := range rt[status] {
		if start, ok := findWindow(rule.Steps, events); ok {
			window := make([]TrackingEvent, len(rule.Steps))
			copy(window, events[start:start+len(rule.Steps)])
			return Match{Rule: rule, Events: window}, true
		}
	}
	return Match{}, false
}

func findWindow(steps []Step, events []TrackingEvent) (int, bool) {
	n := len(steps)
	if n == 0 || len(events) < n {
		return 0, false
	}
	for start := 0; start+n <= len(events); start++ {
		if windowMatches(steps, events[start:start+n]) {
			return start, true
		}
	}
	return 0, false
}

func windowMatches(steps []Step, window []TrackingEvent) bool {
	for i, step := range steps {
		evt := window[i]
		if evt.EventType != step.EventType {
			return false
		}
		loc, ok := ResolveLocation(evt.Details)
		if !ok || loc != step.Location {
			return false
		}
	}
	return true
}
