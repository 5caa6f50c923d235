package custody

import (
	"fmt"
	"sync"
	"time"
)

// attemptTracker counts consecutive failures per evidence bundle and parks
// bundles that reach the limit. State lives for the life of the process.
type attemptTracker struct {
	max int

	mu       sync.Mutex
	failures map[string]int
	parked   map[string]struct{}
}

func newAttemptTracker(max int) *attemptTracker {
	return &attemptTracker{
		max:      max,
		failures: make(map[string]int),
		parked:   make(map[string]struct{}),
	}
}

// attemptKey identifies a candidate across cycles. Bundles without events
// all hash alike, so those are keyed by the status episode they came from.
func attemptKey(c Candidate, hash string) string {
	if len(c.Events) == 0 {
		since := "-"
		if c.Since != nil {
			since = c.Since.UTC().Format(time.RFC3339Nano)
		}
		return fmt.Sprintf("%s|%s|%s|%s@%s", c.AssetID, c.Transition, hash, c.From, since)
	}
	return fmt.Sprintf("%s|%s|%s", c.AssetID, c.Transition, hash)
}

func (t *attemptTracker) isParked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.parked[key]
	return ok
}

// fail records a failure and reports the running count and whether the
// bundle is now parked. A zero max never parks.
func (t *attemptTracker) fail(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[key]++
	n := t.failures[key]
	if t.max > 0 && n >= t.max {
		t.parked[key] = struct{}{}
		delete(t.failures, key)
		return n, true
	}
	return n, false
}

func (t *attemptTracker) clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}
