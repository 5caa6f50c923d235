package custody

import (
	"errors"
	"fmt"
	"time"
)

// AnomalyRule bounds how long an asset may remain in a transient status.
type AnomalyRule struct {
	MaxTransitDuration time.Duration
}

// Detector flags assets that overstay a transient status.
type Detector struct {
	rule AnomalyRule
	now  func() time.Time
}

// NewDetector creates a Detector. now defaults to time.Now.
func NewDetector(rule AnomalyRule, now func() time.Time) (*Detector, error) {
	if rule.MaxTransitDuration <= 0 {
		return nil, errors.New("max transit duration must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{rule: rule, now: now}, nil
}

// Check returns a SECURITY_BREACH candidate when asset has been in a
// transient status for strictly longer than the configured maximum. Assets
// with no recorded transition time are skipped.
func (d *Detector) Check(asset Asset) (Candidate, bool) {
	if !asset.Status.Transient() || asset.LastTransitionAt == nil {
		return Candidate{}, false
	}

	now := d.now().UTC()
	elapsed := now.Sub(*asset.LastTransitionAt)
	if elapsed <= d.rule.MaxTransitDuration {
		return Candidate{}, false
	}

	return Candidate{
		AssetID:    asset.ID,
		From:       asset.Status,
		Transition: TransitionSecurityBreach,
		Next:       NextStatus[TransitionSecurityBreach],
		Timestamp:  now,
		Since:      asset.LastTransitionAt,
		Reason: fmt.Sprintf("%s for %s, limit %s",
			asset.Status, elapsed.Truncate(time.Second), d.rule.MaxTransitDuration),
	}, true
}

// Detect runs Check over every asset and returns the anomalies found.
func (d *Detector) Detect(assets []Asset) []Candidate {
	var out []Candidate
	for _, asset := range assets {
		if c, ok := d.Check(asset); ok {
			out = append(out, c)
		}
	}
	return out
}
