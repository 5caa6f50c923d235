package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CanonicalEvent serializes evt deterministically: object keys are sorted,
// timestamps are UTC RFC 3339 with nanoseconds, and the consumption link is
// excluded so the form is stable before and after commit.
func CanonicalEvent(evt TrackingEvent) ([]byte, error) {
	var assetID any
	if evt.AssetID != nil {
		assetID = evt.AssetID.String()
	}
	details := evt.Details
	if details == nil {
		details = map[string]any{}
	}

	doc := map[string]any{
		"id":         evt.ID,
		"asset_id":   assetID,
		"sensor_id":  evt.SensorID.String(),
		"event_type": string(evt.EventType),
		"details":    details,
		"timestamp":  evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize event %d: %w", evt.ID, err)
	}
	return data, nil
}

// EvidenceHash returns the hex SHA-256 of the lexicographically sorted
// canonical forms of events, concatenated. The result does not depend on the
// order of events. An empty bundle hashes the empty input.
func EvidenceHash(events []TrackingEvent) (string, error) {
	forms := make([]string, 0, len(events))
	for _, evt := range events {
		data, err := CanonicalEvent(evt)
		if err != nil {
			return "", err
		}
		forms = append(forms, string(data))
	}
	sort.Strings(forms)

	h := sha256.New()
	for _, f := range forms {
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
