package custody

import "strings"

const (
	detailDirection    = "direction"
	detailLocationName = "location_name"
	detailLocationFrom = "location_from"
	detailLocationTo   = "location_to"
)

var locationFields = []string{detailDirection, detailLocationName, detailLocationFrom, detailLocationTo}

// ResolveLocation returns the zone an event is attributed to. Movement events
// (direction "enter" or "exit") resolve to their destination, else their
// origin. Other events resolve to location_name, then location_to, then
// location_from. Non-string values are treated as absent.
func ResolveLocation(details map[string]any) (Location, bool) {
	if isMovement(details) {
		return firstString(details, detailLocationTo, detailLocationFrom)
	}
	return firstString(details, detailLocationName, detailLocationTo, detailLocationFrom)
}

// MalformedLocationFields lists location attributes present with a non-string value.
func MalformedLocationFields(details map[string]any) []string {
	var bad []string
	for _, key := range locationFields {
		v, ok := details[key]
		if !ok || v == nil {
			continue
		}
		if _, isString := v.(string); !isString {
			bad = append(bad, key)
		}
	}
	return bad
}

func isMovement(details map[string]any) bool {
	dir, ok := details[detailDirection].(string)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "enter", "exit":
		return true
	default:
		return false
	}
}

func firstString(details map[string]any, keys ...string) (Location, bool) {
	for _, key := range keys {
		v, ok := details[key].(string)
		if !ok || v == "" {
			continue
		}
		return Location(v), true
	}
	return "", false
}
