package custody

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the custody state of an asset.
type Status string

const (
	StatusInVault        Status = "IN_VAULT"
	StatusInTransitOut   Status = "IN_TRANSIT_OUT"
	StatusInViewing      Status = "IN_VIEWING"
	StatusInTransitIn    Status = "IN_TRANSIT_IN"
	StatusReleased       Status = "RELEASED"
	StatusFlaggedAnomaly Status = "FLAGGED_ANOMALY"
)

var allStatuses = []Status{
	StatusInVault,
	StatusInTransitOut,
	StatusInViewing,
	StatusInTransitIn,
	StatusReleased,
	StatusFlaggedAnomaly,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Transient reports whether the status is subject to the transit time limit.
func (s Status) Transient() bool {
	return s == StatusInTransitOut || s == StatusInTransitIn
}

// ParseStatus converts raw into a Status, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown asset status %q", raw)
	}
	return s, nil
}

// Transition names a recorded custody change.
type Transition string

const (
	TransitionVaultExit           Transition = "VAULT_EXIT"
	TransitionCustodyTransfer     Transition = "CUSTODY_TRANSFER"
	TransitionVaultReturn         Transition = "VAULT_RETURN"
	TransitionSecurityBreach      Transition = "SECURITY_BREACH"
	TransitionEnvironmentalBreach Transition = "ENVIRONMENTAL_BREACH"
)

// NextStatus maps each transition to the status an asset moves into when no
// rule overrides the target.
var NextStatus = map[Transition]Status{
	TransitionVaultExit:           StatusInTransitOut,
	TransitionCustodyTransfer:     StatusInViewing,
	TransitionVaultReturn:         StatusInVault,
	TransitionSecurityBreach:      StatusFlaggedAnomaly,
	TransitionEnvironmentalBreach: StatusFlaggedAnomaly,
}

// Valid reports whether t is one of the known transitions.
func (t Transition) Valid() bool {
	_, ok := NextStatus[t]
	return ok
}

// ParseTransition converts raw into a Transition, rejecting unknown values.
func ParseTransition(raw string) (Transition, error) {
	t := Transition(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transition %q", raw)
	}
	return t, nil
}

// EventType is the sensor event vocabulary understood by the rule engine.
type EventType string

const (
	EventCustodianAuthSuccess EventType = "CUSTODIAN_AUTH_SUCCESS"
	EventCustodianAuthFailure EventType = "CUSTODIAN_AUTH_FAILURE"
	EventAssetScan            EventType = "ASSET_SCAN"
	EventWeightPlateStable    EventType = "WEIGHT_PLATE_STABLE"
	EventShowcaseSecured      EventType = "SHOWCASE_SECURED"
	EventShowcaseOpened       EventType = "SHOWCASE_OPENED"
	EventEnvReading           EventType = "ENV_READING"
	EventCameraMotion         EventType = "CAMERA_MOTION_DETECTED"
)

var allEventTypes = []EventType{
	EventCustodianAuthSuccess,
	EventCustodianAuthFailure,
	EventAssetScan,
	EventWeightPlateStable,
	EventShowcaseSecured,
	EventShowcaseOpened,
	EventEnvReading,
	EventCameraMotion,
}

// Valid reports whether e is part of the known event vocabulary.
func (e EventType) Valid() bool {
	for _, known := range allEventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// ParseEventType converts raw into an EventType, rejecting unknown values.
func ParseEventType(raw string) (EventType, error) {
	e := EventType(strings.ToUpper(strings.TrimSpace(raw)))
	if !e.Valid() {
		return "", fmt.Errorf("unknown event type %q", raw)
	}
	return e, nil
}

// Location is a named zone of the facility.
type Location string

const (
	LocationVault        Location = "VAULT"
	LocationTransferZone Location = "TRANSFER_ZONE"
	LocationAntechamber  Location = "ANTECHAMBER"
	LocationViewingRoom1 Location = "VIEWING_ROOM_1"
	LocationViewingRoom2 Location = "VIEWING_ROOM_2"
)

// Locations lists the facility topology in seeding order.
var Locations = []Location{
	LocationVault,
	LocationTransferZone,
	LocationAntechamber,
	LocationViewingRoom1,
	LocationViewingRoom2,
}

// Valid reports whether l names a zone of the facility.
func (l Location) Valid() bool {
	for _, known := range Locations {
		if l == known {
			return true
		}
	}
	return false
}

// Asset is the snapshot of a tracked item read at the start of a cycle.
type Asset struct {
	ID               uuid.UUID  `json:"id"`
	Status           Status     `json:"status"`
	LastTransitionAt *time.Time `json:"last_transition_at,omitempty"`
}

// TrackingEvent is a raw sensor observation. StateChangeID stays nil until the
// event is consumed by a committed transition.
type TrackingEvent struct {
	ID            int64          `json:"id"`
	AssetID       *uuid.UUID     `json:"asset_id"`
	SensorID      uuid.UUID      `json:"sensor_id"`
	EventType     EventType      `json:"event_type"`
	Details       map[string]any `json:"details"`
	Timestamp     time.Time      `json:"timestamp"`
	StateChangeID *uuid.UUID     `json:"state_change_id,omitempty"`
}

// StateChange is the durable, ledger-anchored record of a transition.
type StateChange struct {
	ID           uuid.UUID  `json:"id"`
	AssetID      uuid.UUID  `json:"asset_id"`
	Transition   Transition `json:"transition"`
	Timestamp    time.Time  `json:"timestamp"`
	EvidenceHash string     `json:"evidence_hash"`
	LedgerTxID   string     `json:"ledger_tx_id"`
}

// Candidate is a proposed transition awaiting anchoring and commit.
type Candidate struct {
	AssetID    uuid.UUID
	From       Status
	Transition Transition
	Next       Status
	Events     []TrackingEvent
	Timestamp  time.Time
	Reason     string
	// Since is the status entry time an anomaly was measured from. It tells
	// apart anomalies whose evidence bundles are all empty.
	Since *time.Time
}

// EventIDs returns the ids of the candidate's evidence bundle in order.
func (c Candidate) EventIDs() []int64 {
	ids := make([]int64, 0, len(c.Events))
	for _, evt := range c.Events {
		ids = append(ids, evt.ID)
	}
	return ids
}
