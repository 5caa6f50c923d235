package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aegis/services/custody"
)

// Sensor categories.
const (
	CategoryBiometric     = "BIOMETRIC_SCANNER"
	CategoryRFIDGate      = "RFID_GATE"
	CategoryEnvironmental = "ENVIRONMENTAL"
	CategoryCameraMotion  = "CAMERA_MOTION"
	CategoryWeightPlate   = "WEIGHT_PLATE"
	CategorySmartShowcase = "SMART_SHOWCASE"
	CategoryNFCReader     = "NFC_READER"
)

// SensorOnline is the only status that accepts new events.
const SensorOnline = "ONLINE"

// ErrInvalid marks a request that is well formed but semantically unusable.
var ErrInvalid = errors.New("invalid request")

// TriggerRequest is the body of a simulated sensor reading.
type TriggerRequest struct {
	AssetSerial    string         `json:"asset_serial_number,omitempty"`
	CustodianID    *uuid.UUID     `json:"custodian_id,omitempty"`
	ScanSuccessful *bool          `json:"scan_successful,omitempty"`
	ShowcaseStatus string         `json:"showcase_status,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// DeriveEventType maps a sensor category and request to the event it emits.
func DeriveEventType(category string, req TriggerRequest) (custody.EventType, error) {
	switch category {
	case CategoryRFIDGate:
		if req.AssetSerial == "" {
			return "", invalid("%s readings require asset_serial_number", category)
		}
		return custody.EventAssetScan, nil
	case CategoryNFCReader:
		if req.CustodianID == nil {
			return "", invalid("%s readings require custodian_id", category)
		}
		return custody.EventCustodianAuthSuccess, nil
	case CategoryBiometric:
		if req.CustodianID == nil {
			return "", invalid("%s readings require custodian_id", category)
		}
		if req.ScanSuccessful != nil && !*req.ScanSuccessful {
			return custody.EventCustodianAuthFailure, nil
		}
		return custody.EventCustodianAuthSuccess, nil
	case CategorySmartShowcase:
		if req.AssetSerial == "" {
			return "", invalid("%s readings require asset_serial_number", category)
		}
		switch strings.ToLower(strings.TrimSpace(req.ShowcaseStatus)) {
		case "", "secured":
			return custody.EventShowcaseSecured, nil
		case "opened":
			return custody.EventShowcaseOpened, nil
		default:
			return "", invalid("unknown showcase_status %q", req.ShowcaseStatus)
		}
	case CategoryWeightPlate:
		return custody.EventWeightPlateStable, nil
	case CategoryEnvironmental:
		if len(req.Details) == 0 {
			return "", invalid("%s readings require details", category)
		}
		return custody.EventEnvReading, nil
	case CategoryCameraMotion:
		return custody.EventCameraMotion, nil
	default:
		return "", invalid("unsupported sensor category %q", category)
	}
}

// EnrichDetails returns a copy of details carrying the custodian and, when
// the reading names no zone, the sensor's installed location.
func EnrichDetails(details map[string]any, sensor Sensor, custodianID *uuid.UUID) map[string]any {
	out := make(map[string]any, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	if custodianID != nil {
		out["custodian_id"] = custodianID.String()
	}
	if sensor.LocationName == "" {
		return out
	}
	for _, key := range []string{"location_name", "location_to", "location_from"} {
		if _, ok := out[key]; ok {
			return out
		}
	}
	out["location_name"] = sensor.LocationName
	return out
}
