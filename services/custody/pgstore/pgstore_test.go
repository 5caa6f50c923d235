package pgstore

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"aegis/services/custody"
)

func TestDeadLetterDetails(t *testing.T) {
	dl := custody.DeadLetter{
		AssetID:      uuid.New(),
		Transition:   custody.TransitionVaultExit,
		EvidenceHash: "abc",
		Attempts:     5,
		LastError:    "relay down",
		At:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
	want := map[string]any{
		"transition":    "VAULT_EXIT",
		"evidence_hash": "abc",
		"event_ids":     []int64{},
		"attempts":      5,
		"last_error":    "relay down",
		"at":            "2026-03-01T08:00:00Z",
	}
	if diff := cmp.Diff(want, deadLetterDetails(dl)); diff != "" {
		t.Fatalf("deadLetterDetails() mismatch (-want +got):\n%s", diff)
	}
}

func TestEventRowToDomain(t *testing.T) {
	asset := uuid.New()
	row := eventRow{
		ID:        7,
		AssetID:   &asset,
		SensorID:  uuid.New(),
		EventType: "ASSET_SCAN",
		Details:   map[string]any{"location_name": "VAULT"},
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	got := row.toDomain()
	if got.EventType != custody.EventAssetScan || *got.AssetID != asset || got.StateChangeID != nil {
		t.Fatalf("toDomain() = %+v", got)
	}
}

func TestNewRequiresPool(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) expected error")
	}
}
