package custody

import (
	"reflect"
	"testing"
)

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name    string
		details map[string]any
		want    Location
		wantOK  bool
	}{
		{
			name:    "location name",
			details: map[string]any{"location_name": "VAULT"},
			want:    LocationVault,
			wantOK:  true,
		},
		{
			name:    "name wins over origin and destination",
			details: map[string]any{"location_name": "ANTECHAMBER", "location_from": "VAULT", "location_to": "TRANSFER_ZONE"},
			want:    LocationAntechamber,
			wantOK:  true,
		},
		{
			name:    "falls back to destination then origin",
			details: map[string]any{"location_from": "VAULT", "location_to": "TRANSFER_ZONE"},
			want:    LocationTransferZone,
			wantOK:  true,
		},
		{
			name:    "origin only",
			details: map[string]any{"location_from": "VAULT"},
			want:    LocationVault,
			wantOK:  true,
		},
		{
			name:    "exit resolves to destination",
			details: map[string]any{"direction": "EXIT", "location_name": "VAULT", "location_from": "VAULT", "location_to": "TRANSFER_ZONE"},
			want:    LocationTransferZone,
			wantOK:  true,
		},
		{
			name:    "enter is case insensitive",
			details: map[string]any{"direction": "enter", "location_name": "ANTECHAMBER", "location_to": "VAULT"},
			want:    LocationVault,
			wantOK:  true,
		},
		{
			name:    "movement without destination uses origin",
			details: map[string]any{"direction": "Exit", "location_name": "ANTECHAMBER", "location_from": "VAULT"},
			want:    LocationVault,
			wantOK:  true,
		},
		{
			name:    "other direction values are not movement",
			details: map[string]any{"direction": "out", "location_name": "ANTECHAMBER", "location_to": "VAULT"},
			want:    LocationAntechamber,
			wantOK:  true,
		},
		{
			name:    "non-string values are absent",
			details: map[string]any{"location_name": 7, "location_from": "VAULT"},
			want:    LocationVault,
			wantOK:  true,
		},
		{
			name:    "nothing to resolve",
			details: map[string]any{"gate": "A"},
		},
		{
			name: "nil details",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveLocation(tt.details)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("ResolveLocation() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMalformedLocationFields(t *testing.T) {
	got := MalformedLocationFields(map[string]any{
		"direction":     true,
		"location_name": "VAULT",
		"location_to":   map[string]any{"zone": "VAULT"},
		"location_from": nil,
	})
	want := []string{"direction", "location_to"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MalformedLocationFields() = %v, want %v", got, want)
	}
}
