package custody

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDetectorCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	max := 15 * time.Minute
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	d, err := NewDetector(AnomalyRule{MaxTransitDuration: max}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	tests := []struct {
		name  string
		asset Asset
		want  bool
	}{
		{"transit out overdue", Asset{Status: StatusInTransitOut, LastTransitionAt: at(16 * time.Minute)}, true},
		{"transit in overdue", Asset{Status: StatusInTransitIn, LastTransitionAt: at(time.Hour)}, true},
		{"exactly at limit", Asset{Status: StatusInTransitOut, LastTransitionAt: at(max)}, false},
		{"just past limit", Asset{Status: StatusInTransitOut, LastTransitionAt: at(max + time.Nanosecond)}, true},
		{"within limit", Asset{Status: StatusInTransitIn, LastTransitionAt: at(time.Minute)}, false},
		{"no timestamp", Asset{Status: StatusInTransitOut}, false},
		{"stationary", Asset{Status: StatusInViewing, LastTransitionAt: at(24 * time.Hour)}, false},
		{"already flagged", Asset{Status: StatusFlaggedAnomaly, LastTransitionAt: at(24 * time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.asset.ID = uuid.New()
			c, ok := d.Check(tt.asset)
			if ok != tt.want {
				t.Fatalf("Check() = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if c.Transition != TransitionSecurityBreach || c.Next != StatusFlaggedAnomaly {
				t.Fatalf("candidate = %s -> %s", c.Transition, c.Next)
			}
			if len(c.Events) != 0 {
				t.Fatalf("anomaly carries %d events, want none", len(c.Events))
			}
			if c.AssetID != tt.asset.ID || c.From != tt.asset.Status {
				t.Fatalf("candidate does not describe the asset: %+v", c)
			}
			if !c.Timestamp.Equal(now) {
				t.Fatalf("timestamp = %v, want %v", c.Timestamp, now)
			}
		})
	}
}

func TestDetectorDetect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	d, _ := NewDetector(AnomalyRule{MaxTransitDuration: time.Minute}, func() time.Time { return now })

	assets := []Asset{
		{ID: uuid.New(), Status: StatusInTransitOut, LastTransitionAt: &old},
		{ID: uuid.New(), Status: StatusInVault, LastTransitionAt: &old},
		{ID: uuid.New(), Status: StatusInTransitIn, LastTransitionAt: &old},
	}
	got := d.Detect(assets)
	if len(got) != 2 {
		t.Fatalf("Detect() returned %d candidates, want 2", len(got))
	}
	if got[0].AssetID != assets[0].ID || got[1].AssetID != assets[2].ID {
		t.Fatal("Detect() did not preserve asset order")
	}
}

func TestNewDetectorRejectsNonPositiveLimit(t *testing.T) {
	if _, err := NewDetector(AnomalyRule{}, nil); err == nil {
		t.Fatal("NewDetector() expected error for zero limit")
	}
}
