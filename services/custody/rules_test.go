package custody

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRulesValidate(t *testing.T) {
	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("DefaultRules().Validate() error = %v", err)
	}
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name: "valid table",
			input: `
rules:
  IN_VAULT:
    - transition: VAULT_EXIT
      sequence:
        - {event: CUSTODIAN_AUTH_SUCCESS, location: VAULT}
        - {event: ASSET_SCAN, location: TRANSFER_ZONE}
  IN_VIEWING:
    - transition: ENVIRONMENTAL_BREACH
      sequence:
        - {event: ENV_READING, location: VIEWING_ROOM_2}
    - transition: CUSTODY_TRANSFER
      target: IN_TRANSIT_IN
      sequence:
        - {event: SHOWCASE_OPENED, location: ANTECHAMBER}
`,
		},
		{
			name: "unknown event type",
			input: `
rules:
  IN_VAULT:
    - transition: VAULT_EXIT
      sequence:
        - {event: BIOMETRIC_SUCCESS, location: VAULT}
`,
			wantErr: "unknown event type",
		},
		{
			name: "unknown status",
			input: `
rules:
  IN_ORBIT:
    - transition: VAULT_EXIT
      sequence:
        - {event: ASSET_SCAN, location: VAULT}
`,
			wantErr: "unknown source status",
		},
		{
			name: "unknown location",
			input: `
rules:
  IN_VAULT:
    - transition: VAULT_EXIT
      sequence:
        - {event: ASSET_SCAN, location: LOBBY}
`,
			wantErr: "unknown location",
		},
		{
			name: "unknown field",
			input: `
rules:
  IN_VAULT:
    - transition: VAULT_EXIT
      priority: 1
      sequence: []
`,
			wantErr: "decode rules",
		},
		{
			name:    "empty",
			input:   "rules: {}\n",
			wantErr: "no rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseRules([]byte(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseRules() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRules() error = %v", err)
			}
			viewing := table[StatusInViewing]
			if len(viewing) != 2 || viewing[0].Transition != TransitionEnvironmentalBreach {
				t.Fatalf("rule order not preserved: %+v", viewing)
			}
			if got := viewing[1].NextStatus(); got != StatusInTransitIn {
				t.Fatalf("target override = %s, want %s", got, StatusInTransitIn)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	table, err := LoadRules("")
	if err != nil {
		t.Fatalf("LoadRules(\"\") error = %v", err)
	}
	if len(table) != len(DefaultRules()) {
		t.Fatalf("LoadRules(\"\") returned %d statuses, want defaults", len(table))
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := "rules:\n  IN_VAULT:\n    - transition: VAULT_EXIT\n      sequence:\n        - {event: ASSET_SCAN, location: TRANSFER_ZONE}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err = LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules(file) error = %v", err)
	}
	if got := len(table[StatusInVault][0].Steps); got != 1 {
		t.Fatalf("loaded %d steps, want 1", got)
	}

	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadRules(missing) expected error")
	}
}

func TestParseEnums(t *testing.T) {
	if s, err := ParseStatus(" in_vault "); err != nil || s != StatusInVault {
		t.Fatalf("ParseStatus() = %q, %v", s, err)
	}
	if _, err := ParseStatus("LOST"); err == nil {
		t.Fatal("ParseStatus(LOST) expected error")
	}
	if tr, err := ParseTransition("vault_return"); err != nil || tr != TransitionVaultReturn {
		t.Fatalf("ParseTransition() = %q, %v", tr, err)
	}
	if _, err := ParseEventType("RFID_GATE_SCAN"); err == nil {
		t.Fatal("ParseEventType(RFID_GATE_SCAN) expected error")
	}
	for _, s := range []Status{StatusInTransitOut, StatusInTransitIn} {
		if !s.Transient() {
			t.Fatalf("%s should be transient", s)
		}
	}
	if StatusInViewing.Transient() {
		t.Fatal("IN_VIEWING should not be transient")
	}
}
