package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aegis/services/custody"
	"aegis/services/custody/internal/config"
)

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("json", "debug", "aegisd"); err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if _, err := NewLogger("console", "loud", "aegisd"); err == nil {
		t.Fatal("NewLogger() expected error for unknown level")
	}
}

func TestCustodyLedgerDryRun(t *testing.T) {
	anchor, err := NewAnchor(config.Ledger{DryRun: true, ConfirmInterval: time.Second, ConfirmTimeout: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAnchor() error = %v", err)
	}
	txID, err := CustodyLedger(anchor).Anchor(context.Background(), custody.AnchorRequest{
		AssetID:      uuid.New(),
		Transition:   custody.TransitionVaultExit,
		EvidenceHash: strings.Repeat("0", 64),
		Timestamp:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Anchor() error = %v", err)
	}
	if !strings.HasPrefix(txID, "dry_run_tx_") {
		t.Fatalf("tx id = %q", txID)
	}
}

func TestNewAnchorLiveRequiresValidKey(t *testing.T) {
	_, err := NewAnchor(config.Ledger{
		SigningKey:    "not-a-key",
		SubmitURL:     "http://relay/submit",
		BlockfrostURL: "http://blockfrost/api/v0",
		ProjectID:     "p",
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("NewAnchor() expected error for invalid signing key")
	}
}

func TestNewArchiveDisabled(t *testing.T) {
	a, err := NewArchive(context.Background(), config.S3{})
	if err != nil || a != nil {
		t.Fatalf("NewArchive() = %v, %v; want nil, nil", a, err)
	}
}
