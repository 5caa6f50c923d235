package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"aegis/services/custody"
	"aegis/services/ledger"
)

// StateChangeReader loads a committed transition and its evidence.
type StateChangeReader interface {
	StateChange(ctx context.Context, id uuid.UUID) (custody.StateChange, error)
	LinkedEvents(ctx context.Context, stateChangeID uuid.UUID) ([]custody.TrackingEvent, error)
}

// EvidenceLoader reads archived bundles.
type EvidenceLoader interface {
	Load(ctx context.Context, sc custody.StateChange) (custody.EvidenceRecord, error)
}

// PayloadReader reads the anchored payload of a ledger transaction.
type PayloadReader interface {
	Payload(ctx context.Context, txHash string) (ledger.Payload, error)
}

// Check is the outcome of one comparison. Skipped checks carry the reason in Detail.
type Check struct {
	Ran    bool   `json:"ran"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Verification reports whether a state change still matches its evidence.
type Verification struct {
	StateChange custody.StateChange `json:"state_change"`
	EventIDs    []int64             `json:"event_ids"`
	Recomputed  string              `json:"recomputed_hash"`
	Database    Check               `json:"database"`
	Archive     Check               `json:"archive"`
	Ledger      Check               `json:"ledger"`
}

// OK is true when no check that ran failed.
func (v Verification) OK() bool {
	for _, c := range []Check{v.Database, v.Archive, v.Ledger} {
		if c.Ran && !c.OK {
			return false
		}
	}
	return true
}

// Verifier recomputes evidence hashes. Archive and Ledger are optional.
type Verifier struct {
	Store   StateChangeReader
	Archive EvidenceLoader
	Ledger  PayloadReader
}

// Verify recomputes the evidence hash of state change id from its linked
// events and compares it with the stored hash, the archived bundle, and the
// ledger payload.
func (v Verifier) Verify(ctx context.Context, id uuid.UUID) (Verification, error) {
	if v.Store == nil {
		return Verification{}, errors.New("store is required")
	}
	sc, err := v.Store.StateChange(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	events, err := v.Store.LinkedEvents(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	hash, err := custody.EvidenceHash(events)
	if err != nil {
		return Verification{}, err
	}

	out := Verification{StateChange: sc, Recomputed: hash, EventIDs: make([]int64, 0, len(events))}
	for _, evt := range events {
		out.EventIDs = append(out.EventIDs, evt.ID)
	}
	out.Database = compare("stored hash", sc.EvidenceHash, hash)
	out.Archive = v.checkArchive(ctx, sc)
	out.Ledger = v.checkLedger(ctx, sc)
	return out, nil
}

func (v Verifier) checkArchive(ctx context.Context, sc custody.StateChange) Check {
	if v.Archive == nil {
		return Check{Detail: "archive not configured"}
	}
	rec, err := v.Archive.Load(ctx, sc)
	if err != nil {
		return Check{Ran: true, Detail: err.Error()}
	}
	archived, err := custody.EvidenceHash(rec.Events)
	if err != nil {
		return Check{Ran: true, Detail: err.Error()}
	}
	return compare("archived bundle", sc.EvidenceHash, archived)
}

func (v Verifier) checkLedger(ctx context.Context, sc custody.StateChange) Check {
	if strings.HasPrefix(sc.LedgerTxID, "dry_run_tx_") {
		return Check{Detail: "dry-run anchor"}
	}
	if v.Ledger == nil {
		return Check{Detail: "ledger not configured"}
	}
	p, err := v.Ledger.Payload(ctx, sc.LedgerTxID)
	if err != nil {
		return Check{Ran: true, Detail: err.Error()}
	}
	switch {
	case p.AssetID != sc.AssetID.String():
		return Check{Ran: true, Detail: fmt.Sprintf("ledger asset %s, want %s", p.AssetID, sc.AssetID)}
	case p.Event != string(sc.Transition):
		return Check{Ran: true, Detail: fmt.Sprintf("ledger event %s, want %s", p.Event, sc.Transition)}
	}
	return compare("ledger payload", sc.EvidenceHash, p.LogHash)
}

func compare(what, want, got string) Check {
	if want != got {
		return Check{Ran: true, Detail: fmt.Sprintf("%s %s, want %s", what, got, want)}
	}
	return Check{Ran: true, OK: true}
}
