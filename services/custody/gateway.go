package custody

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAssetNotFound is returned when a commit names an unknown asset.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrStaleStatus is returned when the asset no longer holds the source
	// status of the transition being committed.
	ErrStaleStatus = errors.New("asset status changed since snapshot")
	// ErrEventsConsumed is returned when an evidence event is missing or
	// already linked to a state change.
	ErrEventsConsumed = errors.New("evidence events already consumed")
)

// Commit is the local write that follows a confirmed ledger anchor.
type Commit struct {
	Candidate    Candidate
	EvidenceHash string
	LedgerTxID   string
}

// DeadLetter records a bundle that exhausted its anchoring attempts.
type DeadLetter struct {
	AssetID      uuid.UUID
	Transition   Transition
	EvidenceHash string
	EventIDs     []int64
	Attempts     int
	LastError    string
	At           time.Time
}

// Gateway is the persistence boundary of the reconciliation core.
type Gateway interface {
	// ActiveAssets returns a snapshot of every asset not yet RELEASED.
	ActiveAssets(ctx context.Context) ([]Asset, error)
	// UnconsumedEvents returns events with no state change link, ordered by
	// timestamp and then id.
	UnconsumedEvents(ctx context.Context) ([]TrackingEvent, error)
	// CommitTransition atomically creates the state change, links the
	// evidence events, and moves the asset to the candidate's next status.
	CommitTransition(ctx context.Context, c Commit) (StateChange, error)
	// RecordDeadLetter persists a parked bundle for operator review.
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
}

// AnchorRequest is what gets written to the external ledger for a transition.
type AnchorRequest struct {
	AssetID      uuid.UUID
	Transition   Transition
	EvidenceHash string
	Timestamp    time.Time
}

// Ledger anchors a transition and returns the confirmed transaction id.
type Ledger interface {
	Anchor(ctx context.Context, req AnchorRequest) (string, error)
}

// LedgerFunc adapts a function to the Ledger interface.
type LedgerFunc func(ctx context.Context, req AnchorRequest) (string, error)

// Anchor calls f(ctx, req).
func (f LedgerFunc) Anchor(ctx context.Context, req AnchorRequest) (string, error) {
	return f(ctx, req)
}

// Notifier publishes committed transitions to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, subject string, v any) error
}

// EvidenceRecord is the archived form of a committed transition.
type EvidenceRecord struct {
	StateChange StateChange     `json:"state_change"`
	From        Status          `json:"from"`
	To          Status          `json:"to"`
	Reason      string          `json:"reason,omitempty"`
	Events      []TrackingEvent `json:"events"`
}

// Archiver stores evidence bundles outside the database.
type Archiver interface {
	Archive(ctx context.Context, rec EvidenceRecord) (string, error)
}
