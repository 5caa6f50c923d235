// Package pgstore implements custody.Gateway on PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aegis/pkg/db"
	"aegis/services/custody"
)

const (
	auditActor         = "aegisd"
	actionCommitted    = "state_change_committed"
	actionDeadLettered = "anchor_dead_lettered"
)

// ErrStateChangeNotFound is returned by lookups for an unknown state change id.
var ErrStateChangeNotFound = errors.New("state change not found")

// Store reads custody snapshots and commits transitions through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

type assetRow struct {
	ID               uuid.UUID  `db:"id"`
	Status           string     `db:"current_status"`
	LastTransitionAt *time.Time `db:"last_transition_at"`
}

type eventRow struct {
	ID            int64          `db:"id"`
	AssetID       *uuid.UUID     `db:"asset_id"`
	SensorID      uuid.UUID      `db:"sensor_id"`
	EventType     string         `db:"event_type"`
	Details       map[string]any `db:"details"`
	Timestamp     time.Time      `db:"timestamp"`
	StateChangeID *uuid.UUID     `db:"state_change_id"`
}

func (r eventRow) toDomain() custody.TrackingEvent {
	return custody.TrackingEvent{
		ID:            r.ID,
		AssetID:       r.AssetID,
		SensorID:      r.SensorID,
		EventType:     custody.EventType(r.EventType),
		Details:       r.Details,
		Timestamp:     r.Timestamp,
		StateChangeID: r.StateChangeID,
	}
}

type stateChangeRow struct {
	ID            uuid.UUID `db:"id"`
	AssetID       uuid.UUID `db:"asset_id"`
	EventType     string    `db:"event_type"`
	Timestamp     time.Time `db:"timestamp"`
	LogBundleHash string    `db:"log_bundle_hash"`
	OnChainTxID   string    `db:"on_chain_tx_id"`
}

func (r stateChangeRow) toDomain() custody.StateChange {
	return custody.StateChange{
		ID:           r.ID,
		AssetID:      r.AssetID,
		Transition:   custody.Transition(r.EventType),
		Timestamp:    r.Timestamp,
		EvidenceHash: r.LogBundleHash,
		LedgerTxID:   r.OnChainTxID,
	}
}

// ActiveAssets returns every asset that has not been released, with the
// timestamp of its latest state change.
func (s *Store) ActiveAssets(ctx context.Context) ([]custody.Asset, error) {
	var rows []assetRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT a.id, a.current_status, sc.last_ts AS last_transition_at
FROM assets a
LEFT JOIN (
	SELECT asset_id, max(timestamp) AS last_ts
	FROM state_changes
	GROUP BY asset_id
) sc ON sc.asset_id = a.id
WHERE a.current_status <> $1
ORDER BY a.created_at, a.id
`, string(custody.StatusReleased))
	if err != nil {
		return nil, fmt.Errorf("select active assets: %w", err)
	}

	out := make([]custody.Asset, 0, len(rows))
	for _, r := range rows {
		out = append(out, custody.Asset{
			ID:               r.ID,
			Status:           custody.Status(r.Status),
			LastTransitionAt: r.LastTransitionAt,
		})
	}
	return out, nil
}

// UnconsumedEvents returns tracking events not yet linked to a state change.
func (s *Store) UnconsumedEvents(ctx context.Context) ([]custody.TrackingEvent, error) {
	var rows []eventRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, asset_id, sensor_id, event_type, details, timestamp, state_change_id
FROM asset_tracking
WHERE state_change_id IS NULL
ORDER BY timestamp ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("select unconsumed events: %w", err)
	}
	return toEvents(rows), nil
}

// CommitTransition writes the state change, links the evidence events, moves
// the asset, and appends an audit row in one transaction. The asset update is
// conditional on the snapshot status and every link must claim an unconsumed
// row, so a concurrent writer causes a rollback instead of a double commit.
func (s *Store) CommitTransition(ctx context.Context, c custody.Commit) (custody.StateChange, error) {
	cand := c.Candidate
	ts := cand.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	sc := custody.StateChange{
		ID:           uuid.New(),
		AssetID:      cand.AssetID,
		Transition:   cand.Transition,
		Timestamp:    ts,
		EvidenceHash: c.EvidenceHash,
		LedgerTxID:   c.LedgerTxID,
	}
	eventIDs := cand.EventIDs()

	details, err := json.Marshal(map[string]any{
		"state_change_id": sc.ID.String(),
		"transition":      string(sc.Transition),
		"from":            string(cand.From),
		"to":              string(cand.Next),
		"evidence_hash":   sc.EvidenceHash,
		"ledger_tx_id":    sc.LedgerTxID,
		"event_ids":       eventIDs,
		"reason":          cand.Reason,
	})
	if err != nil {
		return custody.StateChange{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE assets
SET current_status = $1, updated_at = now()
WHERE id = $2 AND current_status = $3
`, string(cand.Next), cand.AssetID, string(cand.From))
		if err != nil {
			return fmt.Errorf("update asset: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return assetMiss(ctx, tx, cand)
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO state_changes (id, asset_id, event_type, timestamp, log_bundle_hash, on_chain_tx_id)
VALUES ($1, $2, $3, $4, $5, $6)
`, sc.ID, sc.AssetID, string(sc.Transition), sc.Timestamp, sc.EvidenceHash, sc.LedgerTxID); err != nil {
			return fmt.Errorf("insert state change: %w", err)
		}

		if len(eventIDs) > 0 {
			tag, err := tx.Exec(ctx, `
UPDATE asset_tracking
SET state_change_id = $1
WHERE id = ANY($2) AND state_change_id IS NULL
`, sc.ID, eventIDs)
			if err != nil {
				return fmt.Errorf("link events: %w", err)
			}
			if n := tag.RowsAffected(); n != int64(len(eventIDs)) {
				return fmt.Errorf("%w: linked %d of %d", custody.ErrEventsConsumed, n, len(eventIDs))
			}
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, auditActor, actionCommitted, cand.AssetID.String(), details); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return custody.StateChange{}, err
	}
	return sc, nil
}

func assetMiss(ctx context.Context, tx pgx.Tx, cand custody.Candidate) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT current_status FROM assets WHERE id = $1`, cand.AssetID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return custody.ErrAssetNotFound
	}
	if err != nil {
		return fmt.Errorf("read asset: %w", err)
	}
	return fmt.Errorf("%w: have %s, want %s", custody.ErrStaleStatus, status, cand.From)
}

// RecordDeadLetter appends an audit row describing a parked bundle.
func (s *Store) RecordDeadLetter(ctx context.Context, dl custody.DeadLetter) error {
	details, err := json.Marshal(deadLetterDetails(dl))
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, auditActor, actionDeadLettered, dl.AssetID.String(), details)
	return err
}

func deadLetterDetails(dl custody.DeadLetter) map[string]any {
	ids := dl.EventIDs
	if ids == nil {
		ids = []int64{}
	}
	return map[string]any{
		"transition":    string(dl.Transition),
		"evidence_hash": dl.EvidenceHash,
		"event_ids":     ids,
		"attempts":      dl.Attempts,
		"last_error":    dl.LastError,
		"at":            dl.At.UTC().Format(time.RFC3339Nano),
	}
}

// StateChange loads a committed state change by id.
func (s *Store) StateChange(ctx context.Context, id uuid.UUID) (custody.StateChange, error) {
	var row stateChangeRow
	err := db.Get(ctx, s.pool, &row, `
SELECT id, asset_id, event_type, timestamp, log_bundle_hash, on_chain_tx_id
FROM state_changes
WHERE id = $1
`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return custody.StateChange{}, ErrStateChangeNotFound
	}
	if err != nil {
		return custody.StateChange{}, fmt.Errorf("select state change: %w", err)
	}
	return row.toDomain(), nil
}

// LinkedEvents returns the evidence events consumed by a state change.
func (s *Store) LinkedEvents(ctx context.Context, stateChangeID uuid.UUID) ([]custody.TrackingEvent, error) {
	var rows []eventRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, asset_id, sensor_id, event_type, details, timestamp, state_change_id
FROM asset_tracking
WHERE state_change_id = $1
ORDER BY timestamp ASC, id ASC
`, stateChangeID)
	if err != nil {
		return nil, fmt.Errorf("select linked events: %w", err)
	}
	return toEvents(rows), nil
}

func toEvents(rows []eventRow) []custody.TrackingEvent {
	out := make([]custody.TrackingEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
