// Package memstore is an in-process custody.Gateway guarded by a mutex. It
// mirrors the commit guards of the Postgres gateway and supports failure
// injection for tests and dry simulations.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/services/custody"
)

// Store holds assets, events, state changes, and dead letters in memory.
type Store struct {
	mu          sync.Mutex
	assets      map[uuid.UUID]custody.Asset
	order       []uuid.UUID
	events      []custody.TrackingEvent
	nextEventID int64
	changes     []custody.StateChange
	deadLetters []custody.DeadLetter

	// ReadErr, when set, is returned by ActiveAssets and UnconsumedEvents.
	ReadErr error
	// CommitErr, when set, is returned by CommitTransition before any write.
	CommitErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		assets:      make(map[uuid.UUID]custody.Asset),
		nextEventID: 1,
	}
}

// PutAsset inserts or replaces an asset.
func (s *Store) PutAsset(a custody.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.assets[a.ID] = a
}

// AddEvent appends an event, assigning the next id when evt.ID is zero.
func (s *Store) AddEvent(evt custody.TrackingEvent) custody.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == 0 {
		evt.ID = s.nextEventID
	}
	if evt.ID >= s.nextEventID {
		s.nextEventID = evt.ID + 1
	}
	s.events = append(s.events, evt)
	return evt
}

// Asset returns the current record for id.
func (s *Store) Asset(id uuid.UUID) (custody.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	return a, ok
}

// Event returns the event with the given id.
func (s *Store) Event(id int64) (custody.TrackingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range s.events {
		if evt.ID == id {
			return evt, true
		}
	}
	return custody.TrackingEvent{}, false
}

// StateChanges returns committed state changes in commit order.
func (s *Store) StateChanges() []custody.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]custody.StateChange(nil), s.changes...)
}

// DeadLetters returns parked bundles in the order they were recorded.
func (s *Store) DeadLetters() []custody.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]custody.DeadLetter(nil), s.deadLetters...)
}

func (s *Store) ActiveAssets(ctx context.Context) ([]custody.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	out := make([]custody.Asset, 0, len(s.order))
	for _, id := range s.order {
		if a := s.assets[id]; a.Status != custody.StatusReleased {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) UnconsumedEvents(ctx context.Context) ([]custody.TrackingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	var out []custody.TrackingEvent
	for _, evt := range s.events {
		if evt.StateChangeID == nil {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CommitTransition(ctx context.Context, c custody.Commit) (custody.StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return custody.StateChange{}, s.CommitErr
	}

	cand := c.Candidate
	asset, ok := s.assets[cand.AssetID]
	if !ok {
		return custody.StateChange{}, custody.ErrAssetNotFound
	}
	if asset.Status != cand.From {
		return custody.StateChange{}, fmt.Errorf("%w: have %s, want %s", custody.ErrStaleStatus, asset.Status, cand.From)
	}

	idx := make([]int, 0, len(cand.Events))
	for _, id := range cand.EventIDs() {
		i := s.indexOf(id)
		if i < 0 || s.events[i].StateChangeID != nil {
			return custody.StateChange{}, fmt.Errorf("%w: event %d", custody.ErrEventsConsumed, id)
		}
		idx = append(idx, i)
	}

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

	for _, i := range idx {
		id := sc.ID
		s.events[i].StateChangeID = &id
	}
	asset.Status = cand.Next
	asset.LastTransitionAt = &ts
	s.assets[asset.ID] = asset
	s.changes = append(s.changes, sc)

	return sc, nil
}

func (s *Store) RecordDeadLetter(ctx context.Context, dl custody.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *Store) indexOf(id int64) int {
	for i, evt := range s.events {
		if evt.ID == id {
			return i
		}
	}
	return -1
}
