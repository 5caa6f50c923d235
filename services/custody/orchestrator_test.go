package custody_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"aegis/services/custody"
	"aegis/services/custody/memstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu       sync.Mutex
	err      error
	requests []custody.AnchorRequest
}

func (f *fakeLedger) Anchor(ctx context.Context, req custody.AnchorRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "tx_" + req.EvidenceHash[:8], nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeNotifier struct {
	err      error
	subjects []string
	notices  []custody.TransitionNotice
}

func (f *fakeNotifier) Publish(ctx context.Context, subject string, v any) error {
	f.subjects = append(f.subjects, subject)
	if n, ok := v.(custody.TransitionNotice); ok {
		f.notices = append(f.notices, n)
	}
	return f.err
}

type fakeArchiver struct {
	err     error
	records []custody.EvidenceRecord
}

func (f *fakeArchiver) Archive(ctx context.Context, rec custody.EvidenceRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, rec)
	return "evidence/" + rec.StateChange.AssetID.String() + "/" + rec.StateChange.ID.String() + "-" + rec.StateChange.EvidenceHash + ".json.zst", nil
}

func seedVaultExit(t *testing.T, store *memstore.Store) (custody.Asset, custody.Candidate) {
	t.Helper()
	asset := custody.Asset{ID: uuid.New(), Status: custody.StatusInVault}
	store.PutAsset(asset)
	id := asset.ID
	e1 := store.AddEvent(custody.TrackingEvent{AssetID: &id, SensorID: uuid.New(), EventType: custody.EventCustodianAuthSuccess, Details: map[string]any{"location_name": "VAULT"}, Timestamp: t0})
	e2 := store.AddEvent(custody.TrackingEvent{AssetID: &id, SensorID: uuid.New(), EventType: custody.EventAssetScan, Details: map[string]any{"location_name": "TRANSFER_ZONE"}, Timestamp: t0.Add(time.Second)})
	return asset, custody.Candidate{
		AssetID:    asset.ID,
		From:       custody.StatusInVault,
		Transition: custody.TransitionVaultExit,
		Next:       custody.StatusInTransitOut,
		Events:     []custody.TrackingEvent{e1, e2},
		Timestamp:  t0.Add(time.Minute),
	}
}

func TestExecuteCommitsAfterAnchor(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{}
	notifier := &fakeNotifier{}
	archiver := &fakeArchiver{}
	orch, err := custody.NewOrchestrator(custody.OrchestratorConfig{
		Gateway:  store,
		Ledger:   ledger,
		Notifier: notifier,
		Archiver: archiver,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	asset, cand := seedVaultExit(t, store)
	res, err := orch.Execute(context.Background(), cand)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Outcome != custody.OutcomeCommitted {
		t.Fatalf("outcome = %s, want committed", res.Outcome)
	}

	wantHash, _ := custody.EvidenceHash(cand.Events)
	if len(ledger.requests) != 1 {
		t.Fatalf("ledger called %d times, want 1", len(ledger.requests))
	}
	req := ledger.requests[0]
	if req.AssetID != asset.ID || req.Transition != custody.TransitionVaultExit || req.EvidenceHash != wantHash || !req.Timestamp.Equal(cand.Timestamp) {
		t.Fatalf("unexpected anchor request %+v", req)
	}

	got, _ := store.Asset(asset.ID)
	if got.Status != custody.StatusInTransitOut {
		t.Fatalf("asset status = %s, want IN_TRANSIT_OUT", got.Status)
	}
	if got.LastTransitionAt == nil || !got.LastTransitionAt.Equal(cand.Timestamp) {
		t.Fatalf("last transition = %v, want %v", got.LastTransitionAt, cand.Timestamp)
	}

	changes := store.StateChanges()
	if len(changes) != 1 {
		t.Fatalf("state changes = %d, want 1", len(changes))
	}
	sc := changes[0]
	if sc.EvidenceHash != wantHash || sc.LedgerTxID != "tx_"+wantHash[:8] || sc != res.StateChange {
		t.Fatalf("unexpected state change %+v", sc)
	}
	for _, e := range cand.Events {
		stored, _ := store.Event(e.ID)
		if stored.StateChangeID == nil || *stored.StateChangeID != sc.ID {
			t.Fatalf("event %d not linked to state change", e.ID)
		}
	}

	if len(notifier.notices) != 1 || notifier.subjects[0] != custody.TransitionsSubject {
		t.Fatalf("notifier got %v", notifier.subjects)
	}
	if n := notifier.notices[0]; n.To != custody.StatusInTransitOut || n.EvidenceKey == "" || len(n.EventIDs) != 2 {
		t.Fatalf("unexpected notice %+v", n)
	}
	if len(archiver.records) != 1 || len(archiver.records[0].Events) != 2 {
		t.Fatalf("archiver got %d records", len(archiver.records))
	}
}

func TestExecuteAnchorFailureLeavesStateUntouched(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{err: errors.New("confirmation timeout")}
	notifier := &fakeNotifier{}
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: ledger, Notifier: notifier, Logger: zerolog.Nop()})

	asset, cand := seedVaultExit(t, store)
	res, err := orch.Execute(context.Background(), cand)
	if !errors.Is(err, custody.ErrAnchorFailed) {
		t.Fatalf("Execute() error = %v, want ErrAnchorFailed", err)
	}
	if res.Outcome != custody.OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}

	got, _ := store.Asset(asset.ID)
	if got.Status != custody.StatusInVault {
		t.Fatalf("asset status = %s, want unchanged", got.Status)
	}
	if len(store.StateChanges()) != 0 {
		t.Fatal("state change written despite anchor failure")
	}
	for _, e := range cand.Events {
		stored, _ := store.Event(e.ID)
		if stored.StateChangeID != nil {
			t.Fatalf("event %d consumed despite anchor failure", e.ID)
		}
	}
	if len(notifier.subjects) != 0 {
		t.Fatal("notification sent for aborted transition")
	}
}

func TestExecuteCommitFailureRollsBack(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{}
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: ledger, Logger: zerolog.Nop()})

	asset, cand := seedVaultExit(t, store)
	store.CommitErr = errors.New("connection reset")

	res, err := orch.Execute(context.Background(), cand)
	if !errors.Is(err, custody.ErrCommitFailed) {
		t.Fatalf("Execute() error = %v, want ErrCommitFailed", err)
	}
	if res.Outcome != custody.OutcomeRolledBack {
		t.Fatalf("outcome = %s, want rolled_back", res.Outcome)
	}
	if ledger.calls() != 1 {
		t.Fatalf("ledger calls = %d, want 1", ledger.calls())
	}
	got, _ := store.Asset(asset.ID)
	if got.Status != custody.StatusInVault || len(store.StateChanges()) != 0 {
		t.Fatal("partial commit observed")
	}
}

func TestExecuteRejectsStaleSnapshot(t *testing.T) {
	store := memstore.New()
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: &fakeLedger{}, Logger: zerolog.Nop()})

	asset, cand := seedVaultExit(t, store)
	asset.Status = custody.StatusFlaggedAnomaly
	store.PutAsset(asset)

	_, err := orch.Execute(context.Background(), cand)
	if !errors.Is(err, custody.ErrStaleStatus) {
		t.Fatalf("Execute() error = %v, want ErrStaleStatus", err)
	}
	for _, e := range cand.Events {
		stored, _ := store.Event(e.ID)
		if stored.StateChangeID != nil {
			t.Fatalf("event %d consumed by rejected commit", e.ID)
		}
	}
}

func TestExecuteRejectsConsumedEvents(t *testing.T) {
	store := memstore.New()
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: &fakeLedger{}, Logger: zerolog.Nop()})

	asset, cand := seedVaultExit(t, store)
	if _, err := orch.Execute(context.Background(), cand); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	asset.Status = custody.StatusInVault
	store.PutAsset(asset)
	_, err := orch.Execute(context.Background(), cand)
	if !errors.Is(err, custody.ErrEventsConsumed) {
		t.Fatalf("second Execute() error = %v, want ErrEventsConsumed", err)
	}
	if len(store.StateChanges()) != 1 {
		t.Fatal("events linked to more than one state change")
	}
}

func TestExecuteParksAfterMaxAttempts(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{err: errors.New("relay unavailable")}
	reg := prometheus.NewRegistry()
	metrics, err := custody.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{
		Gateway:     store,
		Ledger:      ledger,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
		MaxAttempts: 3,
	})

	_, cand := seedVaultExit(t, store)
	want := []custody.Outcome{custody.OutcomeAborted, custody.OutcomeAborted, custody.OutcomeParked, custody.OutcomeSkipped}
	for i, w := range want {
		res, _ := orch.Execute(context.Background(), cand)
		if res.Outcome != w {
			t.Fatalf("attempt %d outcome = %s, want %s", i+1, res.Outcome, w)
		}
	}
	if ledger.calls() != 3 {
		t.Fatalf("ledger calls = %d, want 3", ledger.calls())
	}

	dls := store.DeadLetters()
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls))
	}
	if dls[0].Attempts != 3 || dls[0].AssetID != cand.AssetID || len(dls[0].EventIDs) != 2 {
		t.Fatalf("unexpected dead letter %+v", dls[0])
	}

	if got := counterValue(t, reg, "aegis_transitions_total", "parked"); got != 1 {
		t.Fatalf("parked counter = %v, want 1", got)
	}
}

func TestExecuteSuccessResetsAttempts(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{err: errors.New("relay unavailable")}
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: ledger, Logger: zerolog.Nop(), MaxAttempts: 2})

	_, cand := seedVaultExit(t, store)
	if res, _ := orch.Execute(context.Background(), cand); res.Outcome != custody.OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
	ledger.mu.Lock()
	ledger.err = nil
	ledger.mu.Unlock()
	if res, err := orch.Execute(context.Background(), cand); err != nil || res.Outcome != custody.OutcomeCommitted {
		t.Fatalf("outcome = %s, %v, want committed", res.Outcome, err)
	}
	if len(store.DeadLetters()) != 0 {
		t.Fatal("unexpected dead letter")
	}
}

func TestExecuteSideEffectFailuresDoNotUndoCommit(t *testing.T) {
	store := memstore.New()
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{
		Gateway:  store,
		Ledger:   &fakeLedger{},
		Notifier: &fakeNotifier{err: errors.New("nats: no responders")},
		Archiver: &fakeArchiver{err: errors.New("s3: access denied")},
		Logger:   zerolog.Nop(),
	})

	asset, cand := seedVaultExit(t, store)
	res, err := orch.Execute(context.Background(), cand)
	if err != nil || res.Outcome != custody.OutcomeCommitted {
		t.Fatalf("Execute() = %s, %v, want committed", res.Outcome, err)
	}
	got, _ := store.Asset(asset.ID)
	if got.Status != custody.StatusInTransitOut {
		t.Fatalf("asset status = %s, want IN_TRANSIT_OUT", got.Status)
	}
}

func TestExecuteAnomalyWithoutEvents(t *testing.T) {
	store := memstore.New()
	ledger := &fakeLedger{}
	orch, _ := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: store, Ledger: ledger, Logger: zerolog.Nop()})

	last := t0
	asset := custody.Asset{ID: uuid.New(), Status: custody.StatusInTransitIn, LastTransitionAt: &last}
	store.PutAsset(asset)

	res, err := orch.Execute(context.Background(), custody.Candidate{
		AssetID:    asset.ID,
		From:       custody.StatusInTransitIn,
		Transition: custody.TransitionSecurityBreach,
		Next:       custody.StatusFlaggedAnomaly,
		Timestamp:  t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	emptyHash, _ := custody.EvidenceHash(nil)
	if res.StateChange.EvidenceHash != emptyHash {
		t.Fatalf("evidence hash = %s, want hash of empty bundle", res.StateChange.EvidenceHash)
	}
	got, _ := store.Asset(asset.ID)
	if got.Status != custody.StatusFlaggedAnomaly {
		t.Fatalf("asset status = %s, want FLAGGED_ANOMALY", got.Status)
	}
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	if _, err := custody.NewOrchestrator(custody.OrchestratorConfig{Ledger: &fakeLedger{}}); err == nil {
		t.Fatal("expected error without gateway")
	}
	if _, err := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: memstore.New()}); err == nil {
		t.Fatal("expected error without ledger")
	}
	if _, err := custody.NewOrchestrator(custody.OrchestratorConfig{Gateway: memstore.New(), Ledger: &fakeLedger{}, MaxAttempts: -1}); err == nil {
		t.Fatal("expected error for negative max attempts")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{outcome=%q} not found", name, outcome)
	return 0
}
