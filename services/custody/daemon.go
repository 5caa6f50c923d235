package custody

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of the scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	default:
		return "STOPPED"
	}
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Assets     int
	Stationary int
	InTransit  int
	Events     int
	Candidates int
	Anomalies  int
	Committed  int
	Aborted    int
	RolledBack int
	Parked     int
	Skipped    int
	Duration   time.Duration
}

// DaemonConfig wires a Daemon. Every field except Logger and Metrics is required.
type DaemonConfig struct {
	Gateway      Gateway
	Rules        RuleTable
	Detector     *Detector
	Orchestrator *Orchestrator
	Interval     time.Duration
	Metrics      *Metrics
	Logger       zerolog.Logger
}

// Daemon is the single writer that reconciles sensor events into custody
// transitions on a fixed interval.
type Daemon struct {
	gateway  Gateway
	rules    RuleTable
	detector *Detector
	orch     *Orchestrator
	interval time.Duration
	metrics  *Metrics
	logger   zerolog.Logger

	state atomic.Int32
	wake  chan struct{}
}

// NewDaemon validates cfg and returns a stopped Daemon.
func NewDaemon(cfg DaemonConfig) (*Daemon, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if cfg.Rules == nil {
		return nil, errors.New("rules are required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("cycle interval must be positive")
	}
	return &Daemon{
		gateway:  cfg.Gateway,
		rules:    cfg.Rules,
		detector: cfg.Detector,
		orch:     cfg.Orchestrator,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		wake:     make(chan struct{}, 1),
	}, nil
}

// State returns the current scheduler state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Wake ends the current inter-cycle sleep early. Back-off sleeps after a
// failed cycle are not shortened.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is cancelled. Cancellation is observed only
// between cycles; a cycle in progress always runs to completion.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return errors.New("daemon already running")
	}
	defer d.state.Store(int32(StateStopped))

	d.logger.Info().Dur("interval", d.interval).Msg("reconciliation daemon running")

	for {
		if ctx.Err() != nil {
			d.logger.Info().Msg("reconciliation daemon stopped")
			return nil
		}

		wait := d.interval
		interruptible := true
		report, err := d.RunCycle(context.WithoutCancel(ctx))
		if err != nil {
			d.logger.Error().Err(err).Dur("backoff", 2*d.interval).Msg("cycle failed")
			wait = 2 * d.interval
			interruptible = false
		} else {
			d.logReport(report)
		}

		if !d.sleep(ctx, wait, interruptible) {
			d.logger.Info().Msg("reconciliation daemon stopped")
			return nil
		}
	}
}

func (d *Daemon) sleep(ctx context.Context, wait time.Duration, interruptible bool) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	wake := d.wake
	if !interruptible {
		wake = nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}

// RunCycle performs one read, plan, and execute pass. Failures of individual
// transitions are counted in the report; only snapshot reads and panics fail
// the cycle.
func (d *Daemon) RunCycle(ctx context.Context) (report CycleReport, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		report.Duration = time.Since(start)
		d.metrics.observeCycle(err, report.Duration)
	}()

	assets, err := d.gateway.ActiveAssets(ctx)
	if err != nil {
		return report, fmt.Errorf("read assets: %w", err)
	}
	events, err := d.gateway.UnconsumedEvents(ctx)
	if err != nil {
		return report, fmt.Errorf("read events: %w", err)
	}
	d.metrics.setBacklog(len(events))
	d.inspect(assets, events)

	report.Assets = len(assets)
	report.Events = len(events)
	for _, a := range assets {
		if a.Status.Transient() {
			report.InTransit++
		} else {
			report.Stationary++
		}
	}

	plan := Plan(d.rules, d.detector, assets, events)
	report.Candidates = len(plan)
	for _, c := range plan {
		if c.Transition == TransitionSecurityBreach && len(c.Events) == 0 {
			report.Anomalies++
			d.logger.Warn().
				Str("asset_id", c.AssetID.String()).
				Str("reason", c.Reason).
				Msg("transit anomaly detected")
		}
	}
	d.metrics.addAnomalies(report.Anomalies)

	for _, c := range plan {
		res, _ := d.orch.Execute(ctx, c)
		switch res.Outcome {
		case OutcomeCommitted:
			report.Committed++
		case OutcomeAborted:
			report.Aborted++
		case OutcomeRolledBack:
			report.RolledBack++
		case OutcomeParked:
			report.Parked++
		case OutcomeSkipped:
			report.Skipped++
			d.logger.Warn().
				Str("asset_id", c.AssetID.String()).
				Str("transition", string(c.Transition)).
				Str("evidence_hash", res.EvidenceHash).
				Msg("transition parked after earlier failures; not retried")
		}
	}

	return report, nil
}

// Plan matches each asset's unconsumed events against the rule table and
// then checks the remaining assets for transit anomalies. Events without an
// asset or for unknown assets are ignored. Assets that matched a rule are not
// checked for anomalies in the same pass. A matched transition takes the
// time of the last event in its window.
func Plan(rules RuleTable, detector *Detector, assets []Asset, events []TrackingEvent) []Candidate {
	byAsset := make(map[uuid.UUID][]TrackingEvent, len(assets))
	for _, evt := range events {
		if evt.AssetID == nil {
			continue
		}
		byAsset[*evt.AssetID] = append(byAsset[*evt.AssetID], evt)
	}

	var out []Candidate
	matched := make(map[uuid.UUID]bool)
	for _, asset := range assets {
		m, ok := rules.Match(asset.Status, byAsset[asset.ID])
		if !ok {
			continue
		}
		matched[asset.ID] = true
		out = append(out, Candidate{
			AssetID:    asset.ID,
			From:       asset.Status,
			Transition: m.Rule.Transition,
			Next:       m.Rule.NextStatus(),
			Events:     m.Events,
			Timestamp:  m.Events[len(m.Events)-1].Timestamp,
			Reason:     "event sequence matched",
		})
	}

	for _, asset := range assets {
		if matched[asset.ID] {
			continue
		}
		if c, ok := detector.Check(asset); ok {
			out = append(out, c)
		}
	}
	return out
}

func (d *Daemon) inspect(assets []Asset, events []TrackingEvent) {
	known := make(map[uuid.UUID]bool, len(assets))
	for _, a := range assets {
		known[a.ID] = true
	}
	for _, evt := range events {
		if evt.AssetID != nil && !known[*evt.AssetID] {
			d.logger.Warn().
				Int64("event_id", evt.ID).
				Str("asset_id", evt.AssetID.String()).
				Msg("event references unknown asset")
		}
		if bad := MalformedLocationFields(evt.Details); len(bad) > 0 {
			d.logger.Warn().
				Int64("event_id", evt.ID).
				Strs("fields", bad).
				Msg("event has non-string location attributes")
		}
	}
}

func (d *Daemon) logReport(r CycleReport) {
	evt := d.logger.Debug()
	if r.Candidates > 0 {
		evt = d.logger.Info()
	}
	evt.
		Int("assets", r.Assets).
		Int("stationary", r.Stationary).
		Int("in_transit", r.InTransit).
		Int("events", r.Events).
		Int("candidates", r.Candidates).
		Int("anomalies", r.Anomalies).
		Int("committed", r.Committed).
		Int("aborted", r.Aborted).
		Int("rolled_back", r.RolledBack).
		Int("parked", r.Parked).
		Int("skipped", r.Skipped).
		Dur("took", r.Duration).
		Msg("cycle complete")
}
