package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransitionsSubject carries a TransitionNotice for every committed transition.
const TransitionsSubject = "aegis.custody.transitions"

// Outcome classifies the result of executing a candidate.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeAborted    Outcome = "aborted"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeParked     Outcome = "parked"
	OutcomeSkipped    Outcome = "skipped"
)

var (
	// ErrAnchorFailed wraps ledger failures. No local state was changed.
	ErrAnchorFailed = errors.New("ledger anchor failed")
	// ErrCommitFailed wraps persistence failures after a confirmed anchor.
	ErrCommitFailed = errors.New("commit failed")
)

// Result reports what Execute did with a candidate.
type Result struct {
	Outcome      Outcome
	EvidenceHash string
	StateChange  StateChange
	Attempts     int
}

// TransitionNotice is published after a successful commit.
type TransitionNotice struct {
	StateChangeID uuid.UUID  `json:"state_change_id"`
	AssetID       uuid.UUID  `json:"asset_id"`
	Transition    Transition `json:"transition"`
	From          Status     `json:"from"`
	To            Status     `json:"to"`
	EvidenceHash  string     `json:"evidence_hash"`
	LedgerTxID    string     `json:"ledger_tx_id"`
	EventIDs      []int64    `json:"event_ids"`
	Timestamp     time.Time  `json:"timestamp"`
	EvidenceKey   string     `json:"evidence_key,omitempty"`
}

// OrchestratorConfig wires an Orchestrator. Gateway and Ledger are required.
type OrchestratorConfig struct {
	Gateway  Gateway
	Ledger   Ledger
	Notifier Notifier
	Archiver Archiver
	Metrics  *Metrics
	Logger   zerolog.Logger
	// MaxAttempts parks a bundle after that many consecutive failures. Zero
	// retries forever.
	MaxAttempts int
}

// Orchestrator anchors a candidate on the ledger and then commits it locally.
type Orchestrator struct {
	gateway  Gateway
	ledger   Ledger
	notifier Notifier
	archiver Archiver
	metrics  *Metrics
	logger   zerolog.Logger
	attempts *attemptTracker
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator validates cfg and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.MaxAttempts < 0 {
		return nil, errors.New("max attempts must not be negative")
	}

	return &Orchestrator{
		gateway:  cfg.Gateway,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		archiver: cfg.Archiver,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		attempts: newAttemptTracker(cfg.MaxAttempts),
		tracer:   otel.Tracer("aegis/custody"),
		now:      time.Now,
	}, nil
}

// Execute hashes the candidate's evidence, anchors it, and commits it. A
// ledger failure leaves local state untouched. Post-commit notification and
// archiving are best effort and never undo a commit.
func (o *Orchestrator) Execute(ctx context.Context, c Candidate) (Result, error) {
	hash, err := EvidenceHash(c.Events)
	if err != nil {
		return Result{Outcome: OutcomeAborted}, err
	}
	res := Result{EvidenceHash: hash}
	key := attemptKey(c, hash)

	logger := o.logger.With().
		Str("asset_id", c.AssetID.String()).
		Str("transition", string(c.Transition)).
		Str("evidence_hash", hash).
		Logger()

	if o.attempts.isParked(key) {
		res.Outcome = OutcomeSkipped
		o.metrics.observeTransition(c.Transition, res.Outcome)
		return res, nil
	}

	if c.Timestamp.IsZero() {
		c.Timestamp = o.now().UTC()
	}

	txID, err := o.anchor(ctx, c, hash)
	if err != nil {
		return o.failed(ctx, logger, c, key, res, OutcomeAborted, fmt.Errorf("%w: %w", ErrAnchorFailed, err))
	}

	sc, err := o.commit(ctx, Commit{Candidate: c, EvidenceHash: hash, LedgerTxID: txID})
	if err != nil {
		logger.Error().Str("ledger_tx_id", txID).Msg("transition anchored but not committed; the next anchor will duplicate it")
		return o.failed(ctx, logger, c, key, res, OutcomeRolledBack, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}

	o.attempts.clear(key)
	res.Outcome = OutcomeCommitted
	res.StateChange = sc
	o.metrics.observeTransition(c.Transition, res.Outcome)

	logger.Info().
		Str("state_change_id", sc.ID.String()).
		Str("ledger_tx_id", txID).
		Str("from", string(c.From)).
		Str("to", string(c.Next)).
		Int("events", len(c.Events)).
		Msg("transition committed")

	o.afterCommit(ctx, logger, c, sc)
	return res, nil
}

func (o *Orchestrator) anchor(ctx context.Context, c Candidate, hash string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "custody.anchor", trace.WithAttributes(
		attribute.String("asset.id", c.AssetID.String()),
		attribute.String("custody.transition", string(c.Transition)),
	))
	defer span.End()

	start := time.Now()
	txID, err := o.ledger.Anchor(ctx, AnchorRequest{
		AssetID:      c.AssetID,
		Transition:   c.Transition,
		EvidenceHash: hash,
		Timestamp:    c.Timestamp,
	})
	o.metrics.observeAnchor(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "anchor failed")
		return "", err
	}
	span.SetAttributes(attribute.String("ledger.tx_id", txID))
	return txID, nil
}

func (o *Orchestrator) commit(ctx context.Context, cm Commit) (StateChange, error) {
	ctx, span := o.tracer.Start(ctx, "custody.commit", trace.WithAttributes(
		attribute.String("asset.id", cm.Candidate.AssetID.String()),
		attribute.Int("custody.events", len(cm.Candidate.Events)),
	))
	defer span.End()

	sc, err := o.gateway.CommitTransition(ctx, cm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return StateChange{}, err
	}
	return sc, nil
}

func (o *Orchestrator) failed(ctx context.Context, logger zerolog.Logger, c Candidate, key string, res Result, outcome Outcome, cause error) (Result, error) {
	n, parked := o.attempts.fail(key)
	res.Attempts = n
	res.Outcome = outcome
	if parked {
		res.Outcome = OutcomeParked
		dl := DeadLetter{
			AssetID:      c.AssetID,
			Transition:   c.Transition,
			EvidenceHash: res.EvidenceHash,
			EventIDs:     c.EventIDs(),
			Attempts:     n,
			LastError:    cause.Error(),
			At:           o.now().UTC(),
		}
		if err := o.gateway.RecordDeadLetter(ctx, dl); err != nil {
			logger.Error().Err(err).Msg("record dead letter")
		}
		logger.Error().Err(cause).Int("attempts", n).Msg("transition parked after repeated failures")
	} else {
		logger.Warn().Err(cause).Int("attempts", n).Msg("transition not recorded; will retry next cycle")
	}
	o.metrics.observeTransition(c.Transition, res.Outcome)
	return res, cause
}

func (o *Orchestrator) afterCommit(ctx context.Context, logger zerolog.Logger, c Candidate, sc StateChange) {
	var evidenceKey string
	if o.archiver != nil {
		key, err := o.archiver.Archive(ctx, EvidenceRecord{
			StateChange: sc,
			From:        c.From,
			To:          c.Next,
			Reason:      c.Reason,
			Events:      c.Events,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("archive evidence")
		} else {
			evidenceKey = key
		}
	}

	if o.notifier != nil {
		notice := TransitionNotice{
			StateChangeID: sc.ID,
			AssetID:       sc.AssetID,
			Transition:    sc.Transition,
			From:          c.From,
			To:            c.Next,
			EvidenceHash:  sc.EvidenceHash,
			LedgerTxID:    sc.LedgerTxID,
			EventIDs:      c.EventIDs(),
			Timestamp:     sc.Timestamp,
			EvidenceKey:   evidenceKey,
		}
		if err := o.notifier.Publish(ctx, TransitionsSubject, notice); err != nil {
			logger.Warn().Err(err).Msg("publish transition")
		}
	}
}
