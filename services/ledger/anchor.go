package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultConfirmInterval = 15 * time.Second
	DefaultConfirmTimeout  = 300 * time.Second
)

var (
	// ErrConfirmTimeout is returned when a submitted transaction is not
	// confirmed within the configured window.
	ErrConfirmTimeout = errors.New("ledger confirmation timed out")

	errPending = errors.New("transaction pending")
)

// Config wires an Anchor. Signer and Chain are required unless DryRun is set.
type Config struct {
	DryRun          bool
	Signer          *Signer
	Chain           Chain
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	Logger          zerolog.Logger
}

// Anchor writes custody payloads to the ledger and waits for confirmation.
type Anchor struct {
	dryRun   bool
	signer   *Signer
	chain    Chain
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates cfg and returns an Anchor.
func New(cfg Config) (*Anchor, error) {
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = DefaultConfirmInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if !cfg.DryRun {
		if cfg.Signer == nil {
			return nil, errors.New("signer is required")
		}
		if cfg.Chain == nil {
			return nil, errors.New("chain is required")
		}
	}
	return &Anchor{
		dryRun:   cfg.DryRun,
		signer:   cfg.Signer,
		chain:    cfg.Chain,
		interval: cfg.ConfirmInterval,
		timeout:  cfg.ConfirmTimeout,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// DryRun reports whether the anchor skips external calls.
func (a *Anchor) DryRun() bool {
	return a.dryRun
}

// Anchor signs and submits the payload for req, then polls until the
// transaction is confirmed or the confirmation window closes. In dry-run
// mode it returns a synthetic id without any external call.
func (a *Anchor) Anchor(ctx context.Context, req Request) (string, error) {
	payload := NewPayload(req)
	logger := a.logger.With().
		Str("asset_id", payload.AssetID).
		Str("event", payload.Event).
		Str("log_hash", payload.LogHash).
		Logger()

	if a.dryRun {
		txID := fmt.Sprintf("dry_run_tx_%d", a.now().UnixNano())
		logger.Info().Str("tx_id", txID).Msg("dry run: ledger submission skipped")
		return txID, nil
	}

	metadata, err := payload.Metadata()
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	sig, err := a.signer.Sign(metadata)
	if err != nil {
		return "", fmt.Errorf("sign metadata: %w", err)
	}

	txHash, err := a.chain.Submit(ctx, Envelope{
		Label:     MetadataLabel,
		Metadata:  metadata,
		Signature: sig,
		PublicKey: a.signer.PublicKeyBase64(),
	})
	if err != nil {
		return "", err
	}
	logger.Info().Str("tx_id", txHash).Msg("ledger transaction submitted")

	if err := a.waitConfirmed(ctx, logger, txHash); err != nil {
		return "", err
	}
	logger.Info().Str("tx_id", txHash).Msg("ledger transaction confirmed")
	return txHash, nil
}

func (a *Anchor) waitConfirmed(ctx context.Context, logger zerolog.Logger, txHash string) error {
	backoff := retry.WithMaxDuration(a.timeout, retry.NewConstant(a.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := a.chain.Confirmed(ctx, txHash)
		if err != nil {
			logger.Warn().Err(err).Str("tx_id", txHash).Msg("confirmation check failed")
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(errPending)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errPending) {
		return fmt.Errorf("%w: %s not confirmed after %s", ErrConfirmTimeout, txHash, a.timeout)
	}
	return fmt.Errorf("confirm %s: %w", txHash, err)
}
