// Package app builds the shared dependencies of aegisd and aegisctl from
// configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	gos3 "aegis/pkg/s3"
	"aegis/services/custody"
	"aegis/services/custody/archive"
	"aegis/services/custody/internal/config"
	"aegis/services/ledger"
)

// NewLogger returns a zerolog logger writing console output to stderr or
// JSON lines to stdout, depending on format.
func NewLogger(format, level, service string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger(), nil
}

// NewBlockfrost returns the chain client for cfg.
func NewBlockfrost(cfg config.Ledger) (*ledger.Blockfrost, error) {
	return ledger.NewBlockfrost(ledger.BlockfrostConfig{
		BaseURL:   cfg.BlockfrostURL,
		ProjectID: cfg.ProjectID,
		SubmitURL: cfg.SubmitURL,
	})
}

// NewAnchor returns the ledger anchor for cfg. Outside dry run the signing
// key and chain client must be valid.
func NewAnchor(cfg config.Ledger, logger zerolog.Logger) (*ledger.Anchor, error) {
	ac := ledger.Config{
		DryRun:          cfg.DryRun,
		ConfirmInterval: cfg.ConfirmInterval,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		Logger:          logger,
	}
	if !cfg.DryRun {
		signer, err := ledger.NewSigner(cfg.SigningKey, cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("ledger signer: %w", err)
		}
		chain, err := NewBlockfrost(cfg)
		if err != nil {
			return nil, fmt.Errorf("ledger chain: %w", err)
		}
		ac.Signer = signer
		ac.Chain = chain
	}
	return ledger.New(ac)
}

// CustodyLedger adapts a ledger.Anchor to the custody.Ledger port.
func CustodyLedger(a *ledger.Anchor) custody.Ledger {
	return custody.LedgerFunc(func(ctx context.Context, req custody.AnchorRequest) (string, error) {
		return a.Anchor(ctx, ledger.Request{
			AssetID:   req.AssetID,
			Event:     string(req.Transition),
			LogHash:   req.EvidenceHash,
			Timestamp: req.Timestamp,
		})
	})
}

// NewArchive returns the evidence archive, or nil when no S3 endpoint is set.
func NewArchive(ctx context.Context, cfg config.S3) (*archive.Archive, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := gos3.NewClient(ctx, gos3.Config{
		Endpoint:       cfg.Endpoint,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         cfg.Region,
		DisableTLS:     cfg.DisableTLS,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return archive.New(client, cfg.Bucket)
}
