package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aegis/pkg/db"
	"aegis/pkg/render"
	"aegis/services/custody/internal/app"
	"aegis/services/custody/internal/config"
	"aegis/services/custody/ops"
	"aegis/services/custody/pgstore"
	"aegis/services/ledger"
)

const serviceName = "aegisctl"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "aegisctl",
		Short:         "Operator tooling for the aegis custody tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newSimulateCommand())
	cmd.AddCommand(newAnchorTestCommand())
	return cmd
}

// env bundles what every database-backed command needs.
type env struct {
	cfg    config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func loadEnv(ctx context.Context, withDB bool) (*env, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := app.NewLogger(cfg.LogFormat, cfg.LogLevel, serviceName)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	if withDB {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		e.pool = pool
	}
	return e, nil
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			if err := db.Migrate(ctx, e.pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newSeedCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo facility, custodians, and assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			if migrate {
				if err := db.Migrate(ctx, e.pool); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			orm, err := db.ORM(e.pool)
			if err != nil {
				return err
			}
			if err := ops.Seed(ctx, orm); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			e.logger.Info().
				Int("sensors", len(ops.Sensors)).
				Int("assets", len(ops.Assets)).
				Int("custodians", len(ops.Custodians)).
				Msg("seed complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply migrations before seeding")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "verify <state-change-id>",
		Short: "Recompute a state change's evidence hash and compare it with the archive and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid state change id: %w", err)
			}

			ctx := commandContext(cmd)
			e, err := loadEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			store, err := pgstore.New(e.pool)
			if err != nil {
				return err
			}
			v := ops.Verifier{Store: store}

			arch, err := app.NewArchive(ctx, e.cfg.S3)
			if err != nil {
				e.logger.Warn().Err(err).Msg("archive unavailable, skipping")
			} else if arch != nil {
				v.Archive = arch
			}
			if e.cfg.Ledger.ProjectID != "" {
				chain, err := app.NewBlockfrost(e.cfg.Ledger)
				if err != nil {
					e.logger.Warn().Err(err).Msg("ledger unavailable, skipping")
				} else {
					v.Ledger = chain
				}
			}

			res, err := v.Verify(ctx, id)
			if err != nil {
				return err
			}
			if err := writeVerification(cmd.OutOrStdout(), output, res); err != nil {
				return err
			}
			if !res.OK() {
				return errors.New("evidence mismatch")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}

func writeVerification(w io.Writer, format string, res ops.Verification) error {
	switch format {
	case "json":
		return writeJSON(w, res)
	case "text":
		engine, err := render.New()
		if err != nil {
			return err
		}
		out, err := engine.Render("verification.tmpl", res)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newSimulateCommand() *cobra.Command {
	var (
		ingestURL string
		serial    string
		pause     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Walk an asset through a full viewing journey via the ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx, false)
			if err != nil {
				return err
			}
			if ingestURL == "" {
				ingestURL = e.cfg.IngestURL
			}

			sim := ops.Simulator{
				BaseURL: ingestURL,
				Logger:  e.logger,
				Pause:   pause,
			}
			results, err := sim.Run(ctx, ops.Journey(serial))
			if werr := writeJSON(cmd.OutOrStdout(), results); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&ingestURL, "ingest-url", "", "Ingest API base URL (defaults to INGEST_URL)")
	cmd.Flags().StringVar(&serial, "asset", "Mogok-Ruby-001", "Serial number of the asset to move")
	cmd.Flags().DurationVar(&pause, "pause", 0, "Delay between stages")
	return cmd
}

func newAnchorTestCommand() *cobra.Command {
	var assetID string

	cmd := &cobra.Command{
		Use:   "anchor-test",
		Short: "Anchor a synthetic payload with the configured ledger settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := loadEnv(ctx, false)
			if err != nil {
				return err
			}

			id := uuid.New()
			if assetID != "" {
				if id, err = uuid.Parse(assetID); err != nil {
					return fmt.Errorf("invalid asset id: %w", err)
				}
			}

			anchor, err := app.NewAnchor(e.cfg.Ledger, e.logger.With().Str("component", "ledger").Logger())
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			sum := sha256.Sum256([]byte("aegis anchor test " + now.Format(time.RFC3339Nano)))
			req := ledger.Request{
				AssetID:   id,
				Event:     "ANCHOR_TEST",
				LogHash:   hex.EncodeToString(sum[:]),
				Timestamp: now,
			}
			txID, err := anchor.Anchor(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"dry_run": anchor.DryRun(),
				"tx_id":   txID,
				"payload": ledger.NewPayload(req),
			})
		},
	}

	cmd.Flags().StringVar(&assetID, "asset-id", "", "Asset id to put in the payload (random when empty)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
