package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for aegisd and aegisctl.
type Config struct {
	DBDSN        string `env:"DB_DSN,required"`
	NATSURL      string `env:"NATS_URL"`
	HealthAddr   string `env:"HEALTH_ADDR,default=:9090"`
	IngestURL    string `env:"INGEST_URL,default=http://localhost:8080"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat    string `env:"LOG_FORMAT,default=console"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`

	Reconcile Reconcile
	Ledger    Ledger
	S3        S3
}

// Reconcile tunes the reconciliation loop.
type Reconcile struct {
	CycleInterval      time.Duration `env:"CYCLE_INTERVAL,default=10s"`
	RulesFile          string        `env:"RULES_FILE"`
	TransitMaxDuration time.Duration `env:"TRANSIT_MAX_DURATION,default=15m"`
	MaxAnchorAttempts  int           `env:"MAX_ANCHOR_ATTEMPTS,default=5"`
}

// Ledger configures anchoring. Keys and endpoints are required unless DryRun.
type Ledger struct {
	DryRun          bool          `env:"LEDGER_DRY_RUN,default=true"`
	ConfirmInterval time.Duration `env:"LEDGER_CONFIRM_INTERVAL,default=15s"`
	ConfirmTimeout  time.Duration `env:"LEDGER_CONFIRM_TIMEOUT,default=300s"`
	SigningKey      string        `env:"LEDGER_SIGNING_KEY"`
	PublicKey       string        `env:"LEDGER_PUBLIC_KEY"`
	SubmitURL       string        `env:"LEDGER_SUBMIT_URL"`
	BlockfrostURL   string        `env:"BLOCKFROST_URL,default=https://cardano-preprod.blockfrost.io/api/v0"`
	ProjectID       string        `env:"BLOCKFROST_PROJECT_ID"`
}

// S3 configures the evidence archive. An empty Endpoint disables archiving.
type S3 struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	Bucket         string `env:"S3_BUCKET,default=aegis-evidence"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Load returns a validated Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit variable source.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Reconcile.CycleInterval <= 0 {
		errs = append(errs, errors.New("CYCLE_INTERVAL must be positive"))
	}
	if c.Reconcile.TransitMaxDuration <= 0 {
		errs = append(errs, errors.New("TRANSIT_MAX_DURATION must be positive"))
	}
	if c.Reconcile.MaxAnchorAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ANCHOR_ATTEMPTS must be at least 1, got %d", c.Reconcile.MaxAnchorAttempts))
	}
	if c.Ledger.ConfirmInterval <= 0 || c.Ledger.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("ledger confirmation interval and timeout must be positive"))
	}
	if !c.Ledger.DryRun {
		if c.Ledger.SigningKey == "" {
			errs = append(errs, errors.New("LEDGER_SIGNING_KEY is required when LEDGER_DRY_RUN is false"))
		}
		if c.Ledger.SubmitURL == "" {
			errs = append(errs, errors.New("LEDGER_SUBMIT_URL is required when LEDGER_DRY_RUN is false"))
		}
		if c.Ledger.ProjectID == "" {
			errs = append(errs, errors.New("BLOCKFROST_PROJECT_ID is required when LEDGER_DRY_RUN is false"))
		}
	}
	if c.S3.Endpoint != "" && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}
