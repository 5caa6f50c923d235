package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aegis/pkg/bus"
	"aegis/pkg/db"
	"aegis/pkg/telemetry"
	"aegis/services/ingest"
	"aegis/services/ingest/internal/config"
)

const serviceName = "aegis-ingest"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log.Logger = log.Logger.Level(lvl)
	}
	logger := log.With().Str("service", serviceName).Logger()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	orm, err := db.ORM(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("open orm")
	}
	store, err := ingest.NewGormStore(orm)
	if err != nil {
		logger.Fatal().Err(err).Msg("init store")
	}

	opts := ingest.Options{
		Store:          store,
		Logger:         logger,
		ServiceName:    serviceName,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Ready:          func(ctx context.Context) error { return db.Ping(ctx, pool) },
	}
	if cfg.NATSURL != "" {
		events, err := bus.New(cfg.NATSURL, serviceName)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer events.Close()
		opts.Publisher = events
	}

	api, err := ingest.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Bool("notifications", opts.Publisher != nil).Msg("starting aegis-ingest")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}
