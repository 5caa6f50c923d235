package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"aegis/pkg/bus"
	"aegis/pkg/db"
	"aegis/pkg/telemetry"
	"aegis/services/custody"
	"aegis/services/custody/internal/app"
	"aegis/services/custody/internal/config"
	"aegis/services/custody/pgstore"
)

const serviceName = "aegisd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := app.NewLogger(cfg.LogFormat, cfg.LogLevel, serviceName)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	rules, err := custody.LoadRules(cfg.Reconcile.RulesFile)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	anchor, err := app.NewAnchor(cfg.Ledger, logger.With().Str("component", "ledger").Logger())
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store, err := pgstore.New(pool)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := custody.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	orchCfg := custody.OrchestratorConfig{
		Gateway:     store,
		Ledger:      app.CustodyLedger(anchor),
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "orchestrator").Logger(),
		MaxAttempts: cfg.Reconcile.MaxAnchorAttempts,
	}

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL, serviceName)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()
		orchCfg.Notifier = events
	}

	evidence, err := app.NewArchive(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("init evidence archive: %w", err)
	}
	if evidence != nil {
		orchCfg.Archiver = evidence
	}

	orch, err := custody.NewOrchestrator(orchCfg)
	if err != nil {
		return err
	}

	detector, err := custody.NewDetector(custody.AnomalyRule{MaxTransitDuration: cfg.Reconcile.TransitMaxDuration}, time.Now)
	if err != nil {
		return err
	}

	daemon, err := custody.NewDaemon(custody.DaemonConfig{
		Gateway:      store,
		Rules:        rules,
		Detector:     detector,
		Orchestrator: orch,
		Interval:     cfg.Reconcile.CycleInterval,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "daemon").Logger(),
	})
	if err != nil {
		return err
	}

	logger.Info().
		Bool("ledger_dry_run", anchor.DryRun()).
		Bool("notifications", events != nil).
		Bool("archive", evidence != nil).
		Dur("interval", cfg.Reconcile.CycleInterval).
		Dur("transit_max", cfg.Reconcile.TransitMaxDuration).
		Int("max_anchor_attempts", cfg.Reconcile.MaxAnchorAttempts).
		Msg("starting aegisd")

	if events != nil {
		sub, err := subscribeWake(ctx, events, daemon.Wake)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return daemon.Run(gctx)
	})

	srv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           healthRouter(reg, daemon, logger, func(ctx context.Context) error { return db.Ping(ctx, pool) }),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HealthAddr).Msg("health server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("aegisd stopped")
	return err
}

type subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// subscribeWake calls wake for every tracking notification. It runs before
// the daemon is started, so a failed subscription never leaves a cycle loop
// running.
func subscribeWake(ctx context.Context, src subscriber, wake func()) (io.Closer, error) {
	sub, err := src.Subscribe(ctx, bus.TrackingRecordedSubject, "aegisd-wake", func(context.Context, []byte) error {
		wake()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", bus.TrackingRecordedSubject, err)
	}
	return sub, nil
}

func healthRouter(reg *prometheus.Registry, daemon *custody.Daemon, logger zerolog.Logger, ping func(context.Context) error) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if daemon.State() != custody.StateRunning {
			http.Error(w, "daemon "+daemon.State().String(), http.StatusServiceUnavailable)
			return
		}
		if err := ping(r.Context()); err != nil {
			logger.Warn().Err(err).Msg("readiness ping failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}
