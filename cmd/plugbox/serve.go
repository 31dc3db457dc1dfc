package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/httpapi"
	"github.com/jkaninda/plugbox/internal/observability"
	"github.com/jkaninda/plugbox/internal/retention"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox manager with its HTTP control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8090)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	if servePort != "" && cfg.HTTP != nil {
		cfg.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	var busOpts []events.Option
	if hook := obs.DropHook(); hook != nil {
		busOpts = append(busOpts, events.WithDropHook(hook))
	}
	bus := events.NewBus(busOpts...)
	defer bus.Close()

	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	var registry *prometheus.Registry
	if m := obs.MetricsOrNil(); m != nil {
		registry = m.Registry
	}

	recorder := observability.NewRecorder(obs.MetricsOrNil(), bus, logger)
	recorder.Start()
	defer recorder.Stop()

	var sink storage.AuditSink
	if cfg.Audit != nil && cfg.Audit.JSONLPath != "" {
		auditLog, err := security.NewAuditLogger(cfg.Audit.JSONLPath, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
		sink = auditLog
	}
	archiver := storage.NewArchiver(bus, store.Events(), sink, logger)
	archiver.Start()
	defer archiver.Stop()

	// Sandboxes shut down before the archiver stops.
	mgr, err := newManager(ctx, cfg, store, bus, logger)
	if err != nil {
		return err
	}
	defer mgr.ShutdownAll()

	if cfg.Retention != nil && cfg.Retention.Enabled {
		pruner := retention.New(store.Events(), retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.RetentionMaxAge(),
		}, retention.NewMetrics(registry), logger)
		if err := pruner.Start(ctx); err != nil {
			return err
		}
		defer pruner.Stop()
	}

	var health *observability.HealthChecker
	if obs != nil {
		health = obs.Health
		health.AddCheck("storage", store.Ping)
	}

	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		logger.Info("http control plane disabled, waiting for shutdown signal")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	metricsPath := ""
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		metricsPath = cfg.Observability.Metrics.Path
	}
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:        cfg.HTTP.ListenAddr,
		EnableDocs:        cfg.HTTP.EnableDocs,
		APIKeys:           cfg.HTTP.APIKeys,
		RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
		Burst:             cfg.HTTP.Burst,
		MetricsRegistry:   registry,
		MetricsPath:       metricsPath,
		HealthChecker:     health,
		Metrics:           obs.MetricsOrNil(),
		Tracer:            obs.TracerOrNil(),
	}, observability.NewInstrumentedManager(mgr, obs.MetricsOrNil(), obs.TracerOrNil()), logger).
		WithEventStore(store.Events())

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http gateway: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}
