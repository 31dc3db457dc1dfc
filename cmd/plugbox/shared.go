package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/plugbox/internal/config"
	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
	pgstore "github.com/jkaninda/plugbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/plugbox/internal/storage/sqlite"
)

func defaultConfigPath() string {
	return config.DefaultConfigPath()
}

// loadConfig reads the config named by PLUGBOX_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("PLUGBOX_CONFIG", configPath))
}

// newLogger builds the process logger. The --log-level flag wins over the
// config file.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level := logLevel
	if level == "" && cfg != nil {
		level = cfg.LogLevel
	}
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(logFormat) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", security.ErrInvalidConfiguration, logFormat)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", security.ErrInvalidConfiguration, s)
	}
}

// initStore opens and migrates the configured storage backend.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or PLUGBOX_DB_DSN)")
	}
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newManager creates the sandbox manager and fills its policy catalog:
// defaults, then stored policies, then config-file policies and policy files.
// store may be nil.
func newManager(ctx context.Context, cfg *config.Config, store storage.Store, bus *events.Bus, logger *slog.Logger) (*sandbox.Manager, error) {
	mcfg := sandbox.ManagerConfig{
		Sandbox: cfg.SandboxOptions(),
		Bus:     bus,
		Logger:  logger,
	}
	if store != nil {
		mcfg.Store = store.Policies()
	}
	mgr := sandbox.NewManager(mcfg)

	n, err := mgr.LoadStoredPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("stored policies loaded", slog.Int("count", n))
	}

	for name, p := range cfg.NamedPolicies() {
		if err := mgr.RegisterPolicy(ctx, name, p); err != nil {
			return nil, fmt.Errorf("registering policy %q: %w", name, err)
		}
	}
	for _, path := range cfg.PolicyFiles {
		if _, err := importPolicies(ctx, mgr, path); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

// importPolicies validates every policy in a YAML or JSON policy file, then
// registers them. Nothing is registered when any policy is invalid.
func importPolicies(ctx context.Context, mgr *sandbox.Manager, path string) ([]security.SecurityPolicy, error) {
	policies, err := security.LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, p := range policies {
		if err := mgr.RegisterPolicy(ctx, p.Name, p); err != nil {
			return nil, fmt.Errorf("%s: registering policy %q: %w", path, p.Name, err)
		}
	}
	return policies, nil
}
