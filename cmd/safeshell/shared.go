package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/safeshell/internal/audit"
	"github.com/jkaninda/safeshell/internal/config"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/sandbox"
	"github.com/jkaninda/safeshell/internal/storage"
	"github.com/jkaninda/safeshell/internal/tools"
	"github.com/jkaninda/safeshell/internal/tools/safeshell"
)

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil when storage.driver is "none".
	Audit  audit.Store
	Tool   *safeshell.Tool
	Tools  *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

// newLogger writes JSON to stderr; stdout belongs to command output and MCP.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initShared builds observability, storage, the sandbox and the tool.
// With persist false the audit log lives in memory for the life of the process.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, persist bool) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			sc.Cleanup()
		}
	}()

	// Sandbox root, created if missing.
	if err := os.MkdirAll(cfg.Sandbox.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox directory %s: %w", cfg.Sandbox.Dir, err)
	}
	resolver, err := sandbox.NewResolver(cfg.Sandbox.Dir)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	logger.Debug("sandbox initialized", slog.String("root", resolver.Root()))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	obs.Health.AddCheck("sandbox", observability.DirCheck(resolver.Root()))
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Audit storage.
	sc.Audit = audit.NopStore{}
	if persist {
		if err := sc.initStorage(ctx); err != nil {
			return nil, err
		}
	} else {
		sc.Audit = audit.NewMemoryStore()
	}

	// Tool.
	pe := sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		Root:           resolver.Root(),
		DefaultTimeout: cfg.Sandbox.Timeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
	}, logger)
	executor := observability.NewInstrumentedExecutor(pe, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	validator := sandbox.NewValidator(resolver, cfg.Sandbox.AllowedVerbs,
		sandbox.WithMaxCommandLength(cfg.Sandbox.MaxCommandLength))

	opts := []safeshell.Option{
		safeshell.WithTimeout(cfg.Sandbox.Timeout()),
		safeshell.WithAudit(sc.Audit),
	}
	if m := obs.MetricsOrNil(); m != nil {
		opts = append(opts, safeshell.WithMetrics(m))
	}
	sc.Tool = safeshell.New(validator, executor, logger, opts...)

	sc.Tools = tools.NewRegistry()
	sc.Tools.Register(sc.Tool)
	logger.Debug("tools registered", slog.Int("count", len(sc.Tools.All())))

	ok = true
	return sc, nil
}

func (sc *SharedComponents) initStorage(ctx context.Context) error {
	cfg, logger := sc.Config, sc.Logger

	st, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	if st == nil {
		logger.Info("audit storage disabled")
		return nil
	}
	sc.Store = st
	sc.Audit = st.Audit()
	sc.addCleanup(func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing storage", slog.String("error", err.Error()))
		}
	})
	sc.Obs.Health.AddCheck("storage", st.Ping)

	pruner, err := audit.NewPruner(sc.Audit, cfg.AuditRetention(), cfg.Audit.PruneSchedule, logger)
	if err != nil {
		return err
	}
	pruner.Start()
	sc.addCleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pruner.Stop(stopCtx)
	})

	logger.Info("audit storage initialized",
		slog.String("driver", st.Driver()),
		slog.Duration("retention", cfg.AuditRetention()),
	)
	return nil
}
