package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/safeshell/internal/agent"
	"github.com/jkaninda/safeshell/internal/gateway/httpapi"
	"github.com/jkaninda/safeshell/internal/llm/ollama"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway (default)",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so `safeshell --port 8080` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	obs := sc.Obs
	chat := observability.NewInstrumentedGenerator(
		ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Model, logger,
			ollama.WithTimeout(time.Duration(cfg.Ollama.TimeoutSeconds)*time.Second)),
		"ollama", obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil(),
	)
	// Built on the first /api/agent request.
	agents := agent.NewService(agent.NewBuilder(cfg, sc.Tools, obs, logger), logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		Burst:             cfg.Server.RateLimit.Burst,
	})

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		Version:       version,
		EnableDocs:    cfg.Server.Docs,
		APIKeys:       cfg.Server.APIKeys,
		SystemPrefix:  cfg.Ollama.SystemPrefix,
		HealthChecker: obs.Health,
		Metrics:       obs.MetricsOrNil(),
		Tracer:        obs.TracerOrNil(),
	}
	if m := obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	gw := httpapi.NewGateway(gwCfg, sc.Tool, chat, agents, limiter, logger).WithAudit(sc.Audit)

	logger.Info("starting safeshell",
		slog.String("version", version),
		slog.String("addr", gwCfg.ListenAddr),
		slog.String("sandbox", cfg.Sandbox.Dir),
		slog.Bool("api_keys", len(cfg.Server.APIKeys) > 0),
	)

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}
