package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crewline/crewline/internal/agents"
	"github.com/crewline/crewline/internal/engine"
	"github.com/crewline/crewline/internal/ledger"
	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/pool"
	"github.com/crewline/crewline/internal/scheduler"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/internal/validation"
	"github.com/crewline/crewline/pkg/mcp"
)

func main() {
	cfg := loadConfig()

	// Logs go to stderr: stdout carries the MCP stdio transport.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}),
	))

	if err := run(cfg, logger); err != nil {
		logger.Error("crewline exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(crewlineDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	agentPool := pool.New(st, logger)
	creditLedger := ledger.New(st, logger)
	catalog := agents.New(st, logger)

	eng, err := engine.New(st, agentPool, creditLedger, loopbackInvoker{}, logger, engine.Config{
		MaxInFlight:       cfg.MaxInFlight,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(st, eng, logger)
	if cfg.Scheduler {
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	srv := mcp.NewCrewlineServer(mcp.CrewlineServerDeps{
		Engine:    eng,
		Pool:      agentPool,
		Ledger:    creditLedger,
		Catalog:   catalog,
		Scheduler: sched,
		Store:     st,
		Validator: validator,
		Logger:    logger,
	})

	logger.Info("crewline starting", "db_path", cfg.DBPath, "max_in_flight", cfg.MaxInFlight)
	return srv.Serve(ctx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
