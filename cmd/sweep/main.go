// Command sweep cancels bookings and extensions whose payment deadline has
// passed, refunding any escrowed deposits.
//
// Usage:
//
//	sweep                      # run one pass and exit (for an external cron)
//	sweep -schedule "@hourly"  # stay up and run on the given schedule
//	sweep -daemon              # stay up and run on SWEEP_SCHEDULE
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/homelease/rentcore/internal/config"
	"github.com/homelease/rentcore/internal/logging"
	"github.com/homelease/rentcore/internal/server"
	"github.com/homelease/rentcore/internal/sweep"
	"github.com/homelease/rentcore/internal/traces"
)

// Version is set by ldflags and tags exported spans.
var Version = "dev"

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup (DB pool, span flush)
// happens before the process exits.
func run() int {
	schedule := flag.String("schedule", "", `cron spec to run on (e.g. "@hourly"); empty runs once`)
	daemon := flag.Bool("daemon", false, "run on SWEEP_SCHEDULE instead of once")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required: an in-memory sweep has nothing to sweep")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	core, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to wire services", "error", err)
		return 1
	}
	defer func() { _ = core.Close() }()

	if *daemon && *schedule == "" {
		*schedule = cfg.SweepSchedule
	}
	if *schedule == "" {
		return runOnce(ctx, core.Sweeper, logger)
	}

	sched, err := sweep.NewScheduler(ctx, core.Sweeper, *schedule, logger)
	if err != nil {
		logger.Error("failed to schedule sweep", "error", err)
		return 1
	}
	sched.Start()
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for running sweep")
	sched.Stop()
	return 0
}

// runOnce prints the summary as JSON and returns the process exit code.
// Per-item failures exit 2 so cron wrappers can alert on them.
func runOnce(ctx context.Context, s *sweep.Sweeper, logger *slog.Logger) int {
	sum, err := s.Run(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
	if sum.Failed > 0 {
		return 2
	}
	return 0
}
