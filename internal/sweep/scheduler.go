package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the sweep on a cron schedule for deployments that have no
// external scheduler. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
	ctx     context.Context
}

// NewScheduler registers sweeper under spec (standard cron syntax or a
// descriptor such as "@hourly").
func NewScheduler(ctx context.Context, sweeper *Sweeper, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	s := &Scheduler{cron: c, sweeper: sweeper, logger: logger, ctx: ctx}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	logger.Info("scheduled overdue sweep", "schedule", spec)
	return s, nil
}

func (s *Scheduler) runOnce() {
	sum, err := s.sweeper.Run(s.ctx)
	if err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
		return
	}
	s.logger.Info("scheduled sweep finished",
		"cancelled", sum.Cancelled, "extensions_cancelled", sum.ExtensionsCancelled, "failed", sum.Failed)
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

