// Package scheduler drives the hub's periodic maintenance with gocron: the
// sweep that expires command tracking entries and offline-queue entries and
// garbage-collects idle terminal sessions. Sweeps run in singleton mode so
// a slow database never lets two sweeps overlap.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweepable is the maintenance surface the scheduler drives. The hub
// implements it.
type Sweepable interface {
	Sweep()
}

// Scheduler wraps gocron around the hub's sweep.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	target Sweepable
	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin sweeping.
func New(target Sweepable, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		target: target,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers the sweep job at the given interval and starts the
// underlying gocron scheduler.
func (s *Scheduler) Start(interval time.Duration) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.target.Sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("hub-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("sweep_interval", interval))
	return nil
}

// Stop gracefully shuts down gocron, waiting for a running sweep to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
