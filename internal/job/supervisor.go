package job

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/serviceability-scanner/internal/logging"
)

// DefaultSweepSchedule is how often the supervisor looks for orphaned jobs
const DefaultSweepSchedule = "@every 1m"

// Supervisor periodically resumes jobs left pending or running without a live runner
type Supervisor struct {
	engine   *Engine
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
}

// NewSupervisor creates a supervisor for the engine
func NewSupervisor(engine *Engine, schedule string) *Supervisor {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Supervisor{
		engine:   engine,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  30 * time.Second,
	}
}

// Start runs one sweep immediately, then schedules the rest
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.Sweep(ctx)
	s.cron.Start()

	logging.WithField("schedule", s.schedule).Info("Job supervisor started")
	return nil
}

// Sweep resumes orphaned jobs once
func (s *Supervisor) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.engine.ResumeOrphans(ctx)
	if err != nil {
		logging.WithError(err).Error("Job supervisor sweep failed")
		return 0
	}
	if n > 0 {
		logging.Infof("Job supervisor resumed %d jobs", n)
	}
	return n
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Supervisor) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.Info("Job supervisor stopped")
}
