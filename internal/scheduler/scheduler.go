package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is the scheduled unit of work.
type Job func(ctx context.Context) error

// Options configure a Scheduler.
type Options struct {
	// Cron is a standard five-field expression evaluated in UTC.
	Cron string
	// RunOnStart triggers one run as soon as the scheduler starts.
	RunOnStart bool
}

// Scheduler triggers a job on a cron schedule. At most one run is active at
// a time; a tick that fires while the previous run is still going is dropped.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	logger   *zap.Logger
}

// New parses the cron expression.
func New(opts Options, logger *zap.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", opts.Cron, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{opts: opts, schedule: schedule, logger: logger}, nil
}

// NextRun returns the first tick after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t.UTC())
}

// Run blocks until ctx is cancelled, invoking job on every tick. Job errors
// are logged and do not stop the schedule. Run returns only after in-flight
// runs, including the one started by RunOnStart, have finished.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	cronScheduler := gocron.NewScheduler(time.UTC)
	cronScheduler.SingletonModeAll()

	invoke := func() {
		started := time.Now()
		s.logger.Info("scheduled run started")
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled run failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
			return
		}
		s.logger.Info("scheduled run finished",
			zap.Duration("elapsed", time.Since(started)),
			zap.Time("next_run", s.NextRun(time.Now())),
		)
	}

	if _, err := cronScheduler.Cron(s.opts.Cron).Do(invoke); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}

	s.logger.Info("scheduler started",
		zap.String("cron", s.opts.Cron),
		zap.Time("next_run", s.NextRun(time.Now())),
	)
	cronScheduler.StartAsync()

	var startup sync.WaitGroup
	if s.opts.RunOnStart {
		startup.Add(1)
		go func() {
			defer startup.Done()
			invoke()
		}()
	}

	<-ctx.Done()
	cronScheduler.Stop()
	startup.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}
