// Package scheduler runs the periodic cargo lifecycle jobs: shipping,
// launching, backups and catalog descriptions.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	// Immediate runs the job once before the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler runs a fixed set of jobs until its context ends. Each job runs
// on its own ticker, and a slow run delays only that job's next tick.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// New validates jobs and returns a scheduler.
func New(logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, job := range jobs {
		if job.Name == "" {
			return nil, errors.New("job name is required")
		}
		if job.Every <= 0 {
			return nil, errors.New("job " + job.Name + " interval must be positive")
		}
		if job.Run == nil {
			return nil, errors.New("job " + job.Name + " has no run func")
		}
	}
	return &Scheduler{jobs: jobs, logger: logger.Named("scheduler")}, nil
}

// Jobs returns the scheduled job names in registration order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Run blocks until ctx is done. Job errors are logged and never stop the
// scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		group.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return group.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger := s.logger.With(zap.String("job", job.Name))
	logger.Debug("job scheduled", zap.Duration("every", job.Every))

	if job.Immediate {
		s.runOnce(ctx, logger, job)
	}

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, logger, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *zap.Logger, job Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("job panicked", zap.Any("panic", recovered))
		}
	}()
	started := time.Now()
	if err := job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
	}
}
