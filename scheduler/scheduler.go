package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/cron"
)

const DefaultInterval = time.Minute

// Config controls the periodic sweep.
type Config struct {
	// Interval between sweeps; ignored when Expression is set.
	Interval time.Duration
	// Expression is a cron spec such as "*/5 * * * *".
	Expression string
	// SweepTimeout bounds a single sweep; zero means no bound.
	SweepTimeout time.Duration
}

func (c Config) expression() string {
	if c.Expression != "" {
		return c.Expression
	}
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return "@every " + interval.String()
}

// Scheduler runs a Sweeper on a timer until stopped.
type Scheduler struct {
	sweeper *Sweeper
	config  Config
	logger  workflow.Logger
	cron    *cron.Scheduler

	mu     sync.Mutex
	handle cron.Handle
}

// New creates a scheduler. Runs never overlap: the cron chain skips a tick
// while the previous sweep is still running.
func New(sweeper *Sweeper, cfg Config, opts ...cron.Option) *Scheduler {
	s := &Scheduler{sweeper: sweeper, config: cfg, logger: sweeper.logger}
	base := []cron.Option{
		cron.WithLocation(time.UTC),
		cron.WithLogger(s.logger),
		cron.WithErrorHandler(func(err error) {
			s.logger.Error("scheduled sweep failed: %v", err)
		}),
	}
	s.cron = cron.NewScheduler(append(base, opts...)...)
	return s
}

// Start schedules the sweep and starts the timer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	handle, err := s.cron.Schedule(cron.JobConfig{
		Expression: s.config.expression(),
		Timeout:    s.config.SweepTimeout,
	}, s.run)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.handle = handle
	s.logger.Info("sweep scheduler started: %s", s.config.expression())
	return s.cron.Start(ctx)
}

// Stop stops the timer and waits for an in-flight sweep. When ctx ends first
// the sweep is canceled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	err := s.cron.Stop(ctx)
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
	s.logger.Info("sweep scheduler stopped")
	return err
}

// Next returns the next planned sweep, zero when not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return time.Time{}
	}
	return s.cron.Next(handle)
}

func (s *Scheduler) run(ctx context.Context) error {
	_, err := s.sweeper.Sweep(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		return nil
	}
	return err
}
