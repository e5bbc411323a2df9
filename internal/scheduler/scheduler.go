// ABOUTME: Cron-driven maintenance: periodically routes pending tasks and reclaims timeouts
// ABOUTME: Each run sweeps every scope with open work and reports to Prometheus

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/telemetry"
)

// Job names, used in logs and the maintenance_runs_total metric.
const (
	JobRoutePending  = "route_pending"
	JobCheckTimeouts = "check_timeouts"
)

// Sweeper is the part of the dispatcher the scheduler drives.
type Sweeper interface {
	ActiveScopes(ctx context.Context) ([]string, error)
	RoutePending(ctx context.Context, scope string) ([]dispatch.SweepResult, error)
	CheckTimeouts(ctx context.Context, scope string) ([]dispatch.SweepResult, error)
}

// Config holds cron schedules. An empty schedule disables that job.
type Config struct {
	RoutePending  string
	CheckTimeouts string
	RunTimeout    time.Duration
}

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	metrics  *telemetry.Metrics
	cfg      Config
	logger   *slog.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopOnce sync.Once
}

// New creates a Scheduler. Jobs are registered by Start.
func New(cfg Config, sweeper Sweeper, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sweeper:  sweeper,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		entryIDs: make(map[string]cron.EntryID),
	}
}

// Start registers the configured jobs and starts the cron loop. The
// scheduler stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []struct {
		name     string
		schedule string
	}{
		{JobRoutePending, s.cfg.RoutePending},
		{JobCheckTimeouts, s.cfg.CheckTimeouts},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		name := j.name
		id, err := s.cron.AddFunc(j.schedule, func() { _ = s.RunJob(ctx, name) })
		if err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", name, err)
		}
		s.entryIDs[name] = id
		s.logger.Info("maintenance job registered", "job", name, "schedule", j.schedule)
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for running jobs and stops the cron loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

// Jobs returns the names of registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for _, name := range []string{JobRoutePending, JobCheckTimeouts} {
		if _, ok := s.entryIDs[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// RunJob runs one job across every active scope.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	var sweep func(context.Context, string) ([]dispatch.SweepResult, error)
	switch name {
	case JobRoutePending:
		sweep = s.sweeper.RoutePending
	case JobCheckTimeouts:
		sweep = s.sweeper.CheckTimeouts
	default:
		return fmt.Errorf("unknown maintenance job %q", name)
	}

	err := s.run(ctx, name, sweep)
	s.metrics.ObserveMaintenance(name, err)
	if err != nil {
		s.logger.Error("maintenance job failed", "job", name, "error", err)
	}
	return err
}

func (s *Scheduler) run(ctx context.Context, name string, sweep func(context.Context, string) ([]dispatch.SweepResult, error)) error {
	scopes, err := s.sweeper.ActiveScopes(ctx)
	if err != nil {
		return fmt.Errorf("listing scopes: %w", err)
	}

	var errs []error
	handled := 0
	for _, scope := range scopes {
		results, err := sweep(ctx, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope, err))
			continue
		}
		handled += len(results)
	}
	s.logger.Debug("maintenance job finished", "job", name, "scopes", len(scopes), "tasks", handled)
	return errors.Join(errs...)
}
