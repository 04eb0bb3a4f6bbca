// Package scheduler runs collections for every configured account on its
// cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// RunFunc performs one collection for account.
type RunFunc func(ctx context.Context, account string)

// Job is the schedule of one account.
type Job struct {
	Account  string
	Schedule string
}

// JobStatus describes a scheduled job.
type JobStatus struct {
	Account  string    `json:"account"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"nextRun"`
}

// Scheduler manages the per-account collection jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	jobs      []Job
	run       RunFunc
	mu        sync.Mutex
	running   bool
	scheduled map[string]scheduledJob
}

type scheduledJob struct {
	job      gocron.Job
	schedule string
}

// New creates a Scheduler. Nothing runs until Start.
func New(logger *slog.Logger, jobs []Job, run RunFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if run == nil {
		return nil, fmt.Errorf("run function cannot be nil")
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
		jobs:      jobs,
		run:       run,
		scheduled: make(map[string]scheduledJob),
	}, nil
}

// Start registers one job per account and starts ticking. A job never
// overlaps itself: a tick that arrives while the previous run of the same
// account is still going is rescheduled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if len(s.jobs) == 0 {
		s.logger.Warn("No accounts scheduled")
	}

	for _, j := range s.jobs {
		job, err := s.scheduler.NewJob(
			gocron.CronJob(j.Schedule, true),
			gocron.NewTask(
				func(ctx context.Context, account string) {
					s.logger.InfoContext(ctx, "Running scheduled collection", "account", account)
					start := time.Now()
					s.run(ctx, account)
					s.logger.InfoContext(ctx, "Finished scheduled collection", "account", account, "duration", time.Since(start))
				},
				ctx,
				j.Account,
			),
			gocron.WithName("collect:"+j.Account),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.logger.Error("Failed to schedule collection", "account", j.Account, "schedule", j.Schedule, "error", err)
			return fmt.Errorf("failed to schedule account %s: %w", j.Account, err)
		}
		s.scheduled[j.Account] = scheduledJob{job: job, schedule: j.Schedule}
		s.logger.Info("Scheduled collection", "account", j.Account, "schedule", j.Schedule)
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "jobs", len(s.scheduled))
	return nil
}

// Stop shuts the scheduler down, waiting for running collections.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}
	s.running = false
	return err
}

// Jobs lists the scheduled jobs ordered by account.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.scheduled))
	for account, sj := range s.scheduled {
		status := JobStatus{Account: account, Schedule: sj.schedule}
		if next, err := sj.job.NextRun(); err == nil {
			status.NextRun = next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
