package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/schema"
)

// Runner launches one workflow run for a due job. Satisfied by a thin
// adapter around engine construction (avoids an import cycle).
type Runner interface {
	RunWorkflow(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) error

func (f RunnerFunc) RunWorkflow(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Job is a registered workflow with a cron schedule. Definitions live in
// memory; the scheduler owns no persistence.
type Job struct {
	ID             string
	CronExpression string
	Nodes          []schema.Node
	Edges          []schema.Edge
	Variables      map[string]any

	Enabled       bool
	NextRunAt     time.Time
	LastRunAt     *time.Time
	LastRunStatus string
}

// Scheduler runs registered workflows on their cron schedules.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // jobs mid-run, so a slow run is not fired twice
}

// New creates a Scheduler with the standard five-field cron parser.
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job and computes its first run time. Replaces any job with
// the same ID.
func (s *Scheduler) Register(job *Job) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires an id")
	}
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression for job %q", job.ID).WithCause(err)
	}

	j := *job
	j.Enabled = true
	j.NextRunAt = next

	s.mu.Lock()
	s.jobs[j.ID] = &j
	s.mu.Unlock()
	return nil
}

// Remove deletes a job. Unknown IDs are a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		copied := *j
		out = append(out, &copied)
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.tick(ctx, t.UTC())
		}
	}
}

// tick runs every enabled job whose next run time has arrived.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("scheduled run failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		s.release(job.ID)
	}
}

// runJob executes one job and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	s.logger.Info("running scheduled workflow", slog.String("job_id", job.ID))

	err := s.runner.RunWorkflow(ctx, job)
	status := "success"
	if err != nil {
		status = "error"
	}

	next, nextErr := s.CalculateNextRun(job.CronExpression, now)
	if nextErr != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, nextErr)
	}

	s.mu.Lock()
	if j, ok := s.jobs[job.ID]; ok {
		ranAt := now
		j.LastRunAt = &ranAt
		j.LastRunStatus = status
		j.NextRunAt = next
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first firing of cronExpr after the given time.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop halts the tick loop and waits for it to exit. The scheduler can be
// started again afterwards.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
