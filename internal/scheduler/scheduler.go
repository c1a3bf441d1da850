// Package scheduler fires scheduled jobs on their cron expressions. The cron
// runtime mirrors the active rows in the scheduled_jobs table and is
// resynchronised whenever a job changes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/store"
)

// ErrBadCronExpr is returned when a cron expression does not parse.
type ErrBadCronExpr struct {
	Expr string
	Err  error
}

func (e *ErrBadCronExpr) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ErrBadCronExpr) Unwrap() error { return e.Err }

// Scheduler mirrors active scheduled jobs into a cron runtime.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *store.ScheduledJobRepo
	logs   *store.ExecutionLogRepo
	engine *executor.Engine
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New creates a scheduler. Expressions use the standard five-field format.
func New(jobs *store.ScheduledJobRepo, logs *store.ExecutionLogRepo, engine *executor.Engine, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		jobs:    jobs,
		logs:    logs,
		engine:  engine,
		log:     log.With().Str("component", "scheduler").Logger(),
		entries: make(map[int64]cron.EntryID),
	}
}

// Validate checks a cron expression without scheduling it.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return &ErrBadCronExpr{Expr: expr, Err: err}
	}
	return nil
}

// Cron exposes the underlying cron runtime so other components (backups) can
// share it instead of running their own.
func (s *Scheduler) Cron() *cron.Cron {
	return s.cron
}

// Start loads the active jobs and begins firing them.
func (s *Scheduler) Start() error {
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
	return nil
}

// Stop halts the cron runtime, waiting for in-flight runs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Reload resynchronises the cron entries with the active jobs in the store.
// Called after any job create, update, or delete.
func (s *Scheduler) Reload() error {
	active, err := s.jobs.ListActive()
	if err != nil {
		return fmt.Errorf("failed to load active jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, job := range active {
		job := job
		entryID, err := s.cron.AddFunc(job.CronExpr, func() { s.fire(job.ID) })
		if err != nil {
			s.log.Error().Err(err).Int64("job_id", job.ID).Str("expr", job.CronExpr).
				Msg("Skipping job with invalid cron expression")
			continue
		}
		s.entries[job.ID] = entryID
	}

	s.log.Info().Int("jobs", len(s.entries)).Msg("Scheduler synchronised")
	return nil
}

// fire runs one job to completion and records the outcome. The job row is
// re-read at fire time so edits between ticks take effect.
func (s *Scheduler) fire(jobID int64) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		s.log.Warn().Err(err).Int64("job_id", jobID).Msg("Scheduled job vanished before firing")
		return
	}
	if !job.IsActive {
		return
	}

	s.log.Info().Int64("job_id", job.ID).Str("name", job.Name).Msg("Firing scheduled job")
	startedAt := time.Now().UTC()

	result, err := s.engine.Execute(context.Background(), executor.Request{
		Code:      job.Code,
		Packages:  job.Packages,
		Timeout:   job.Timeout,
		SandboxID: job.ContainerID,
	})

	entry := &store.ExecutionLog{
		Parent:    store.ScheduledParent(job.ID),
		Code:      job.Code,
		StartedAt: startedAt,
	}
	switch {
	case err != nil:
		entry.Status = "error"
		entry.Error = err.Error()
	case result.TimedOut:
		entry.Status = "timeout"
		fillFromResult(entry, result)
	case result.Success:
		entry.Status = "success"
		fillFromResult(entry, result)
	default:
		entry.Status = "error"
		fillFromResult(entry, result)
	}

	if err := s.logs.Insert(entry); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to record execution log")
	}
	if err := s.jobs.TouchLastRun(job.ID, startedAt); err != nil {
		s.log.Error().Err(err).Int64("job_id", job.ID).Msg("Failed to record last run")
	}
}

func fillFromResult(entry *store.ExecutionLog, result *executor.Result) {
	entry.Output = result.Output
	entry.Error = result.Error
	entry.ContainerID = result.SandboxID
	entry.ExecutionTime = result.ExecutionTime
	entry.Metrics = result.Metrics
}
