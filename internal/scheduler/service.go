// Package scheduler maintains the in-memory trigger table: job id to cron
// schedule, periodically reconciled against durable storage. It fires
// scheduled executions and accepts immediate run-now requests.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/runner"
	"reportflow/internal/store"
)

// ScheduleError reports a malformed cron expression. Non-fatal: the job
// is excluded from the trigger table, nothing else is affected.
type ScheduleError struct {
	JobID string
	Expr  string
	Err   error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q for job %s: %v", e.Expr, e.JobID, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// JobKey is the deterministic external key for a scheduled task. Callers
// may depend on this format.
func JobKey(jobID string) string { return "scheduled_task_" + jobID }

// Launcher starts one execution without waiting for completion.
type Launcher interface {
	Launch(ctx context.Context, req domain.ExecutionRequest) (*runner.Handle, error)
}

type entry struct {
	job     domain.ScheduledJob
	entryID cron.EntryID
}

// JobInfo is the introspection view of one trigger-table entry.
type JobInfo struct {
	CronExpr string    `json:"cron_expr"`
	Enabled  bool      `json:"enabled"`
	Next     time.Time `json:"next,omitempty"`
}

// Service owns the trigger table. All mutation happens under its mutex;
// the table is never exposed to callers directly.
type Service struct {
	repo     store.Repository
	launcher Launcher
	interval time.Duration

	// Strict 5-field parser: minute hour dom month dow. No seconds, no
	// descriptors; anything else is a ScheduleError.
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	runCtx  context.Context
	stop    chan struct{}
}

func New(repo store.Repository, launcher Launcher, reconcileInterval time.Duration) *Service {
	if reconcileInterval <= 0 {
		reconcileInterval = 60 * time.Second
	}
	return &Service{
		repo:     repo,
		launcher: launcher,
		interval: reconcileInterval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries:  map[string]*entry{},
	}
}

// Start launches the cron runner and the reconciliation loop. The first
// reconcile happens immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.runCtx = ctx
	s.c = cron.New()
	s.c.Start()
	stop := s.stop
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	go func() {
		s.Reconcile(ctx)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				s.Reconcile(ctx)
			}
		}
	}()
}

// Stop halts the cron runner; in-flight executions keep running.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.stop = nil
	c := s.c
	s.c = nil
	s.entries = map[string]*entry{}
	s.mu.Unlock()

	// Wait outside the lock: running jobs may need it to read the table.
	<-c.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

// RegisterOrUpdate upserts a job in the trigger table. A malformed cron
// expression is rejected with ScheduleError and any existing registration
// is left untouched. Idempotent.
func (s *Service) RegisterOrUpdate(job domain.ScheduledJob) error {
	sched, err := s.parser.Parse(job.CronExpr)
	if err != nil {
		return &ScheduleError{JobID: job.ID, Expr: job.CronExpr, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return fmt.Errorf("scheduler not started")
	}

	if old, ok := s.entries[job.ID]; ok {
		s.c.Remove(old.entryID)
	}
	jobID := job.ID
	entryID := s.c.Schedule(sched, cron.FuncJob(func() { s.fire(jobID) }))
	s.entries[job.ID] = &entry{job: job, entryID: entryID}
	log.Info().Str("job_id", job.ID).Str("key", JobKey(job.ID)).Str("cron", job.CronExpr).Msg("job registered")
	return nil
}

// Remove unregisters the job and marks the durable record disabled.
// No-op if the job was never registered.
func (s *Service) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	if ok {
		s.c.Remove(e.entryID)
		delete(s.entries, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.repo.DisableJob(ctx, jobID); err != nil {
		return fmt.Errorf("disable job %s: %w", jobID, err)
	}
	log.Info().Str("job_id", jobID).Msg("job removed")
	return nil
}

// ListActive returns a snapshot of the trigger table for introspection.
func (s *Service) ListActive() map[string]JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobInfo, len(s.entries))
	for id, e := range s.entries {
		info := JobInfo{CronExpr: e.job.CronExpr, Enabled: e.job.Enabled}
		if s.c != nil {
			info.Next = s.c.Entry(e.entryID).Next
		}
		out[id] = info
	}
	return out
}

// TriggerNow bypasses cron timing and immediately starts one execution,
// returning a handle without waiting for completion.
func (s *Service) TriggerNow(ctx context.Context, jobID string) (*runner.Handle, error) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	runCtx := s.runCtx
	s.mu.Unlock()

	var job domain.ScheduledJob
	if ok {
		job = e.job
	} else {
		// Not in the trigger table (disabled or malformed cron); the
		// durable record can still be run on demand.
		var err error
		job, err = s.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", jobID, err)
		}
	}
	// The execution outlives the caller (an HTTP request, typically);
	// tie it to the service lifetime instead.
	if runCtx == nil {
		runCtx = ctx
	}
	return s.launcher.Launch(runCtx, buildRequest(job))
}

// fire runs one scheduled execution. Never panics into the cron runner.
func (s *Service) fire(jobID string) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok || ctx == nil {
		return
	}

	log.Info().Str("job_id", jobID).Str("task_id", e.job.TaskID).Msg("scheduled execution firing")
	if _, err := s.launcher.Launch(ctx, buildRequest(e.job)); err != nil {
		log.Error().Str("job_id", jobID).Err(err).Msg("scheduled execution failed to start")
	}
}

func buildRequest(job domain.ScheduledJob) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		TaskID:    job.TaskID,
		Objective: job.Name,
		Context: map[string]any{
			"job_id":       job.ID,
			"external_key": JobKey(job.ID),
			"priority":     job.Priority,
		},
	}
}

// Reconcile fully recomputes the trigger table from durable storage:
// new jobs are added, changed ones rescheduled, orphans dropped. A read
// failure leaves the in-memory state untouched; the next cycle retries.
func (s *Service) Reconcile(ctx context.Context) {
	jobs, err := s.repo.ListEnabledJobs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile: reading jobs failed; keeping current trigger table")
		return
	}

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = struct{}{}

		s.mu.Lock()
		cur, ok := s.entries[job.ID]
		unchanged := ok && cur.job.CronExpr == job.CronExpr && cur.job.TaskID == job.TaskID && cur.job.Name == job.Name
		s.mu.Unlock()
		if unchanged {
			continue
		}

		if err := s.RegisterOrUpdate(job); err != nil {
			// Malformed cron excludes this one job only; if an older
			// registration exists its durable expression is gone, so
			// drop it from the table too.
			log.Error().Str("job_id", job.ID).Err(err).Msg("reconcile: job excluded")
			s.dropEntry(job.ID)
		}
	}

	// Drop orphans: registered entries no longer enabled in storage.
	s.mu.Lock()
	var orphans []string
	for id := range s.entries {
		if _, ok := seen[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	s.mu.Unlock()
	for _, id := range orphans {
		s.dropEntry(id)
		log.Info().Str("job_id", id).Msg("reconcile: orphan dropped")
	}
}

func (s *Service) dropEntry(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobID]; ok {
		if s.c != nil {
			s.c.Remove(e.entryID)
		}
		delete(s.entries, jobID)
	}
}
