// Package scheduler implements the cron-driven trigger layer (spec §4.7)
// using robfig/cron in subscription mode: each job owns at most one active
// cron.EntryID, replaced wholesale on re-schedule rather than polled.
//
// Grounded on the teacher's internal/backup/schedule_runner.go for the
// run-if-not-already-running guard; the subscription-mode API shape itself
// has no teacher precedent and is built directly against robfig/cron's
// documented EntryID semantics (see SPEC_FULL.md §D, "Scheduler
// implementation").
package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/backup-controller/internal/database"
	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/models"
)

// Starter is the subset of the orchestrator the scheduler depends on.
type Starter interface {
	Start(job *models.Job, server *models.Server, full bool) error
	IsRunning(jobID string) bool
}

// Scheduler owns one cron.Cron instance and a jobID -> EntryID mapping so
// that schedule/unschedule can cleanly replace or remove a subscription.
type Scheduler struct {
	db  *database.DB
	orc Starter
	c   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New constructs a Scheduler; call Start to begin running registered jobs.
func New(db *database.DB, orc Starter) *Scheduler {
	return &Scheduler{
		db:      db,
		orc:     orc,
		c:       cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start runs the cron loop and registers a subscription for every enabled
// Job with a non-empty cron expression (spec §4.7). Invalid expressions are
// logged and skipped; they do not prevent startup.
func (s *Scheduler) Start() error {
	jobs, err := s.db.ListEnabledScheduledJobs()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := s.Schedule(job.ID, job.CronExpr); err != nil {
			logging.L().Error("scheduler_register_failed", "job_id", job.ID, "cron", job.CronExpr, "error", err)
		}
	}

	s.c.Start()
	return nil
}

// Schedule cleanly replaces any prior subscription for jobID with a new one
// running expr (spec §4.7's idempotent replace rule; §8's round-trip law:
// schedule(j,e) twice leaves exactly one active subscription).
func (s *Scheduler) Schedule(jobID, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID, ok := s.entries[jobID]; ok {
		s.c.Remove(oldID)
		delete(s.entries, jobID)
	}

	entryID, err := s.c.AddFunc(expr, func() { s.tick(jobID) })
	if err != nil {
		return err
	}
	s.entries[jobID] = entryID
	return nil
}

// Unschedule removes jobID's subscription, if any. Idempotent.
func (s *Scheduler) Unschedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[jobID]; ok {
		s.c.Remove(entryID)
		delete(s.entries, jobID)
	}
}

// UnscheduleAll removes every active subscription, used during shutdown
// stage 1.
func (s *Scheduler) UnscheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for jobID, entryID := range s.entries {
		s.c.Remove(entryID)
		delete(s.entries, jobID)
	}
}

// Stop halts the cron loop, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) tick(jobID string) {
	job, err := s.db.GetJob(jobID)
	if err != nil {
		logging.L().Warn("scheduler_tick_job_lookup_failed", "job_id", jobID, "error", err)
		return
	}
	if !job.Enabled || s.orc.IsRunning(jobID) {
		return
	}

	server, err := s.db.GetServer(job.ServerID)
	if err != nil {
		logging.L().Warn("scheduler_tick_server_lookup_failed", "job_id", jobID, "server_id", job.ServerID, "error", err)
		return
	}

	if err := s.orc.Start(job, server, false); err != nil {
		logging.L().Error("scheduler_tick_start_failed", "job_id", jobID, "error", err)
	}
}
