// Package scheduler runs the periodic maintenance jobs of the assistant
// (redelivery of pending replies, dedup cache sweeps) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned by RunNow while the job's previous run is active.
var ErrJobRunning = errors.New("job already running")

// JobFunc is the body of a job.
type JobFunc func(ctx context.Context) error

// Job is a registered job and its last outcome.
type Job struct {
	ID        string    `json:"id"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`

	fn JobFunc
}

// Scheduler runs jobs on cron expressions or @every descriptors.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser

	jobs    map[string]*Job
	cronIDs map[string]cron.EntryID

	// runningJobs prevents a job from overlapping with its previous run.
	runningJobs map[string]bool

	// jobTimeout bounds one run. Default: 5m.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		jobTimeout:  5 * time.Minute,
		logger:      logger.With("component", "scheduler"),
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Scheduler) Add(id, schedule string, fn JobFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("job needs an id and a func")
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %s already registered", id)
	}
	job := &Job{ID: id, Schedule: schedule, fn: fn}
	s.jobs[id] = job
	if s.cron != nil {
		return s.scheduleLocked(job)
	}
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(s.parser))
	for _, job := range s.jobs {
		if err := s.scheduleLocked(job); err != nil {
			return err
		}
	}
	s.cron.Start()

	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop waits up to 10s for running jobs, then cancels them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		ctx := c.Stop()
		// Wait for running jobs to finish (with timeout).
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	return s.execute(ctx, job)
}

// List returns a copy of every job, sorted by ID.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{ID: j.ID, Schedule: j.Schedule, Runs: j.Runs, LastRunAt: j.LastRunAt, LastError: j.LastError})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Scheduler) scheduleLocked(job *Job) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.execute(s.ctx, job); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Warn("scheduled job failed", "id", job.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", job.ID, err)
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

// execute runs one job with overlap prevention, a timeout and panic recovery.
func (s *Scheduler) execute(ctx context.Context, job *Job) (err error) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Debug("skipping job (already running)", "id", job.ID)
		return ErrJobRunning
	}
	s.runningJobs[job.ID] = true
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}

		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		job.Runs++
		job.LastRunAt = start
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	s.logger.Debug("executing job", "id", job.ID)
	return job.fn(ctx)
}
