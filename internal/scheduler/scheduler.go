// Package scheduler runs the periodic maintenance jobs of a homeos process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one named maintenance task on a cron schedule.
type Job struct {
	Name string
	// Spec is a five-field cron expression or a descriptor such as "@every 1m".
	Spec string
	Run  func(ctx context.Context) error
}

// JobStatus is the last known state of a registered job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"nextRunAt"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus string     `json:"lastRunStatus,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler ticks at a fixed interval and runs the jobs that are due.
type Scheduler struct {
	parser   cron.Parser
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	entriesMu sync.Mutex
	entries   map[string]*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval (default 15s).
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: 15 * time.Second,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Add registers a job. Its first run is the first schedule time after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler job needs a name and a run func")
	}
	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", job.Spec, err)
	}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("scheduler job %q already registered", job.Name)
	}
	s.entries[job.Name] = &entry{
		job:      job,
		schedule: schedule,
		status:   JobStatus{Name: job.Name, Spec: job.Spec, NextRunAt: schedule.Next(s.now().UTC())},
	}
	return nil
}

// Start launches the background loop. Every job runs once immediately so
// work left over from a previous process is picked up.
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
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job whose next run time has passed.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now().UTC()
	ran := 0
	for _, e := range s.snapshot() {
		if e.status.NextRunAt.After(now) {
			continue
		}
		if s.run(ctx, e.job.Name, now) {
			ran++
		}
	}
	return ran
}

// RunAll runs every job once regardless of its schedule.
func (s *Scheduler) RunAll(ctx context.Context) {
	now := s.now().UTC()
	for _, e := range s.snapshot() {
		s.run(ctx, e.job.Name, now)
	}
}

// RunNow runs one job immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.entriesMu.Lock()
	_, ok := s.entries[name]
	s.entriesMu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler job %q not registered", name)
	}
	if !s.run(ctx, name, s.now().UTC()) {
		return fmt.Errorf("scheduler job %q is already running", name)
	}
	return nil
}

// run executes one job and records the outcome. It returns false when the
// job was already in flight.
func (s *Scheduler) run(ctx context.Context, name string, now time.Time) bool {
	if !s.tryAcquire(name) {
		return false
	}
	defer s.release(name)

	s.entriesMu.Lock()
	e := s.entries[name]
	job := e.job
	s.entriesMu.Unlock()

	s.logger.Debug("running scheduled job", slog.String("job", name))
	status := "success"
	if err := job.Run(ctx); err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}

	s.entriesMu.Lock()
	e.status.LastRunAt = &now
	e.status.LastRunStatus = status
	e.status.NextRunAt = e.schedule.Next(now)
	s.entriesMu.Unlock()
	return true
}

// Jobs returns the status of every job sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	entries := s.snapshot()
	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status)
	}
	return out
}

func (s *Scheduler) snapshot() []entry {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		if e.status.LastRunAt != nil {
			t := *e.status.LastRunAt
			cp.status.LastRunAt = &t
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].job.Name < out[j].job.Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler.
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
