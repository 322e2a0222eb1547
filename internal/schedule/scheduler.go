// Package schedule runs ingestion and main-contract jobs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"quantbar/internal/gather"
)

// StatusSink receives the outcome of every job run. The daemon's health
// server implements it.
type StatusSink interface {
	SetServing(service string, ok bool)
}

// Result is the outcome of the latest run of one job.
type Result struct {
	Job      string
	Start    time.Time
	Duration time.Duration
	Err      error
}

// Scheduler runs its jobs one after another, in registration order, on a
// shared cron spec. A tick that fires while the previous cycle is still
// going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	status StatusSink
	log    *slog.Logger

	mu      sync.Mutex
	jobs    []gather.Gatherer
	cycling bool
	running map[string]bool
	last    map[string]Result
	ctx     context.Context
}

// New creates a Scheduler. spec uses the six-field form with seconds, e.g.
// "0 30 17 * * *", and is evaluated in loc (time.Local when nil). status may
// be nil.
func New(spec string, loc *time.Location, status StatusSink) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		spec:    spec,
		status:  status,
		log:     slog.Default().With("component", "schedule", "zone", loc.String()),
		running: make(map[string]bool),
		last:    make(map[string]Result),
		ctx:     context.Background(),
	}
}

// Add appends job to the cycle. The first Add registers the cron entry.
func (s *Scheduler) Add(job gather.Gatherer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name() == job.Name() {
			return fmt.Errorf("job %s already exists", job.Name())
		}
	}
	if len(s.jobs) == 0 {
		if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
			return fmt.Errorf("scheduling job %s: %w", job.Name(), err)
		}
	}
	s.jobs = append(s.jobs, job)
	if s.status != nil {
		s.status.SetServing(job.Name(), true)
	}
	s.log.Info("job added", "job", job.Name(), "schedule", s.spec, "position", len(s.jobs))
	return nil
}

// Jobs returns the names of the registered jobs in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name()
	}
	return names
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.log.Info("scheduler started", "jobs", len(s.Jobs()))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// RunNow runs one cycle immediately and joins the job errors. It fails
// when a cycle is already running.
func (s *Scheduler) RunNow(ctx context.Context) error {
	ran, err := s.cycle(ctx)
	if !ran {
		return fmt.Errorf("a cycle is already running")
	}
	return err
}

func (s *Scheduler) tick() {
	if ran, _ := s.cycle(s.context()); !ran {
		s.log.Warn("cycle skipped", "reason", "still running")
	}
}

// cycle runs every job in order. A job that fails does not stop the ones
// after it. It reports false without running anything when another cycle
// holds the scheduler.
func (s *Scheduler) cycle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.cycling {
		s.mu.Unlock()
		return false, nil
	}
	s.cycling = true
	jobs := append([]gather.Gatherer(nil), s.jobs...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cycling = false
		s.mu.Unlock()
	}()

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if r, ok := s.run(ctx, job); ok && r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), r.Err))
		}
	}
	return true, errors.Join(errs...)
}

// Last returns the latest result of job.
func (s *Scheduler) Last(job string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[job]
	return r, ok
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// run executes job unless it is already running and reports whether it ran.
func (s *Scheduler) run(ctx context.Context, job gather.Gatherer) (Result, bool) {
	name := job.Name()
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.log.Warn("job skipped", "job", name, "reason", "still running")
		return Result{}, false
	}
	s.running[name] = true
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("job started", "job", name)
	err := job.Run(ctx)
	r := Result{Job: name, Start: start, Duration: time.Since(start), Err: err}

	s.mu.Lock()
	s.running[name] = false
	s.last[name] = r
	s.mu.Unlock()

	if s.status != nil {
		s.status.SetServing(name, err == nil)
	}
	if err != nil {
		s.log.Error("job failed", "job", name, "duration", r.Duration, "error", err)
	} else {
		s.log.Info("job completed", "job", name, "duration", r.Duration)
	}
	return r, true
}
