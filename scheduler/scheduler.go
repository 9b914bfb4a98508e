// Package scheduler implements the interval/cron driver: a single-threaded
// cooperative loop with a misfire grace window, per-job
// max_instances=1, and a fallback driver for when the production driver
// cannot start. A single loop drives an arbitrary set of registered jobs
// rather than one fixed nightly job.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MisfireGrace is the window within which a missed fire time is still run,
// rather than skipped.
const MisfireGrace = 5 * time.Minute

// Job is a single registered unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// jobState tracks per-job scheduling and the max_instances=1 guard.
type jobState struct {
	job     Job
	running bool
	next    time.Time
}

// Scheduler drives registered jobs on a single-threaded cooperative loop:
// one tick goroutine sequentially checks due jobs and launches each job's
// own goroutine, but never launches a second instance of a job still running.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*jobState
	now  func() time.Time
	tick time.Duration
}

// New constructs a Scheduler. tick is the loop's polling granularity
// (typically 1s); individual job intervals are independent of it.
func New(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{jobs: make(map[string]*jobState), now: time.Now, tick: tick}
}

// Register adds a job, due to run immediately on the scheduler's next tick
// and then every job.Interval thereafter.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &jobState{job: job, next: s.now()}
}

// RegisterDailyAt adds a job that fires once per day at the given UTC
// hour:minute (used for the spending-window reset).
func (s *Scheduler) RegisterDailyAt(name string, hour, minute int, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := nextDailyUTC(s.now(), hour, minute)
	s.jobs[name] = &jobState{job: Job{Name: name, Interval: 24 * time.Hour, Run: run}, next: next}
}

func nextDailyUTC(after time.Time, hour, minute int) time.Time {
	after = after.UTC()
	target := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

// Run drives the cooperative loop until ctx is cancelled. Each tick, every
// due job whose fire time is still within MisfireGrace is launched (unless
// already running); a job whose fire time has fallen further behind than
// MisfireGrace is skipped forward to the next interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := make([]*jobState, 0)
	for _, js := range s.jobs {
		if js.running {
			continue
		}
		if now.Before(js.next) {
			continue
		}
		if now.Sub(js.next) > MisfireGrace {
			slog.Warn("scheduler: misfire grace exceeded, skipping to next interval", "job", js.job.Name, "missed_by", now.Sub(js.next))
			js.next = js.next.Add(js.job.Interval)
			continue
		}
		js.running = true
		due = append(due, js)
	}
	s.mu.Unlock()

	for _, js := range due {
		go s.runJob(ctx, js)
	}
}

// runJob executes a single job instance and reschedules it, logging and
// terminating this invocation (never silently swallowing) if it panics or
// returns an error.
func (s *Scheduler) runJob(ctx context.Context, js *jobState) {
	defer func() {
		s.mu.Lock()
		js.running = false
		js.next = js.next.Add(js.job.Interval)
		s.mu.Unlock()
		if r := recover(); r != nil {
			slog.Error("scheduler: job panicked", "job", js.job.Name, "panic", r)
		}
	}()
	if err := js.job.Run(ctx); err != nil {
		slog.Error("scheduler: job returned error", "job", js.job.Name, "err", err)
	}
}

// FallbackScheduler is used when the production driver cannot start (e.g.
// the single-threaded loop's underlying timer infra is unavailable). It
// never executes anything: it logs a WARNING that cron jobs will not run,
// rather than silently doing nothing.
type FallbackScheduler struct{}

// NewFallbackScheduler constructs a FallbackScheduler, logging the required
// WARNING immediately.
func NewFallbackScheduler() *FallbackScheduler {
	slog.Warn("scheduler: falling back to no-op driver; reconciliation drain, hold expiry, approval expiry, and spending-window reset jobs will NOT execute")
	return &FallbackScheduler{}
}

// Register is a no-op: the fallback driver never runs anything.
func (f *FallbackScheduler) Register(Job) {}

// Run blocks until ctx is cancelled, doing nothing.
func (f *FallbackScheduler) Run(ctx context.Context) {
	<-ctx.Done()
}
