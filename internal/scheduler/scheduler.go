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

// ErrJobRunning is returned by RunNow when the job is already executing.
var ErrJobRunning = errors.New("job already running")

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// DefaultTick is how often the loop looks for due jobs.
const DefaultTick = time.Minute

// Job is a named maintenance task. Exactly one of Cron or Every must be set.
type Job struct {
	Name  string
	Cron  string        // 5-field cron expression or descriptor (@daily, @every 1h)
	Every time.Duration // fixed interval between runs
	Run   func(ctx context.Context) error
}

// JobStatus is a snapshot of a job's scheduling state.
type JobStatus struct {
	Name      string     `json:"name"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
}

// Config configures a Scheduler.
type Config struct {
	Tick   time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time // zero means due on the next tick
	status   JobStatus
}

// everySchedule fires at a fixed delay after the previous run, without
// the whole-second rounding of cron.Every.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Scheduler runs maintenance jobs in a background loop. A job never runs
// twice at the same time.
type Scheduler struct {
	parser cron.Parser
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// New creates a Scheduler with no jobs.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:     cfg.Tick,
		now:      cfg.Now,
		logger:   cfg.Logger,
		entries:  make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. Newly added jobs are due on the first tick.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Name)
	}

	var sched cron.Schedule
	switch {
	case job.Cron != "" && job.Every > 0:
		return fmt.Errorf("job %q: set either cron or every, not both", job.Name)
	case job.Cron != "":
		parsed, err := s.parser.Parse(job.Cron)
		if err != nil {
			return fmt.Errorf("parse cron expression %q: %w", job.Cron, err)
		}
		sched = parsed
	case job.Every > 0:
		sched = everySchedule(job.Every)
	default:
		return fmt.Errorf("job %q: cron or every is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.entries[job.Name] = &entry{job: job, schedule: sched, status: JobStatus{Name: job.Name}}
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	jobs := len(s.entries)
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Int("jobs", jobs), slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every job whose next run time has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.next.IsZero() || !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].job.Name < due[j].job.Name })

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(e.job.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, e)
		s.release(e.job.Name)
	}
}

func (s *Scheduler) runJob(ctx context.Context, e *entry) error {
	started := s.now()
	err := e.job.Run(ctx)
	finished := s.now()

	s.mu.Lock()
	e.next = e.schedule.Next(finished)
	e.status.LastRun = &started
	e.status.Runs++
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("scheduled job finished",
		slog.String("job", e.job.Name),
		slog.Duration("took", finished.Sub(started)),
		slog.Time("next_run", next),
	)
	return nil
}

// RunNow runs the named job immediately, outside the loop, and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer s.release(name)
	return s.runJob(ctx, e)
}

// Jobs returns a snapshot of every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.status
		st.NextRun = e.next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
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

// NextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running job to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
