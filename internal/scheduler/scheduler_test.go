package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/stats"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(clock *fakeClock) *Scheduler {
	return New(Config{Tick: 10 * time.Millisecond, Now: clock.Now, Logger: slog.Default()})
}

func counterJob(name string, every time.Duration, n *atomic.Int32) Job {
	return Job{Name: name, Every: every, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func TestAdd_Validation(t *testing.T) {
	s := New(Config{})
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Every: time.Minute, Run: noop}), "missing name")
	assert.Error(t, s.Add(Job{Name: "a", Every: time.Minute}), "missing run")
	assert.Error(t, s.Add(Job{Name: "a", Run: noop}), "missing schedule")
	assert.Error(t, s.Add(Job{Name: "a", Cron: "@daily", Every: time.Minute, Run: noop}), "both schedules")
	assert.Error(t, s.Add(Job{Name: "a", Cron: "not a cron", Run: noop}))

	require.NoError(t, s.Add(Job{Name: "a", Cron: "0 3 * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Every: time.Minute, Run: noop}), "duplicate name")
}

func TestNextRun(t *testing.T) {
	s := New(Config{})
	from := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		expected time.Time
	}{
		{"every minute", "* * * * *", time.Date(2026, 1, 15, 10, 31, 0, 0, time.UTC)},
		{"top of hour", "0 * * * *", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
		{"daily at 3am", "0 3 * * *", time.Date(2026, 1, 16, 3, 0, 0, 0, time.UTC)},
		{"descriptor", "@hourly", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := s.NextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, next)
		})
	}

	_, err := s.NextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestRunDue_FirstTickRunsEverything(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)

	var a, b atomic.Int32
	require.NoError(t, s.Add(counterJob("a", time.Hour, &a)))
	require.NoError(t, s.Add(counterJob("b", time.Minute, &b)))

	s.runDue(context.Background())
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())

	// nothing is due until the clock moves
	s.runDue(context.Background())
	assert.Equal(t, int32(1), a.Load())

	clock.Advance(2 * time.Minute)
	s.runDue(context.Background())
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(2), b.Load())

	clock.Advance(time.Hour)
	s.runDue(context.Background())
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(3), b.Load())
}

func TestJobs_StatusSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)

	require.NoError(t, s.Add(Job{Name: "broken", Every: time.Minute, Run: func(context.Context) error {
		return errors.New("disk full")
	}}))
	var n atomic.Int32
	require.NoError(t, s.Add(counterJob("ok", 5*time.Minute, &n)))

	before := s.Jobs()
	require.Len(t, before, 2)
	assert.Nil(t, before[0].LastRun)
	assert.True(t, before[0].NextRun.IsZero())

	s.runDue(context.Background())

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "broken", jobs[0].Name)
	assert.Equal(t, "disk full", jobs[0].LastError)
	assert.Equal(t, 1, jobs[0].Runs)
	assert.Equal(t, clock.Now().Add(time.Minute), jobs[0].NextRun)

	assert.Equal(t, "ok", jobs[1].Name)
	assert.Empty(t, jobs[1].LastError)
	require.NotNil(t, jobs[1].LastRun)
	assert.Equal(t, clock.Now(), *jobs[1].LastRun)
}

func TestRunNow(t *testing.T) {
	s := New(Config{})

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Every: time.Hour, Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}))

	err := s.RunNow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownJob)

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered

	err = s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobRunning)

	// the loop skips a job that is already in flight
	s.runDue(context.Background())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, s.Jobs()[0].Runs)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Tick: 5 * time.Millisecond})

	var n atomic.Int32
	require.NoError(t, s.Add(Job{Name: "fast", Every: time.Millisecond, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
}

type fakePruner struct {
	mu   sync.Mutex
	days []int
}

func (p *fakePruner) ClearOldExecutions(_ context.Context, days int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = append(p.days, days)
	return 3, nil
}

func TestRetentionJob(t *testing.T) {
	p := &fakePruner{}
	job := RetentionJob(p, 30, time.Hour)
	assert.Equal(t, "retention", job.Name)
	assert.Equal(t, time.Hour, job.Every)

	s := New(Config{})
	require.NoError(t, s.Add(job))
	require.NoError(t, s.RunNow(context.Background(), "retention"))
	assert.Equal(t, []int{30}, p.days)
}

type fakeHealth struct {
	report *stats.Health
	err    error
}

func (f fakeHealth) WorkflowHealth(context.Context) (*stats.Health, error) { return f.report, f.err }

func TestHealthJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	healthy := HealthJob(fakeHealth{report: &stats.Health{Status: stats.HealthHealthy}}, "@hourly", logger)
	require.NoError(t, healthy.Run(context.Background()))
	assert.Empty(t, buf.String())

	degraded := HealthJob(fakeHealth{report: &stats.Health{
		Status: stats.HealthWarning,
		Issues: []string{"2 execution(s) running longer than 1h0m0s"},
	}}, "@hourly", logger)
	require.NoError(t, degraded.Run(context.Background()))
	assert.Contains(t, buf.String(), "workflow health degraded")
	assert.Contains(t, buf.String(), "status=warning")

	failing := HealthJob(fakeHealth{err: errors.New("store down")}, "@hourly", logger)
	assert.EqualError(t, failing.Run(context.Background()), "store down")
}
