package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
)

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

type countingJob struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (j *countingJob) run(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	return j.err
}

func (j *countingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	return NewScheduler(logging.Discard(), WithClock(clock.Now)), clock
}

// --- Tests ---

func TestAdd_FirstRunFollowsSchedule(t *testing.T) {
	sched, _ := newTestScheduler()
	job := &countingJob{}

	require.NoError(t, sched.Add(Job{Name: "hourly", Spec: "0 * * * *", Run: job.run}))
	require.NoError(t, sched.Add(Job{Name: "quarter", Spec: "*/15 * * * *", Run: job.run}))
	require.NoError(t, sched.Add(Job{Name: "every", Spec: "@every 1m", Run: job.run}))

	jobs := sched.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "every", jobs[0].Name)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 1, 0, 0, time.UTC), jobs[0].NextRunAt)
	assert.Equal(t, "hourly", jobs[1].Name)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), jobs[1].NextRunAt)
	assert.Equal(t, "quarter", jobs[2].Name)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), jobs[2].NextRunAt)
}

func TestAdd_Rejects(t *testing.T) {
	sched, _ := newTestScheduler()
	job := &countingJob{}

	require.Error(t, sched.Add(Job{Name: "bad", Spec: "invalid cron", Run: job.run}))
	require.Error(t, sched.Add(Job{Spec: "@every 1m", Run: job.run}))
	require.Error(t, sched.Add(Job{Name: "norun", Spec: "@every 1m"}))

	require.NoError(t, sched.Add(Job{Name: "dup", Spec: "@every 1m", Run: job.run}))
	err := sched.Add(Job{Name: "dup", Spec: "@every 1m", Run: job.run})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestTick_RunsOnlyDueJobs(t *testing.T) {
	sched, clock := newTestScheduler()
	fast, slow := &countingJob{}, &countingJob{}
	require.NoError(t, sched.Add(Job{Name: "fast", Spec: "*/15 * * * *", Run: fast.run}))
	require.NoError(t, sched.Add(Job{Name: "slow", Spec: "0 * * * *", Run: slow.run}))

	ctx := context.Background()
	assert.Equal(t, 0, sched.Tick(ctx))

	clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, sched.Tick(ctx))
	assert.Equal(t, 1, fast.count())
	assert.Equal(t, 0, slow.count())

	// Already advanced past this slot.
	assert.Equal(t, 0, sched.Tick(ctx))

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 2, sched.Tick(ctx))
	assert.Equal(t, 2, fast.count())
	assert.Equal(t, 1, slow.count())
}

func TestTick_RecordsOutcome(t *testing.T) {
	sched, clock := newTestScheduler()
	failing := &countingJob{err: errors.New("boom")}
	require.NoError(t, sched.Add(Job{Name: "failing", Spec: "@every 1m", Run: failing.run}))

	clock.Advance(time.Minute)
	sched.Tick(context.Background())

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Equal(t, clock.Now(), *jobs[0].LastRunAt)
	assert.Equal(t, "error", jobs[0].LastRunStatus)
	assert.Equal(t, clock.Now().Add(time.Minute), jobs[0].NextRunAt)
}

func TestRunAll_IgnoresSchedule(t *testing.T) {
	sched, _ := newTestScheduler()
	a, b := &countingJob{}, &countingJob{}
	require.NoError(t, sched.Add(Job{Name: "a", Spec: "0 0 * * *", Run: a.run}))
	require.NoError(t, sched.Add(Job{Name: "b", Spec: "0 0 1 * *", Run: b.run}))

	sched.RunAll(context.Background())

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	for _, st := range sched.Jobs() {
		assert.Equal(t, "success", st.LastRunStatus)
	}
}

func TestRunNow(t *testing.T) {
	sched, _ := newTestScheduler()
	job := &countingJob{}
	require.NoError(t, sched.Add(Job{Name: "job", Spec: "0 0 * * *", Run: job.run}))

	require.NoError(t, sched.RunNow(context.Background(), "job"))
	assert.Equal(t, 1, job.count())

	err := sched.RunNow(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	sched, clock := newTestScheduler()
	job := &countingJob{}
	require.NoError(t, sched.Add(Job{Name: "job", Spec: "@every 1m", Run: job.run}))
	clock.Advance(time.Minute)

	// Pre-acquire the job to simulate an in-flight execution.
	assert.True(t, sched.tryAcquire("job"))

	assert.Equal(t, 0, sched.Tick(context.Background()))
	assert.Error(t, sched.RunNow(context.Background(), "job"))
	assert.Equal(t, 0, job.count())

	sched.release("job")
	assert.Equal(t, 1, sched.Tick(context.Background()))
	assert.Equal(t, 1, job.count())
}

func TestStartStop(t *testing.T) {
	sched, _ := newTestScheduler()
	ran := make(chan struct{}, 1)
	require.NoError(t, sched.Add(Job{Name: "boot", Spec: "0 0 * * *", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run at start")
	}

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

// --- Maintenance jobs ---

type fakeExpirer struct {
	n   int
	err error
}

func (f *fakeExpirer) ExpireOverdue(context.Context) (int, error) { return f.n, f.err }

type fakeTimers struct {
	due []*store.Timer
	at  time.Time
}

func (f *fakeTimers) ListDueTimers(_ context.Context, now time.Time, _ int) ([]*store.Timer, error) {
	f.at = now
	return f.due, nil
}

type fakeResumer struct {
	ids []string
	err error
}

func (f *fakeResumer) EnsureRunning(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

func TestExpireApprovalsJob(t *testing.T) {
	job := ExpireApprovalsJob("@every 1m", &fakeExpirer{n: 2}, logging.Discard())
	assert.Equal(t, JobExpireApprovals, job.Name)
	require.NoError(t, job.Run(context.Background()))

	failing := ExpireApprovalsJob("@every 1m", &fakeExpirer{err: errors.New("db down")}, logging.Discard())
	require.Error(t, failing.Run(context.Background()))
}

func TestResumeTimersJob_ResumesEachWorkflowOnce(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	timers := &fakeTimers{due: []*store.Timer{
		{WorkflowID: "wf-1", CommandID: 3},
		{WorkflowID: "wf-2", CommandID: 1},
		{WorkflowID: "wf-1", CommandID: 7},
	}}
	resumer := &fakeResumer{}

	job := ResumeTimersJob("@every 30s", timers, resumer, func() time.Time { return now }, logging.Discard())
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"wf-1", "wf-2"}, resumer.ids)
	assert.Equal(t, now, timers.at)
}

func TestResumeTimersJob_ResumeErrorsDoNotFailJob(t *testing.T) {
	timers := &fakeTimers{due: []*store.Timer{{WorkflowID: "wf-1"}}}
	resumer := &fakeResumer{err: errors.New("gone")}

	job := ResumeTimersJob("@every 30s", timers, resumer, nil, logging.Discard())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"wf-1"}, resumer.ids)
}
