package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experimentd/internal/admission"
	"experimentd/internal/experiment"
	"experimentd/internal/job"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTenant(clock *fakeClock, target int) *RunningExperiment {
	exp := &experiment.Experiment{ID: "e1", Task: "echo", ResourceKey: "llm"}
	buckets := admission.NewRegistry(admission.BucketConfig{
		InitialRate:       10,
		EnforcementWindow: time.Second,
		Now:               clock.Now,
	}, nil)
	return NewRunningExperiment(exp, admission.ControllerConfig{
		InitialTarget:  float64(target),
		MaxConcurrency: target,
		Now:            clock.Now,
	}, buckets)
}

func claimFor(run string) experiment.RunClaim {
	return experiment.RunClaim{RunID: run, ExperimentID: "e1", Token: "tok-" + run}
}

func TestTryDequeueChecksCapacityBeforeTokens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 1)
	bucket := tn.buckets.Get("llm")

	tn.Enqueue(job.NewTaskJob(claimFor("r1"), "llm"))
	tn.Enqueue(job.NewTaskJob(claimFor("r2"), "llm"))

	first := tn.TryDequeueAdmissible(clock.Now())
	require.NotNil(t, first)
	assert.Equal(t, "r1", first.RunID())
	assert.Equal(t, 1, tn.InFlight())

	clock.Advance(time.Second)
	before := bucket.Available()
	require.GreaterOrEqual(t, before, 1.0)

	assert.Nil(t, tn.TryDequeueAdmissible(clock.Now()), "gate is full")
	assert.Equal(t, before, bucket.Available(), "a full gate must not consume a token")
	assert.Equal(t, 1, tn.QueueLen())

	tn.OnJobFinished(job.Outcome{Kind: job.Success, Latency: 10 * time.Millisecond})
	assert.Equal(t, 0, tn.InFlight())

	second := tn.TryDequeueAdmissible(clock.Now())
	require.NotNil(t, second)
	assert.Equal(t, "r2", second.RunID())
	assert.InDelta(t, before-1, bucket.Available(), 1e-9)
}

func TestTryDequeueWaitsForTokens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 4)

	tn.Enqueue(job.NewTaskJob(claimFor("r1"), "llm"))
	tn.Enqueue(job.NewTaskJob(claimFor("r2"), "llm"))

	require.NotNil(t, tn.TryDequeueAdmissible(clock.Now()))
	assert.Nil(t, tn.TryDequeueAdmissible(clock.Now()), "bucket starts with one token")
	assert.Equal(t, 1, tn.QueueLen())

	d, ok := tn.nextWake(clock.Now())
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	clock.Advance(d)
	assert.NotNil(t, tn.TryDequeueAdmissible(clock.Now()))
	assert.Equal(t, 2, tn.InFlight())
}

func TestTryDequeueHonorsNotBefore(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 4)

	j := job.NewTaskJob(claimFor("r1"), "llm").Retry(job.Failed, clock.Now().Add(time.Second))
	tn.Enqueue(j)

	assert.Nil(t, tn.TryDequeueAdmissible(clock.Now()))
	d, ok := tn.nextWake(clock.Now())
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	clock.Advance(time.Second)
	got := tn.TryDequeueAdmissible(clock.Now())
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Retries)
}

func TestQueueOrdersByNotBeforeThenFIFO(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 8)
	now := clock.Now()

	late := job.NewTaskJob(claimFor("late"), "llm").Retry(job.Failed, now.Add(time.Second))
	tn.Enqueue(late)
	for _, id := range []string{"a", "b", "c"} {
		tn.Enqueue(job.NewTaskJob(claimFor(id), "llm"))
	}

	var order []string
	for tn.QueueLen() > 0 {
		clock.Advance(2 * time.Second)
		j := tn.TryDequeueAdmissible(clock.Now())
		require.NotNil(t, j)
		order = append(order, j.RunID())
	}
	assert.Equal(t, []string{"a", "b", "c", "late"}, order)
}

func TestOnJobFinishedFeedsController(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 4)

	tn.Enqueue(job.NewTaskJob(claimFor("r1"), "llm"))
	require.NotNil(t, tn.TryDequeueAdmissible(clock.Now()))

	tn.OnJobFinished(job.Outcome{Kind: job.TimedOut})
	snap := tn.Snapshot()
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 1, snap.Controller.WindowTimeout)

	// Rate limits and cancellations say nothing about provider health.
	tn.OnJobFinished(job.Outcome{Kind: job.RateLimited})
	tn.OnJobFinished(job.Outcome{Kind: job.Canceled})
	snap = tn.Snapshot()
	assert.Equal(t, 0, snap.Controller.WindowError)
	assert.Equal(t, 0, snap.InFlight)
}

func TestTrackReplacesReclaimedRun(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tn := testTenant(clock, 4)

	old := tn.track(context.Background(), claimFor("r1"))
	tn.Enqueue(job.NewTaskJob(old.claim, "llm"))
	tn.Enqueue(job.NewTaskJob(claimFor("r2"), "llm"))

	next := claimFor("r1")
	next.Token = "tok-new"
	rs := tn.track(context.Background(), next)

	assert.Error(t, old.ctx.Err(), "old run context is canceled")
	assert.NoError(t, rs.ctx.Err())
	assert.Equal(t, 1, tn.QueueLen(), "jobs of the replaced claim are dropped")
	assert.Equal(t, "tok-new", tn.runs["r1"].claim.Token)

	tn.untrack("r1")
	assert.Empty(t, tn.runs)
	assert.Error(t, rs.ctx.Err())
}

func TestClaimsSkipsLostRuns(t *testing.T) {
	t.Parallel()
	tn := testTenant(newFakeClock(), 4)
	tn.track(context.Background(), claimFor("r1"))
	tn.track(context.Background(), claimFor("r2")).lost = true

	claims := tn.claims()
	require.Len(t, claims, 1)
	assert.Equal(t, "r1", claims[0].RunID)
	assert.False(t, tn.idle())
}
