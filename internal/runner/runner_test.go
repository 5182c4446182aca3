package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experimentd/internal/admission"
	"experimentd/internal/eventbus"
	"experimentd/internal/experiment"
	"experimentd/internal/job"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"
)

const waitFor = 5 * time.Second

func openStore(t *testing.T, now func() time.Time) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", Now: now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRunner(t *testing.T, st storage.Store, cat *job.Catalog, bus eventbus.Bus, mut func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		WorkerID:             "w1",
		RegistrationInterval: time.Hour,
		RetryBase:            time.Millisecond,
		RetryMaxDelay:        5 * time.Millisecond,
		Controller:           admission.ControllerConfig{InitialTarget: 4, MaxConcurrency: 8},
	}
	if mut != nil {
		mut(&cfg)
	}
	buckets := admission.NewRegistry(admission.BucketConfig{InitialRate: 1000, EnforcementWindow: time.Second}, nil)
	return New(cfg, st, cat, buckets, logx.Nop(), bus)
}

func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		r.Stop(ctx)
	})
}

func createExperiment(t *testing.T, st storage.Store, id string, examples, reps int, evaluators ...string) *experiment.Experiment {
	t.Helper()
	exp := &experiment.Experiment{
		ID:          id,
		Name:        "exp " + id,
		Task:        "echo",
		Repetitions: reps,
		ResourceKey: "llm",
	}
	for _, ev := range evaluators {
		exp.Evaluators = append(exp.Evaluators, experiment.EvaluatorConfig{Name: ev})
	}
	for i := 0; i < examples; i++ {
		exp.Examples = append(exp.Examples, experiment.Example{
			ID:       fmt.Sprintf("ex%02d", i),
			Input:    json.RawMessage(fmt.Sprintf(`{"q":%d}`, i)),
			Expected: json.RawMessage(fmt.Sprintf(`{"q":%d}`, i)),
		})
	}
	require.NoError(t, st.CreateExperiment(context.Background(), exp))
	return exp
}

func echoTask(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
	return in.Example.Input, nil
}

func scoreOne(ctx context.Context, in job.EvaluationInput) (experiment.EvaluationResult, error) {
	one := 1.0
	return experiment.EvaluationResult{Score: &one}, nil
}

func catalogWith(t *testing.T, task job.TaskFunc, evals map[string]job.EvaluatorFunc) *job.Catalog {
	t.Helper()
	cat := job.NewCatalog()
	require.NoError(t, cat.RegisterTask("echo", task))
	for name, fn := range evals {
		require.NoError(t, cat.RegisterEvaluator(name, fn))
	}
	return cat
}

func runsByStatus(t *testing.T, st storage.Store, expID string) map[experiment.RunStatus]int {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), expID)
	require.NoError(t, err)
	out := map[experiment.RunStatus]int{}
	for _, r := range runs {
		out[r.Status]++
	}
	return out
}

func waitStatus(t *testing.T, st storage.Store, expID string, status experiment.RunStatus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return runsByStatus(t, st, expID)[status] == n
	}, waitFor, 5*time.Millisecond, "waiting for %d %s runs", n, status)
}

func TestRunnerCompletesExperiment(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 3, 2, "exact", "score")
	cat := catalogWith(t, echoTask, map[string]job.EvaluatorFunc{"exact": scoreOne, "score": scoreOne})

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	r := newTestRunner(t, st, cat, bus, nil)
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunCompleted, 6)
	runs, err := st.ListRuns(context.Background(), "e1")
	require.NoError(t, err)
	for _, run := range runs {
		require.NotNil(t, run.Output, run.ID)
		assert.JSONEq(t, fmt.Sprintf(`{"q":%s}`, run.Key.ExampleID[3:]), string(run.Output.Output))
		assert.Len(t, run.Evaluations, 2, run.ID)
		assert.Equal(t, "w1", run.WorkerID)
	}

	require.Eventually(t, func() bool { return len(r.Snapshot().Experiments) == 0 }, waitFor, 5*time.Millisecond)
	snap := r.Snapshot()
	assert.Equal(t, uint64(6), snap.Completed)
	assert.Equal(t, uint64(18), snap.Started)
	assert.Zero(t, snap.Failed)
	assert.Zero(t, snap.InFlight)

	seen := map[string]int{}
	timeout := time.After(waitFor)
	for seen[EventExperimentFinished] == 0 {
		select {
		case e := <-events:
			seen[e.Type]++
		case <-timeout:
			t.Fatalf("no %s event, saw %v", EventExperimentFinished, seen)
		}
	}
	assert.Equal(t, 6, seen[EventRunCompleted])
	assert.Equal(t, 18, seen[EventJobFinished])
	assert.GreaterOrEqual(t, seen[EventExperimentRegistered], 1)
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 2, 1)

	var mu sync.Mutex
	calls := map[string]int{}
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		mu.Lock()
		calls[in.RunID]++
		n := calls[in.RunID]
		mu.Unlock()
		switch n {
		case 1:
			return nil, errors.New("flaky")
		case 2:
			return nil, job.RateLimit(errors.New("429"), time.Millisecond)
		default:
			return in.Example.Input, nil
		}
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunCompleted, 2)
	snap := r.Snapshot()
	assert.Equal(t, uint64(4), snap.Retried)
	assert.Equal(t, uint64(2), snap.Completed)
	require.Contains(t, snap.Buckets, "llm")
	assert.Equal(t, int64(2), snap.Buckets["llm"].RateLimitErrors)
	assert.Less(t, snap.Buckets["llm"].Rate, 1000.0)
}

func TestRunnerFailsRunAfterRetryBudget(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 1, 1)

	var calls atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, func(c *Config) { c.RetryMax = IntPtr(2) })
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunFailed, 1)
	assert.Equal(t, int32(3), calls.Load())
	runs, err := st.ListRuns(context.Background(), "e1")
	require.NoError(t, err)
	assert.Contains(t, runs[0].Error, "boom")
	assert.Equal(t, uint64(1), r.Snapshot().Failed)
}

func TestRunnerZeroRetryMaxDisablesRetries(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 1, 1)

	var calls atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, func(c *Config) { c.RetryMax = IntPtr(0) })
	// Reapplying the already defaulted config must keep the explicit zero.
	r.Apply(r.cfg)
	require.NotNil(t, r.cfg.RetryMax)
	require.Zero(t, *r.cfg.RetryMax)
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunFailed, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, r.Snapshot().Retried)
}

func TestConfigRetryMaxDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, defaultRetryMax, *Config{}.withDefaults().RetryMax)
	assert.Zero(t, *Config{RetryMax: IntPtr(0)}.withDefaults().RetryMax)
	assert.Zero(t, *Config{RetryMax: IntPtr(-2)}.withDefaults().RetryMax)
	assert.Equal(t, 7, *Config{RetryMax: IntPtr(7)}.withDefaults().RetryMax)
}

func TestRunnerPermanentErrorsFailImmediately(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 2, 1)

	var calls atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, job.NoRetry(errors.New("bad input"))
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunFailed, 2)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, r.Snapshot().Retried)
}

func TestRunnerEvaluatorFailureFailsRunAfterOthersSettle(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 1, 1, "broken", "exact")

	broken := func(ctx context.Context, in job.EvaluationInput) (experiment.EvaluationResult, error) {
		return experiment.EvaluationResult{}, job.NoRetry(errors.New("cannot grade"))
	}
	cat := catalogWith(t, echoTask, map[string]job.EvaluatorFunc{"broken": broken, "exact": scoreOne})
	r := newTestRunner(t, st, cat, nil, nil)
	startRunner(t, r)

	waitStatus(t, st, "e1", experiment.RunFailed, 1)
	runs, err := st.ListRuns(context.Background(), "e1")
	require.NoError(t, err)
	assert.Contains(t, runs[0].Error, "evaluator broken")
	require.Len(t, runs[0].Evaluations, 1)
	assert.Equal(t, "exact", runs[0].Evaluations[0].Evaluator)
}

func TestRunnerSweepReclaimsStaleClaims(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	st := openStore(t, clock.Now)
	createExperiment(t, st, "e1", 4, 1)
	ctx := context.Background()

	ghost, err := st.ClaimNextRuns(ctx, "e1", "ghost", 2)
	require.NoError(t, err)
	require.Len(t, ghost, 2)
	clock.Advance(10 * time.Minute)

	r := newTestRunner(t, st, catalogWith(t, echoTask, nil), nil, func(c *Config) { c.StaleClaimTimeout = 2 * time.Minute })
	startRunner(t, r)
	waitStatus(t, st, "e1", experiment.RunCompleted, 2)

	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, uint64(2), r.Snapshot().Reclaimed)

	// A top-up started before the sweep may still be in flight; retry until the
	// reclaimed runs are picked up.
	require.Eventually(t, func() bool {
		_ = r.RegisterExperiment(ctx, "e1")
		return runsByStatus(t, st, "e1")[experiment.RunCompleted] == 4
	}, waitFor, 10*time.Millisecond)
}

func TestRunnerDropsRunWhenClaimLost(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	st := openStore(t, clock.Now)
	createExperiment(t, st, "e1", 1, 1)
	ctx := context.Background()

	entered := make(chan struct{})
	gate := make(chan struct{})
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		close(entered)
		<-gate
		return in.Example.Input, nil
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	startRunner(t, r)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("task never started")
	}

	// Another worker reclaims the run while the task is still running.
	clock.Advance(10 * time.Minute)
	n, err := st.ReclaimStaleClaims(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	claims, err := st.ClaimNextRuns(ctx, "e1", "ghost", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	close(gate)
	require.Eventually(t, func() bool { return r.Snapshot().Lost == 1 }, waitFor, 5*time.Millisecond)

	runs, err := st.ListRuns(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, experiment.RunClaimed, runs[0].Status)
	assert.Equal(t, "ghost", runs[0].WorkerID)
	assert.Nil(t, runs[0].Output)
	assert.Zero(t, r.Snapshot().Retried)
}

func TestRunnerStopReleasesClaims(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 3, 1)

	var started atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		started.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return started.Load() == 3 }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Stop(ctx)

	assert.Equal(t, map[experiment.RunStatus]int{experiment.RunPending: 3}, runsByStatus(t, st, "e1"))
	snap := r.Snapshot()
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Experiments)
	assert.Zero(t, snap.Retried)
}

func TestRunnerStopDrainsInFlightJobs(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 2, 1, "exact")

	var started atomic.Int32
	gate := make(chan struct{})
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		started.Add(1)
		<-gate
		return in.Example.Input, nil
	}
	cat := catalogWith(t, task, map[string]job.EvaluatorFunc{"exact": scoreOne})
	r := newTestRunner(t, st, cat, nil, nil)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return started.Load() == 2 }, waitFor, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		r.Stop(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return r.Snapshot().Stopping }, waitFor, time.Millisecond)
	close(gate)

	select {
	case <-stopped:
	case <-time.After(2 * waitFor):
		t.Fatal("stop did not return")
	}

	// Tasks finished during the drain; their evaluations were never admitted, so
	// the runs go back to PENDING with the output kept for the next holder.
	runs, err := st.ListRuns(context.Background(), "e1")
	require.NoError(t, err)
	for _, run := range runs {
		assert.Equal(t, experiment.RunPending, run.Status, run.ID)
		assert.NotNil(t, run.Output, run.ID)
		assert.Empty(t, run.Evaluations, run.ID)
	}
}

func TestRunnerParentCancelReleasesClaims(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 3, 1)

	var started atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		started.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()
	require.NoError(t, r.Start(parent))
	require.Eventually(t, func() bool { return started.Load() == 3 }, waitFor, 5*time.Millisecond)

	// No Stop yet: the canceled jobs still report back and the claims go home.
	cancelParent()
	waitStatus(t, st, "e1", experiment.RunPending, 3)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	begin := time.Now()
	r.Stop(ctx)
	assert.Less(t, time.Since(begin), time.Second, "stop must not wait out its deadline")

	snap := r.Snapshot()
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Experiments)
	assert.Zero(t, snap.Retried)
}

func TestRunnerBlockedExperimentDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 8, 1)

	gate := make(chan struct{})
	var blocked atomic.Int32
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		if in.ExperimentID == "e1" {
			blocked.Add(1)
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return in.Example.Input, nil
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	startRunner(t, r)

	// e1 fills its controller (target 4) and keeps four more runs queued.
	require.Eventually(t, func() bool { return blocked.Load() == 4 }, waitFor, 5*time.Millisecond)

	createExperiment(t, st, "e2", 6, 1)
	require.NoError(t, r.RegisterExperiment(context.Background(), "e2"))
	waitStatus(t, st, "e2", experiment.RunCompleted, 6)

	assert.Zero(t, runsByStatus(t, st, "e1")[experiment.RunCompleted])
	snap := r.Snapshot()
	require.NotEmpty(t, snap.Experiments)
	assert.Equal(t, "e1", snap.Experiments[0].ID)
	assert.Equal(t, 4, snap.Experiments[0].InFlight)
	assert.Equal(t, 4, snap.Experiments[0].Queued)

	close(gate)
	waitStatus(t, st, "e1", experiment.RunCompleted, 8)
}

func TestRunnerRegisterIgnoresUnknownExperiment(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	r := newTestRunner(t, st, job.NewCatalog(), nil, nil)

	assert.ErrorIs(t, r.RegisterExperiment(context.Background(), "nope"), ErrStopped)

	startRunner(t, r)
	assert.NoError(t, r.RegisterExperiment(context.Background(), "nope"))
	assert.Empty(t, r.Snapshot().Experiments)
}

func TestRunnerStartRequiresStore(t *testing.T) {
	t.Parallel()
	r := New(Config{}, nil, nil, nil, logx.Nop(), nil)
	assert.ErrorIs(t, r.Start(context.Background()), ErrNoStore)
}

func TestRunnerApplyUpdatesControllers(t *testing.T) {
	t.Parallel()
	st := openStore(t, nil)
	createExperiment(t, st, "e1", 2, 1)

	gate := make(chan struct{})
	task := func(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return in.Example.Input, nil
	}
	r := newTestRunner(t, st, catalogWith(t, task, nil), nil, nil)
	startRunner(t, r)
	require.Eventually(t, func() bool { return len(r.Snapshot().Experiments) == 1 }, waitFor, 5*time.Millisecond)

	r.Apply(Config{Controller: admission.ControllerConfig{InitialTarget: 2, MaxConcurrency: 3}})
	snap := r.Snapshot()
	require.Len(t, snap.Experiments, 1)
	assert.Equal(t, 3, snap.Experiments[0].Controller.Max)
	assert.Equal(t, "w1", snap.WorkerID)
	close(gate)
	waitStatus(t, st, "e1", experiment.RunCompleted, 2)
}
