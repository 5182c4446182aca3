package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experimentd/internal/admission"
	"experimentd/internal/eventbus"
	"experimentd/internal/runner"
	logx "experimentd/pkg/logx"
)

func TestCollectorObservesRunnerEvents(t *testing.T) {
	t.Parallel()
	c := NewCollector("test", nil, logx.Nop())

	task := runner.RunEvent{JobType: "task", Outcome: "success", Latency: 200 * time.Millisecond, ResourceKey: "llm"}
	c.Observe(eventbus.Event{Type: runner.EventJobFinished, Data: task})
	c.Observe(eventbus.Event{Type: runner.EventJobFinished, Data: task})
	c.Observe(eventbus.Event{Type: runner.EventRunRetry, Data: runner.RunEvent{Outcome: "rate_limited"}})
	c.Observe(eventbus.Event{Type: runner.EventRunRateLimited, Data: runner.RunEvent{ResourceKey: "llm"}})
	c.Observe(eventbus.Event{Type: runner.EventRunCompleted, Data: runner.RunEvent{}})
	c.Observe(eventbus.Event{Type: runner.EventRunFailed, Data: runner.RunEvent{}})
	c.Observe(eventbus.Event{Type: runner.EventClaimsReclaimed, Data: runner.SweepEvent{Reclaimed: 3, Lost: 1}})
	c.Observe(eventbus.Event{Type: "something.else"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("task", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited.WithLabelValues("llm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.claimsSwept.WithLabelValues("reclaimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claimsSwept.WithLabelValues("lost")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.eventsObserved))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestCollectorIgnoresMalformedEventData(t *testing.T) {
	t.Parallel()
	c := NewCollector("test", nil, logx.Nop())
	c.Observe(eventbus.Event{Type: runner.EventJobFinished, Data: "oops"})
	c.Observe(eventbus.Event{Type: runner.EventClaimsReclaimed, Data: 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.eventsObserved))
	assert.Equal(t, 0, testutil.CollectAndCount(c.jobsTotal))
}

func TestSnapshotGauges(t *testing.T) {
	t.Parallel()
	snap := runner.Snapshot{
		Running: true,
		Experiments: []runner.ExperimentSnapshot{{
			ID:         "e1",
			Queued:     4,
			InFlight:   2,
			Runs:       6,
			Controller: admission.ControllerSnapshot{Target: 3, RawTarget: 3.5, Max: 10},
		}},
		Buckets: map[string]admission.BucketSnapshot{"llm": {Rate: 2.5, Tokens: 1}},
	}
	c := NewCollector("test", func() runner.Snapshot { return snap }, logx.Nop())

	expected := `
# HELP test_bucket_rate Token bucket rate in tokens per second.
# TYPE test_bucket_rate gauge
test_bucket_rate{resource_key="llm"} 2.5
# HELP test_experiment_in_flight Jobs currently executing.
# TYPE test_experiment_in_flight gauge
test_experiment_in_flight{experiment="e1"} 2
# HELP test_experiment_target_concurrency Concurrency target of the experiment's controller.
# TYPE test_experiment_target_concurrency gauge
test_experiment_target_concurrency{experiment="e1"} 3
# HELP test_runner_running 1 while the runner admits jobs.
# TYPE test_runner_running gauge
test_runner_running 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"test_bucket_rate", "test_experiment_in_flight", "test_experiment_target_concurrency", "test_runner_running"))
}

func TestCollectorRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := NewCollector("test", nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: runner.EventRunCompleted, Data: runner.RunEvent{}})
		return testutil.ToFloat64(c.runsTotal.WithLabelValues("completed")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	c := NewCollector("test", nil, logx.Nop())
	c.Observe(eventbus.Event{Type: runner.EventRunCompleted, Data: runner.RunEvent{}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_runs_finished_total{status="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
