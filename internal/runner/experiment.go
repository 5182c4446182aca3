package runner

import (
	"container/heap"
	"context"
	"time"

	"experimentd/internal/admission"
	"experimentd/internal/experiment"
	"experimentd/internal/job"
)

// runState tracks one claimed run while its jobs are queued or in flight.
type runState struct {
	claim experiment.RunClaim

	// outstanding counts the run's jobs that are queued or in flight.
	outstanding int
	inFlight    int

	// failure is the first permanent failure among the run's eval jobs; the
	// run is failed once the remaining evaluations settle.
	failure string
	lost    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// RunningExperiment is the per-experiment dispatch state: a job queue ordered
// by (NotBefore, enqueue order), the in-flight count and one AIMD controller.
//
// It is not safe for concurrent use; the runner guards it with its mutex.
type RunningExperiment struct {
	exp     *experiment.Experiment
	ctrl    *admission.Controller
	buckets *admission.Registry

	queue    jobQueue
	seq      uint64
	inFlight int

	runs map[string]*runState
}

// NewRunningExperiment wires an experiment to its controller and to the shared
// bucket registry.
func NewRunningExperiment(exp *experiment.Experiment, ctrl admission.ControllerConfig, buckets *admission.Registry) *RunningExperiment {
	if buckets == nil {
		buckets = admission.NewRegistry(admission.DefaultBucketConfig(), nil)
	}
	return &RunningExperiment{
		exp:     exp,
		ctrl:    admission.NewController(ctrl),
		buckets: buckets,
		runs:    map[string]*runState{},
	}
}

func (t *RunningExperiment) ID() string { return t.exp.ID }
func (t *RunningExperiment) Experiment() *experiment.Experiment { return t.exp }
func (t *RunningExperiment) Controller() *admission.Controller { return t.ctrl }
func (t *RunningExperiment) QueueLen() int { return len(t.queue) }
func (t *RunningExperiment) InFlight() int { return t.inFlight }

// Enqueue inserts j ordered by (NotBefore, seq); jobs eligible at the same time
// run in FIFO order.
func (t *RunningExperiment) Enqueue(j *job.Job) {
	t.seq++
	heap.Push(&t.queue, queuedJob{job: j, seq: t.seq})
}

// TryDequeueAdmissible returns the head job when it is eligible at now, the
// experiment has capacity under its controller target and the head's bucket
// yields a token. Otherwise it returns nil and leaves the queue as it was.
func (t *RunningExperiment) TryDequeueAdmissible(now time.Time) *job.Job {
	head := t.queue.head()
	if head == nil {
		return nil
	}
	if head.NotBefore.After(now) {
		return nil
	}
	// Capacity first: a full gate must not consume tokens.
	if t.inFlight >= t.ctrl.Target() {
		return nil
	}
	if err := t.buckets.Get(head.ResourceKey).TryTake(); err != nil {
		return nil
	}
	heap.Pop(&t.queue)
	t.inFlight++
	return head
}

// OnJobFinished releases the job's capacity and reports its outcome to the
// controller.
func (t *RunningExperiment) OnJobFinished(o job.Outcome) {
	if t.inFlight > 0 {
		t.inFlight--
	}
	sig, ok := o.Signal()
	if !ok {
		return
	}
	switch sig {
	case admission.SignalSuccess:
		t.ctrl.RecordSuccess(o.Latency)
	case admission.SignalError:
		t.ctrl.RecordError()
	case admission.SignalTimeout:
		t.ctrl.RecordTimeout()
	}
}

// nextWake reports how long until the head job could become admissible.
// ok is false when only a finishing job can unblock the experiment.
func (t *RunningExperiment) nextWake(now time.Time) (time.Duration, bool) {
	head := t.queue.head()
	if head == nil {
		return 0, false
	}
	if head.NotBefore.After(now) {
		return head.NotBefore.Sub(now), true
	}
	if t.inFlight >= t.ctrl.Target() {
		return 0, false
	}
	return t.buckets.Get(head.ResourceKey).WaitTime(), true
}

// idle reports that nothing is queued, running or tracked.
func (t *RunningExperiment) idle() bool {
	return len(t.queue) == 0 && t.inFlight == 0 && len(t.runs) == 0
}

// track starts tracking claim. parent scopes the contexts of the run's jobs.
func (t *RunningExperiment) track(parent context.Context, claim experiment.RunClaim) *runState {
	if rs, ok := t.runs[claim.RunID]; ok {
		// A newer claim for a run we still track: the old one was reclaimed.
		rs.cancel()
		t.queue.removeRun(claim.RunID)
	}
	ctx, cancel := context.WithCancel(parent)
	rs := &runState{claim: claim, ctx: ctx, cancel: cancel}
	t.runs[claim.RunID] = rs
	return rs
}

// untrack forgets a run and drops its queued jobs.
func (t *RunningExperiment) untrack(runID string) {
	rs, ok := t.runs[runID]
	if !ok {
		return
	}
	rs.cancel()
	t.queue.removeRun(runID)
	delete(t.runs, runID)
}

// claims lists the claims held for this experiment.
func (t *RunningExperiment) claims() []experiment.RunClaim {
	out := make([]experiment.RunClaim, 0, len(t.runs))
	for _, rs := range t.runs {
		if !rs.lost {
			out = append(out, rs.claim)
		}
	}
	return out
}

func (t *RunningExperiment) Snapshot() ExperimentSnapshot {
	return ExperimentSnapshot{
		ID:          t.exp.ID,
		Name:        t.exp.Name,
		ResourceKey: t.exp.ResourceKey,
		Queued:      len(t.queue),
		InFlight:    t.inFlight,
		Runs:        len(t.runs),
		Controller:  t.ctrl.Snapshot(),
	}
}
