package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"experimentd/internal/eventbus"
	"experimentd/internal/experiment"
	"experimentd/internal/job"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"
)

const (
	minWake  = 2 * time.Millisecond
	idleWake = time.Minute
)

// loop is the dispatch goroutine. It admits jobs round-robin across
// experiments, consumes job results and drains on stop.
func (r *Runner) loop(ctx context.Context) error {
	r.mu.Lock()
	results, wake := r.results, r.wake
	drained, once := r.drained, r.drainOnce
	pollEvery := r.cfg.Controller.InactiveCheckInterval
	r.mu.Unlock()
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}

	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	timer := time.NewTimer(idleWake)
	defer timer.Stop()

	done := ctx.Done()
	for {
		r.mu.Lock()
		if r.stopping && r.inFlightLocked() == 0 {
			held := r.dropAllLocked()
			r.mu.Unlock()
			r.releaseClaims(held)
			once.Do(func() { close(drained) })
			return nil
		}
		now := r.cfg.Now()
		if !r.stopping {
			for r.dispatchPassLocked(now) > 0 {
			}
		}
		wait := r.nextWakeLocked(now)
		r.mu.Unlock()

		timer.Reset(wait)
		select {
		case res := <-results:
			r.publish(r.handleResult(res))
		case <-wake:
		case <-timer.C:
		case <-poll.C:
			r.pollControllers()
		case <-done:
			// Parent gone: cancel jobs but keep receiving their results so the
			// drain above can release the claims.
			done = nil
			r.mu.Lock()
			r.stopping = true
			cancel := r.cancelJobs
			n := r.inFlightLocked()
			r.mu.Unlock()
			r.log.Info("runner context done, draining", logx.Int("in_flight", n))
			cancel()
		}
	}
}

// dispatchPassLocked offers one admission to every experiment, starting after
// the one that went first last time, and returns how many jobs it started.
func (r *Runner) dispatchPassLocked(now time.Time) int {
	n := len(r.order)
	if n == 0 {
		return 0
	}
	started := 0
	for i := 0; i < n; i++ {
		t := r.tenants[r.order[(r.next+i)%n]]
		if t == nil {
			continue
		}
		j := t.TryDequeueAdmissible(now)
		if j == nil {
			continue
		}
		r.launchLocked(t, j)
		started++
	}
	r.next = (r.next + 1) % n
	return started
}

func (r *Runner) launchLocked(t *RunningExperiment, j *job.Job) {
	rs := t.runs[j.RunID()]
	if rs == nil || rs.lost || rs.claim.Token != j.Claim.Token {
		// The run was dropped or replaced after the job was queued.
		t.OnJobFinished(job.Outcome{Kind: job.Canceled})
		return
	}
	rs.inFlight++
	r.started.Add(1)

	env := job.Env{
		Experiment: t.exp,
		Catalog:    r.catalog,
		Store:      r.store,
		Timeout:    r.cfg.JobTimeout,
		Log:        r.log.With(logx.String("run", j.RunID()), logx.String("job", j.Type.String())),
	}
	ctx := rs.ctx
	results := r.results
	// The loop only exits after every in-flight result was received.
	drained := r.drained
	res := jobResult{expID: t.ID(), token: rs.claim.Token, job: j}
	go func() {
		res.outcome = j.Execute(ctx, env)
		select {
		case results <- res:
		case <-drained:
		}
	}()
}

func (r *Runner) nextWakeLocked(now time.Time) time.Duration {
	wait := idleWake
	if r.stopping {
		return wait
	}
	for _, t := range r.tenants {
		d, ok := t.nextWake(now)
		if ok && d < wait {
			wait = d
		}
	}
	if wait < minWake {
		wait = minWake
	}
	return wait
}

func (r *Runner) pollControllers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		t.ctrl.Poll()
	}
}

// handleResult applies one job result and returns the events to publish.
func (r *Runner) handleResult(res jobResult) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, o := res.job, res.outcome
	t := r.tenants[res.expID]
	if t == nil {
		return nil
	}
	t.OnJobFinished(o)
	if o.Kind == job.RateLimited {
		r.buckets.Get(j.ResourceKey).OnRateLimitError()
	}

	now := r.cfg.Now()
	evs := []eventbus.Event{{Type: EventJobFinished, Time: now, Data: runEvent(t, j, o)}}
	if o.Kind == job.RateLimited {
		evs = append(evs, eventbus.Event{Type: EventRunRateLimited, Time: now, Data: runEvent(t, j, o)})
	}

	rs := t.runs[j.RunID()]
	if rs == nil || rs.claim.Token != res.token {
		return evs
	}
	rs.inFlight--
	rs.outstanding--
	if errors.Is(o.Err, storage.ErrClaimLost) && !rs.lost {
		rs.lost = true
		r.lost.Add(1)
		r.log.Debug("claim lost", logx.String("run", j.RunID()), logx.String("job", j.Name()))
	}

	b := budgets{retryMax: *r.cfg.RetryMax, transientMax: r.cfg.TransientRetryMax, internalMax: internalRetryMax}
	switch v := decide(j, o, b, rs.lost, r.stopping); v {
	case verdictDone:
		r.advanceLocked(t, rs, j, o)

	case verdictRetry:
		delay := backoffDelayWithHint(policyFrom(r.cfg), chargedRetries(j, o.Kind), o.Err, r.rng)
		rs.outstanding++
		t.Enqueue(j.Retry(o.Kind, now.Add(delay)))
		r.retried.Add(1)
		ev := runEvent(t, j, o)
		ev.Delay = delay
		evs = append(evs, eventbus.Event{Type: EventRunRetry, Time: now, Data: ev})
		r.log.Debug("job retry scheduled",
			logx.String("job", j.Name()),
			logx.String("outcome", o.Kind.String()),
			logx.Duration("delay", delay),
			logx.Err(o.Err),
		)

	case verdictFail:
		if rs.failure == "" {
			rs.failure = failureReason(j, o)
		}
		if rs.outstanding == 0 {
			r.finalizeLocked(t, rs)
		}

	case verdictDrop:
		r.dropRunLocked(t, rs)

	case verdictRelease:
		// Released with every other held claim once the loop drains.
	}
	return evs
}

// advanceLocked records a persisted step and queues the run's next jobs.
func (r *Runner) advanceLocked(t *RunningExperiment, rs *runState, j *job.Job, o job.Outcome) {
	switch j.Type {
	case job.TypeTask:
		rs.claim.Output = o.Output
		if rs.claim.Output == nil {
			rs.claim.Output = &experiment.TaskOutput{}
		}
		for _, next := range job.FromClaim(t.exp, rs.claim) {
			rs.outstanding++
			t.Enqueue(next)
		}
	case job.TypeEval:
		rs.claim.Evaluated = append(rs.claim.Evaluated, j.Evaluator)
	}
	if rs.outstanding == 0 {
		r.finalizeLocked(t, rs)
	}
}

// dropRunLocked forgets a run whose claim is gone. Jobs still in flight report
// back to a run marked lost and are discarded.
func (r *Runner) dropRunLocked(t *RunningExperiment, rs *runState) {
	rs.lost = true
	rs.cancel()
	rs.outstanding -= t.queue.removeRun(rs.claim.RunID)
	if rs.inFlight == 0 {
		delete(t.runs, rs.claim.RunID)
	}
}

// finalizeLocked stops tracking the run and writes its terminal status in the
// background.
func (r *Runner) finalizeLocked(t *RunningExperiment, rs *runState) {
	delete(t.runs, rs.claim.RunID)
	rs.cancel()
	r.fin.Add(1)
	go r.finalize(t.ID(), t.exp.ResourceKey, rs.claim, rs.failure)
}

func (r *Runner) finalize(expID, resourceKey string, claim experiment.RunClaim, failure string) {
	defer r.fin.Done()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	if failure == "" {
		err = r.store.MarkRunComplete(ctx, claim)
	} else {
		err = r.store.MarkRunFailed(ctx, claim, failure)
	}
	ev := RunEvent{
		ExperimentID: expID,
		RunID:        claim.RunID,
		ResourceKey:  resourceKey,
		Attempts:     claim.Attempts,
		Error:        failure,
	}
	switch {
	case errors.Is(err, storage.ErrClaimLost):
		r.lost.Add(1)
		r.log.Debug("claim lost before finalize", logx.String("run", claim.RunID))
	case err != nil:
		// The run stays claimed; the stale sweep hands it back.
		r.storeWarn.Do(func() {
			r.log.Warn("finalize run failed", logx.String("run", claim.RunID), logx.Err(err))
		})
	case failure == "":
		r.completed.Add(1)
		ev.Outcome = "completed"
		r.publish([]eventbus.Event{{Type: EventRunCompleted, Time: time.Now(), Data: ev}})
	default:
		r.failed.Add(1)
		ev.Outcome = "failed"
		r.log.Info("run failed", logx.String("run", claim.RunID), logx.String("reason", failure))
		r.publish([]eventbus.Event{{Type: EventRunFailed, Time: time.Now(), Data: ev}})
	}
	r.afterFinalize(ctx, expID)
}

// afterFinalize tops up an experiment's claims, or retires it once the store
// reports no open runs left.
func (r *Runner) afterFinalize(ctx context.Context, expID string) {
	r.mu.Lock()
	t := r.tenants[expID]
	if t == nil || !r.running || r.stopping {
		r.mu.Unlock()
		return
	}
	idle := t.idle()
	low := len(t.runs) <= r.cfg.Prefetch/2
	r.mu.Unlock()

	if !idle {
		if low {
			r.kick(expID)
		}
		return
	}
	if r.reapIfFinished(ctx, expID) {
		return
	}
	r.kick(expID)
}

// reapIfFinished removes an idle experiment that has no open runs left in the
// store and reports whether it did.
func (r *Runner) reapIfFinished(ctx context.Context, expID string) bool {
	open, err := r.store.CountOpenRuns(ctx, expID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.storeWarn.Do(func() { r.log.Warn("count open runs failed", logx.String("experiment", expID), logx.Err(err)) })
			return false
		}
		open = 0
	}
	if open > 0 {
		return false
	}

	r.mu.Lock()
	t := r.tenants[expID]
	removed := t != nil && t.idle()
	if removed {
		r.removeTenantLocked(expID)
	}
	r.mu.Unlock()
	if !removed {
		return false
	}
	r.log.Info("experiment finished", logx.String("experiment", expID))
	r.publish([]eventbus.Event{{Type: EventExperimentFinished, Time: time.Now(), Data: ExperimentEvent{ExperimentID: expID}}})
	return true
}

func (r *Runner) removeTenantLocked(id string) {
	delete(r.tenants, id)
	for i, v := range r.order {
		if v != id {
			continue
		}
		r.order = append(r.order[:i], r.order[i+1:]...)
		if r.next > i {
			r.next--
		}
		break
	}
	if r.next >= len(r.order) {
		r.next = 0
	}
}

// dropAllLocked forgets every experiment and returns the claims still held.
func (r *Runner) dropAllLocked() []experiment.RunClaim {
	var held []experiment.RunClaim
	for _, t := range r.tenants {
		held = append(held, t.claims()...)
		for id := range t.runs {
			t.untrack(id)
		}
	}
	r.tenants = map[string]*RunningExperiment{}
	r.order = nil
	r.next = 0
	return held
}

// Sweep renews the leases of held claims, drops runs whose claim was lost and
// hands stale claims of any worker back to PENDING.
func (r *Runner) Sweep(ctx context.Context) error {
	r.mu.Lock()
	timeout := r.cfg.StaleClaimTimeout
	var held []experiment.RunClaim
	for _, t := range r.tenants {
		held = append(held, t.claims()...)
	}
	r.mu.Unlock()

	lost := 0
	if len(held) > 0 {
		ids, err := r.store.RenewClaims(ctx, held)
		if err != nil {
			return fmt.Errorf("renew claims: %w", err)
		}
		if len(ids) > 0 {
			r.mu.Lock()
			lost = r.markLostLocked(ids)
			r.mu.Unlock()
		}
	}

	reclaimed, err := r.store.ReclaimStaleClaims(ctx, timeout)
	if err != nil {
		return fmt.Errorf("reclaim stale claims: %w", err)
	}
	if reclaimed > 0 {
		r.reclaimed.Add(uint64(reclaimed))
	}
	if lost > 0 {
		r.lost.Add(uint64(lost))
	}
	if reclaimed > 0 || lost > 0 {
		r.log.Info("claim sweep", logx.Int("reclaimed", reclaimed), logx.Int("lost", lost))
		r.publish([]eventbus.Event{{Type: EventClaimsReclaimed, Time: time.Now(), Data: SweepEvent{Reclaimed: reclaimed, Lost: lost}}})
		r.wakeup()
	}

	r.mu.Lock()
	var idle []string
	for id, t := range r.tenants {
		if t.idle() {
			idle = append(idle, id)
		}
	}
	stopping := r.stopping
	r.mu.Unlock()
	if !stopping {
		for _, id := range idle {
			r.reapIfFinished(ctx, id)
		}
	}
	return nil
}

// markLostLocked drops the given runs and returns how many were still tracked.
func (r *Runner) markLostLocked(runIDs []string) int {
	n := 0
	for _, id := range runIDs {
		for _, t := range r.tenants {
			rs, ok := t.runs[id]
			if !ok || rs.lost {
				continue
			}
			r.dropRunLocked(t, rs)
			n++
			break
		}
	}
	return n
}

func runEvent(t *RunningExperiment, j *job.Job, o job.Outcome) RunEvent {
	ev := RunEvent{
		ExperimentID: t.ID(),
		RunID:        j.RunID(),
		Job:          j.Name(),
		JobType:      j.Type.String(),
		ResourceKey:  j.ResourceKey,
		Outcome:      o.Kind.String(),
		Latency:      o.Latency,
		Attempts:     j.Retries + j.Transient + j.InternalRetries + 1,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

func failureReason(j *job.Job, o job.Outcome) string {
	msg := "unknown error"
	if o.Err != nil {
		msg = o.Err.Error()
	}
	if j.Type == job.TypeEval {
		return fmt.Sprintf("evaluator %s: %s", j.Evaluator, msg)
	}
	return msg
}
