package runner

import (
	"experimentd/internal/job"
)

// verdict is what the runner does with a job after one execution.
type verdict int

const (
	// verdictDone: the job's step is persisted; advance the run.
	verdictDone verdict = iota
	// verdictRetry: requeue a fresh job after a backoff.
	verdictRetry
	// verdictFail: the run fails with the job's error.
	verdictFail
	// verdictDrop: the claim is gone; forget the run without writing.
	verdictDrop
	// verdictRelease: shutdown interrupted the run; hand the claim back.
	verdictRelease
)

func (v verdict) String() string {
	switch v {
	case verdictDone:
		return "done"
	case verdictRetry:
		return "retry"
	case verdictFail:
		return "fail"
	case verdictDrop:
		return "drop"
	case verdictRelease:
		return "release"
	default:
		return "unknown"
	}
}

type budgets struct {
	retryMax     int
	transientMax int
	internalMax  int
}

// decide maps an outcome onto a verdict. lost reports that the run's claim was
// found lost by the sweep; stopping that the runner is draining.
func decide(j *job.Job, o job.Outcome, b budgets, lost, stopping bool) verdict {
	if lost {
		return verdictDrop
	}
	var v verdict
	switch o.Kind {
	case job.Success:
		return verdictDone
	case job.RateLimited, job.TimedOut:
		v = underBudget(j.Transient, b.transientMax)
	case job.Failed:
		v = underBudget(j.Retries, b.retryMax)
	case job.Permanent:
		return verdictFail
	case job.Internal:
		v = underBudget(j.InternalRetries, b.internalMax)
	case job.Canceled:
		if stopping {
			return verdictRelease
		}
		// Canceled without shutdown or claim loss: the collaborator gave up on
		// its own, which counts as a plain error.
		v = underBudget(j.Retries, b.retryMax)
	default:
		v = verdictFail
	}
	if v == verdictRetry && stopping {
		return verdictRelease
	}
	return v
}

func underBudget(used, max int) verdict {
	if used < max {
		return verdictRetry
	}
	return verdictFail
}

// chargedRetries is the retry number used for backoff after kind.
func chargedRetries(j *job.Job, kind job.Kind) int {
	switch kind {
	case job.RateLimited, job.TimedOut:
		return j.Transient + 1
	case job.Internal:
		return j.InternalRetries + 1
	default:
		return j.Retries + 1
	}
}
