package job

import (
	"context"
	"errors"
	"time"

	"experimentd/internal/admission"
	"experimentd/internal/experiment"
	"experimentd/internal/storage"
)

// Kind is the closed set of job outcomes.
type Kind int

const (
	Success Kind = iota
	RateLimited
	TimedOut
	Failed
	Permanent
	Internal
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case TimedOut:
		return "timeout"
	case Failed:
		return "error"
	case Permanent:
		return "permanent"
	case Internal:
		return "internal"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind    Kind
	Err     error
	Latency time.Duration

	// Output is set by a successful task job.
	Output *experiment.TaskOutput
	// Evaluation is set by a successful eval job.
	Evaluation *experiment.EvaluationResult
}

// Signal maps the outcome onto what the concurrency controller observes.
// Rate limits go to the token bucket instead; internal and canceled outcomes say
// nothing about provider health.
func (o Outcome) Signal() (admission.Signal, bool) {
	switch o.Kind {
	case Success:
		return admission.SignalSuccess, true
	case TimedOut:
		return admission.SignalTimeout, true
	case Failed, Permanent:
		return admission.SignalError, true
	case RateLimited, Internal, Canceled:
		return 0, false
	default:
		return 0, false
	}
}

// Classify maps an execution error onto an outcome kind. ctx is the job's parent
// context: once it is done the job was canceled (claim lost or shutdown),
// whatever the collaborator returned.
func Classify(ctx context.Context, err error) Kind {
	if err == nil {
		return Success
	}
	if ctx != nil && ctx.Err() != nil {
		return Canceled
	}
	if errors.Is(err, storage.ErrClaimLost) || errors.Is(err, context.Canceled) {
		return Canceled
	}

	var (
		rl *RateLimitError
		to *TimeoutError
		te *TaskError
		ee *EvaluationError
		ie *InternalError
	)
	switch {
	case errors.As(err, &rl):
		return RateLimited
	case errors.As(err, &to), errors.Is(err, context.DeadlineExceeded):
		return TimedOut
	case errors.As(err, &te), errors.As(err, &ee), IsNoRetry(err):
		return Permanent
	case errors.As(err, &ie):
		return Internal
	default:
		return Failed
	}
}
