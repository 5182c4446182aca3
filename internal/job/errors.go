package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownTask      = errors.New("unknown task")
	ErrUnknownEvaluator = errors.New("unknown evaluator")
	ErrMissingOutput    = errors.New("evaluation requested before task output was saved")
)

// RateLimitError is returned by collaborators when the provider rejected the call
// for exceeding its rate limit.
type RateLimitError struct {
	Err   error
	After time.Duration
}

// RateLimit wraps err as a provider rate-limit rejection. after is an optional
// retry hint (e.g. a Retry-After header); zero means no hint.
func RateLimit(err error, after time.Duration) error {
	if err == nil {
		err = errors.New("rate limit exceeded")
	}
	if after < 0 {
		after = 0
	}
	return &RateLimitError{Err: err, After: after}
}

func (e *RateLimitError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}
func (e *RateLimitError) Unwrap() error             { return e.Err }
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// TimeoutError marks a collaborator call that ran out of time.
type TimeoutError struct{ Err error }

func Timeout(err error) error {
	if err == nil {
		err = errors.New("timed out")
	}
	return &TimeoutError{Err: err}
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// TaskError is a permanent task failure; the run fails without retry.
type TaskError struct{ Err error }

func (e *TaskError) Error() string { return fmt.Sprintf("task error: %v", e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

// EvaluationError is a permanent evaluator failure; the run fails without retry.
type EvaluationError struct {
	Evaluator string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluator %s: %v", e.Evaluator, e.Err)
}
func (e *EvaluationError) Unwrap() error { return e.Err }

// InternalError is a failure of the scheduler's own glue (persistence, bookkeeping),
// not of the collaborator.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal: %s: %v", e.Op, e.Err) }
func (e *InternalError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Collaborators can wrap validation errors or other permanent failures with NoRetry
// so the runner fails the run instead of retrying.
//
//	return job.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a suggested retry delay to a generic error.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryHint extracts a retry delay from err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}
