package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

// Type tags the job variant.
type Type int

const (
	TypeTask Type = iota
	TypeEval
)

func (t Type) String() string {
	if t == TypeEval {
		return "eval"
	}
	return "task"
}

// Job is one unit of dispatchable work for a claimed run.
//
// Jobs carry no callbacks: everything needed to run (or rerun after a crash) is
// derived from the claim, so a fresh Job can always be rebuilt from persisted data.
type Job struct {
	Type        Type
	Claim       experiment.RunClaim
	Evaluator   string
	ResourceKey string

	// Retries counts generic error retries; Transient counts rate-limit and
	// timeout retries; InternalRetries counts requeues after glue failures.
	Retries         int
	Transient       int
	InternalRetries int

	NotBefore time.Time
}

func NewTaskJob(claim experiment.RunClaim, resourceKey string) *Job {
	return &Job{Type: TypeTask, Claim: claim, ResourceKey: resourceKey}
}

func NewEvalJob(claim experiment.RunClaim, evaluator, resourceKey string) *Job {
	return &Job{Type: TypeEval, Claim: claim, Evaluator: evaluator, ResourceKey: resourceKey}
}

// FromClaim rebuilds the outstanding jobs of a claimed run. A run without saved
// output needs its task job; otherwise one eval job per evaluator that has not
// recorded a result yet. An empty result means the run only needs finalizing.
func FromClaim(exp *experiment.Experiment, claim experiment.RunClaim) []*Job {
	if claim.Output == nil {
		return []*Job{NewTaskJob(claim, exp.ResourceKey)}
	}
	var out []*Job
	for _, ev := range exp.Evaluators {
		if claim.HasEvaluation(ev.Name) {
			continue
		}
		out = append(out, NewEvalJob(claim, ev.Name, exp.ResourceKey))
	}
	return out
}

// Retry returns a fresh job instance for the same work, eligible at notBefore,
// with the budget for kind charged.
func (j *Job) Retry(kind Kind, notBefore time.Time) *Job {
	n := *j
	n.NotBefore = notBefore
	switch kind {
	case RateLimited, TimedOut:
		n.Transient++
	case Internal:
		n.InternalRetries++
	default:
		n.Retries++
	}
	return &n
}

func (j *Job) RunID() string { return j.Claim.RunID }

func (j *Job) Name() string {
	if j.Type == TypeEval {
		return j.Claim.RunID + "#" + j.Evaluator
	}
	return j.Claim.RunID
}

// Persister is the slice of the store a job writes through.
type Persister interface {
	MarkRunning(ctx context.Context, claim experiment.RunClaim) error
	SaveTaskOutput(ctx context.Context, claim experiment.RunClaim, out experiment.TaskOutput) error
	SaveEvaluation(ctx context.Context, claim experiment.RunClaim, res experiment.EvaluationResult) error
}

// Env holds the collaborators a job executes against.
type Env struct {
	Experiment *experiment.Experiment
	Catalog    *Catalog
	Store      Persister
	// Timeout bounds a single collaborator call. Zero disables it.
	Timeout time.Duration
	Log     logx.Logger
}

// Execute runs the job once and classifies the result. It never panics and
// never returns an error: every failure is folded into the Outcome.
func (j *Job) Execute(ctx context.Context, env Env) Outcome {
	start := time.Now()
	var o Outcome
	var err error
	switch j.Type {
	case TypeTask:
		o.Output, err = j.runTask(ctx, env)
	case TypeEval:
		o.Evaluation, err = j.runEval(ctx, env)
	default:
		err = &InternalError{Op: "execute", Err: fmt.Errorf("unknown job type %d", j.Type)}
	}
	o.Latency = time.Since(start)
	o.Err = err
	o.Kind = Classify(ctx, err)
	return o
}

func (j *Job) runTask(ctx context.Context, env Env) (*experiment.TaskOutput, error) {
	fn, ok := env.Catalog.Task(env.Experiment.Task)
	if !ok {
		return nil, &TaskError{Err: fmt.Errorf("%w: %q", ErrUnknownTask, env.Experiment.Task)}
	}
	if err := env.Store.MarkRunning(ctx, j.Claim); err != nil {
		return nil, persistErr("mark running", err)
	}

	msgs, err := experiment.ExtractMessages(j.Claim.Example.Input, env.Experiment.MessagePath)
	if err != nil {
		return nil, &TaskError{Err: err}
	}
	in := TaskInput{
		ExperimentID: j.Claim.ExperimentID,
		RunID:        j.Claim.RunID,
		Repetition:   j.Claim.Repetition,
		Example:      j.Claim.Example,
		Messages:     msgs,
	}

	start := time.Now()
	var raw []byte
	err = callGuarded(ctx, env, j.Name(), func(c context.Context) error {
		var cerr error
		raw, cerr = fn(c, in)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	out := experiment.TaskOutput{Output: raw, Latency: time.Since(start)}
	if err := env.Store.SaveTaskOutput(ctx, j.Claim, out); err != nil {
		return nil, persistErr("save task output", err)
	}
	return &out, nil
}

func (j *Job) runEval(ctx context.Context, env Env) (*experiment.EvaluationResult, error) {
	if j.Claim.Output == nil {
		return nil, &InternalError{Op: "evaluate", Err: ErrMissingOutput}
	}
	ev, ok := env.Catalog.Evaluator(j.Evaluator)
	if !ok {
		return nil, &EvaluationError{Evaluator: j.Evaluator, Err: ErrUnknownEvaluator}
	}
	cfg, _ := env.Experiment.Evaluator(j.Evaluator)

	in := EvaluationInput{
		Input:    j.Claim.Example.Input,
		Output:   j.Claim.Output.Output,
		Expected: j.Claim.Example.Expected,
		Metadata: j.Claim.Example.Metadata,
	}

	var res experiment.EvaluationResult
	err := callGuarded(ctx, env, j.Name(), func(c context.Context) error {
		var cerr error
		res, cerr = ev.Evaluate(c, in)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	res.Evaluator = j.Evaluator
	merged, err := cfg.Annotation.Merge(res)
	if err != nil {
		return nil, &EvaluationError{Evaluator: j.Evaluator, Err: err}
	}
	if err := env.Store.SaveEvaluation(ctx, j.Claim, merged); err != nil {
		return nil, persistErr("save evaluation", err)
	}
	return &merged, nil
}

// callGuarded applies the per-call timeout and converts panics into errors.
func callGuarded(ctx context.Context, env Env, name string, fn func(context.Context) error) (err error) {
	callCtx := ctx
	if env.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, env.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			env.Log.Error("job.panic", logx.String("job", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()

	err = fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var to *TimeoutError
		if !errors.As(err, &to) {
			err = Timeout(err)
		}
	}
	return err
}

// persistErr wraps store failures; a lost claim stays recognizable through Unwrap.
func persistErr(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}
