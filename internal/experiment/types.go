package experiment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Experiment is immutable after creation.
type Experiment struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Task        string            `json:"task"`
	Evaluators  []EvaluatorConfig `json:"evaluators,omitempty"`
	Repetitions int               `json:"repetitions"`
	// MessagePath is an optional dot path into the example input whose value
	// (a list of chat messages) is appended to the task input.
	MessagePath string `json:"message_path,omitempty"`
	// ResourceKey selects the rate-limit bucket, e.g. "openai:gpt-4o".
	ResourceKey string    `json:"resource_key,omitempty"`
	Examples    []Example `json:"examples"`
	CreatedAt   time.Time `json:"created_at"`
}

type Example struct {
	ID       string          `json:"id"`
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type EvaluatorConfig struct {
	Name       string            `json:"name"`
	Annotation *AnnotationConfig `json:"annotation,omitempty"`
}

// Validate checks the shape of a new experiment. Unknown task/evaluator names are
// checked by the caller against its catalog.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.Task) == "" {
		return fmt.Errorf("experiment: task is required")
	}
	if e.Repetitions < 0 {
		return fmt.Errorf("experiment: repetitions must be >= 0")
	}
	if len(e.Examples) == 0 {
		return fmt.Errorf("experiment: at least one example is required")
	}
	seen := make(map[string]struct{}, len(e.Examples))
	for i, ex := range e.Examples {
		if strings.TrimSpace(ex.ID) == "" {
			return fmt.Errorf("experiment: examples[%d].id is required", i)
		}
		if _, dup := seen[ex.ID]; dup {
			return fmt.Errorf("experiment: duplicate example id %q", ex.ID)
		}
		seen[ex.ID] = struct{}{}
		if len(ex.Input) > 0 && !json.Valid(ex.Input) {
			return fmt.Errorf("experiment: examples[%d].input is not valid JSON", i)
		}
	}
	names := make(map[string]struct{}, len(e.Evaluators))
	for i, ev := range e.Evaluators {
		if strings.TrimSpace(ev.Name) == "" {
			return fmt.Errorf("experiment: evaluators[%d].name is required", i)
		}
		if _, dup := names[ev.Name]; dup {
			return fmt.Errorf("experiment: duplicate evaluator %q", ev.Name)
		}
		names[ev.Name] = struct{}{}
		if ev.Annotation != nil {
			if err := ev.Annotation.Validate(); err != nil {
				return fmt.Errorf("experiment: evaluators[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// RunCount is the number of runs the experiment expands to.
func (e *Experiment) RunCount() int {
	return len(e.Examples) * e.Reps()
}

// Reps returns the repetition count, treating 0 as 1.
func (e *Experiment) Reps() int {
	if e.Repetitions <= 0 {
		return 1
	}
	return e.Repetitions
}

func (e *Experiment) Evaluator(name string) (EvaluatorConfig, bool) {
	for _, ev := range e.Evaluators {
		if ev.Name == name {
			return ev, true
		}
	}
	return EvaluatorConfig{}, false
}

// RunStatus is the lifecycle state of one (experiment, example, repetition) run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunClaimed   RunStatus = "CLAIMED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

func (s RunStatus) Terminal() bool { return s == RunCompleted || s == RunFailed }

// Open reports whether the run still needs work.
func (s RunStatus) Open() bool { return s == RunPending || s == RunClaimed || s == RunRunning }

// RunKey uniquely identifies a run.
type RunKey struct {
	ExperimentID string `json:"experiment_id"`
	ExampleID    string `json:"example_id"`
	Repetition   int    `json:"repetition"`
}

// RunID derives the persistent run id from its key.
func (k RunKey) RunID() string {
	return fmt.Sprintf("%s/%s/%d", k.ExperimentID, k.ExampleID, k.Repetition)
}

type TaskOutput struct {
	Output  json.RawMessage `json:"output"`
	Latency time.Duration   `json:"latency"`
}

type EvaluationResult struct {
	Evaluator   string          `json:"evaluator"`
	Score       *float64        `json:"score,omitempty"`
	Label       string          `json:"label,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Run is the persisted view of one run (admin/listing).
type Run struct {
	ID          string             `json:"id"`
	Key         RunKey             `json:"key"`
	Status      RunStatus          `json:"status"`
	WorkerID    string             `json:"worker_id,omitempty"`
	ClaimedAt   time.Time          `json:"claimed_at,omitempty"`
	Attempts    int                `json:"attempts"`
	Output      *TaskOutput        `json:"output,omitempty"`
	Evaluations []EvaluationResult `json:"evaluations,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// RunClaim is the lease handle handed to a worker. Writes made on behalf of the
// claim must carry Token; the store rejects them once the claim was reclaimed.
type RunClaim struct {
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Example      Example   `json:"example"`
	Repetition   int       `json:"repetition"`
	WorkerID     string    `json:"worker_id"`
	Token        string    `json:"token"`
	ClaimedAt    time.Time `json:"claimed_at"`
	Attempts     int       `json:"attempts"`

	// Output is set when the task already ran in an earlier attempt.
	Output *TaskOutput `json:"output,omitempty"`
	// Evaluated lists evaluators whose results are already persisted.
	Evaluated []string `json:"evaluated,omitempty"`
}

func (c RunClaim) Key() RunKey {
	return RunKey{ExperimentID: c.ExperimentID, ExampleID: c.Example.ID, Repetition: c.Repetition}
}

func (c RunClaim) HasEvaluation(name string) bool {
	for _, n := range c.Evaluated {
		if n == name {
			return true
		}
	}
	return false
}
