package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"experimentd/internal/experiment"
)

// TaskInput is what a task callable receives for one run.
type TaskInput struct {
	ExperimentID string
	RunID        string
	Repetition   int
	Example      experiment.Example
	// Messages are extracted from the example input when the experiment has a message path.
	Messages []experiment.Message
}

type TaskFunc func(ctx context.Context, in TaskInput) (json.RawMessage, error)

type EvaluationInput struct {
	Input    json.RawMessage
	Output   json.RawMessage
	Expected json.RawMessage
	Metadata json.RawMessage
}

type Evaluator interface {
	Evaluate(ctx context.Context, in EvaluationInput) (experiment.EvaluationResult, error)
}

type EvaluatorFunc func(ctx context.Context, in EvaluationInput) (experiment.EvaluationResult, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, in EvaluationInput) (experiment.EvaluationResult, error) {
	return f(ctx, in)
}

// Catalog resolves task and evaluator names to callables.
type Catalog struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
	evals map[string]Evaluator
}

func NewCatalog() *Catalog {
	return &Catalog{tasks: map[string]TaskFunc{}, evals: map[string]Evaluator{}}
}

func (c *Catalog) RegisterTask(name string, fn TaskFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("catalog: task name and func are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tasks[name]; dup {
		return fmt.Errorf("catalog: task %q already registered", name)
	}
	c.tasks[name] = fn
	return nil
}

func (c *Catalog) RegisterEvaluator(name string, ev Evaluator) error {
	name = strings.TrimSpace(name)
	if name == "" || ev == nil {
		return fmt.Errorf("catalog: evaluator name and implementation are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.evals[name]; dup {
		return fmt.Errorf("catalog: evaluator %q already registered", name)
	}
	c.evals[name] = ev
	return nil
}

func (c *Catalog) Task(name string) (TaskFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.tasks[name]
	return fn, ok
}

func (c *Catalog) Evaluator(name string) (Evaluator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.evals[name]
	return ev, ok
}

// Check reports the first task/evaluator name in exp that is not registered.
func (c *Catalog) Check(exp *experiment.Experiment) error {
	if _, ok := c.Task(exp.Task); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, exp.Task)
	}
	for _, ev := range exp.Evaluators {
		if _, ok := c.Evaluator(ev.Name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEvaluator, ev.Name)
		}
	}
	return nil
}

func (c *Catalog) Names() (tasks, evaluators []string) {
	c.mu.RLock()
	for n := range c.tasks {
		tasks = append(tasks, n)
	}
	for n := range c.evals {
		evaluators = append(evaluators, n)
	}
	c.mu.RUnlock()
	sort.Strings(tasks)
	sort.Strings(evaluators)
	return tasks, evaluators
}
