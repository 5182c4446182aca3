// Package builtin registers the collaborators every daemon ships with: the
// echo task and the exact_match and contains evaluators. They are enough to
// smoke-test a deployment end to end without a model provider.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"

	"experimentd/internal/experiment"
	"experimentd/internal/job"
)

const (
	TaskEcho            = "echo"
	EvaluatorExactMatch = "exact_match"
	EvaluatorContains   = "contains"
)

var errNoExpected = errors.New("example has no expected value")

// Register adds the built-ins to cat.
func Register(cat *job.Catalog) error {
	return errors.Join(
		cat.RegisterTask(TaskEcho, Echo),
		cat.RegisterEvaluator(EvaluatorExactMatch, job.EvaluatorFunc(ExactMatch)),
		cat.RegisterEvaluator(EvaluatorContains, job.EvaluatorFunc(Contains)),
	)
}

// Echo returns the example input. When the experiment extracts chat messages
// the output is {"input": ..., "messages": [...]}.
func Echo(ctx context.Context, in job.TaskInput) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := in.Example.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if len(in.Messages) == 0 {
		return input, nil
	}
	b, err := json.Marshal(struct {
		Input    json.RawMessage      `json:"input"`
		Messages []experiment.Message `json:"messages"`
	}{input, in.Messages})
	if err != nil {
		return nil, job.NoRetry(err)
	}
	return b, nil
}

// ExactMatch scores 1 when output and expected are the same JSON value
// (formatting and key order are ignored), else 0.
func ExactMatch(ctx context.Context, in job.EvaluationInput) (experiment.EvaluationResult, error) {
	if len(in.Expected) == 0 {
		return experiment.EvaluationResult{}, &job.EvaluationError{Evaluator: EvaluatorExactMatch, Err: errNoExpected}
	}
	out, err := value(in.Output)
	if err != nil {
		return experiment.EvaluationResult{}, &job.EvaluationError{Evaluator: EvaluatorExactMatch, Err: fmt.Errorf("output: %w", err)}
	}
	exp, err := value(in.Expected)
	if err != nil {
		return experiment.EvaluationResult{}, &job.EvaluationError{Evaluator: EvaluatorExactMatch, Err: fmt.Errorf("expected: %w", err)}
	}
	return binary(reflect.DeepEqual(out, exp), "match", "mismatch"), nil
}

// Contains scores 1 when the output text contains the expected text, ignoring
// case. JSON strings are compared by value, anything else by its raw JSON.
func Contains(ctx context.Context, in job.EvaluationInput) (experiment.EvaluationResult, error) {
	if len(in.Expected) == 0 {
		return experiment.EvaluationResult{}, &job.EvaluationError{Evaluator: EvaluatorContains, Err: errNoExpected}
	}
	needle := strings.ToLower(text(in.Expected))
	hay := strings.ToLower(text(in.Output))
	res := binary(strings.Contains(hay, needle), "contains", "missing")
	if res.Label == "missing" {
		res.Explanation = fmt.Sprintf("%q not found in output", text(in.Expected))
	}
	return res, nil
}

func value(raw json.RawMessage) (any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("not valid JSON")
	}
	return gjson.ParseBytes(raw).Value(), nil
}

func text(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	return strings.TrimSpace(string(raw))
}

func binary(ok bool, yes, no string) experiment.EvaluationResult {
	score := 0.0
	label := no
	if ok {
		score = 1
		label = yes
	}
	return experiment.EvaluationResult{Score: &score, Label: label}
}
