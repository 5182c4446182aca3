package experiment

import (
	"encoding/json"
	"errors"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := Experiment{
		Task:     "echo",
		Examples: []Example{{ID: "a", Input: json.RawMessage(`{"q":1}`)}},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid experiment rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(e *Experiment)
	}{
		{"no task", func(e *Experiment) { e.Task = " " }},
		{"no examples", func(e *Experiment) { e.Examples = nil }},
		{"dup example", func(e *Experiment) { e.Examples = append(e.Examples, Example{ID: "a"}) }},
		{"bad input", func(e *Experiment) { e.Examples[0].Input = json.RawMessage(`{`) }},
		{"dup evaluator", func(e *Experiment) {
			e.Evaluators = []EvaluatorConfig{{Name: "x"}, {Name: "x"}}
		}},
		{"bad annotation", func(e *Experiment) {
			e.Evaluators = []EvaluatorConfig{{Name: "x", Annotation: &AnnotationConfig{Type: "weird"}}}
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := ok
			e.Examples = append([]Example(nil), ok.Examples...)
			tc.mut(&e)
			if err := e.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRunCount(t *testing.T) {
	t.Parallel()

	e := Experiment{Examples: make([]Example, 3)}
	if got := e.RunCount(); got != 3 {
		t.Fatalf("runs=%d want 3 (zero repetitions means one)", got)
	}
	e.Repetitions = 4
	if got := e.RunCount(); got != 12 {
		t.Fatalf("runs=%d want 12", got)
	}
	if id := (RunKey{ExperimentID: "e", ExampleID: "x", Repetition: 2}).RunID(); id != "e/x/2" {
		t.Fatalf("run id=%q", id)
	}
}

func TestMergeContinuousClamps(t *testing.T) {
	t.Parallel()

	cfg := &AnnotationConfig{Type: AnnotationContinuous, LowerBound: f64(0), UpperBound: f64(1)}
	for _, tc := range []struct{ in, want float64 }{{-3, 0}, {0.4, 0.4}, {7, 1}} {
		got, err := cfg.Merge(EvaluationResult{Evaluator: "e", Score: f64(tc.in)})
		if err != nil {
			t.Fatalf("merge(%v): %v", tc.in, err)
		}
		if *got.Score != tc.want {
			t.Fatalf("merge(%v)=%v want %v", tc.in, *got.Score, tc.want)
		}
	}

	if _, err := cfg.Merge(EvaluationResult{Evaluator: "e"}); !errors.Is(err, ErrInvalidEvaluation) {
		t.Fatalf("missing score err=%v", err)
	}
}

func TestMergeCategorical(t *testing.T) {
	t.Parallel()

	cfg := &AnnotationConfig{Type: AnnotationCategorical, Values: []CategoricalValue{
		{Label: "correct", Score: f64(1)},
		{Label: "incorrect", Score: f64(0)},
	}}

	got, err := cfg.Merge(EvaluationResult{Evaluator: "e", Label: "correct"})
	if err != nil || got.Score == nil || *got.Score != 1 {
		t.Fatalf("label->score: %+v err=%v", got, err)
	}

	got, err = cfg.Merge(EvaluationResult{Evaluator: "e", Score: f64(0)})
	if err != nil || got.Label != "incorrect" {
		t.Fatalf("score->label: %+v err=%v", got, err)
	}

	if _, err := cfg.Merge(EvaluationResult{Evaluator: "e", Label: "maybe"}); !errors.Is(err, ErrInvalidEvaluation) {
		t.Fatalf("unknown label err=%v", err)
	}

	var none *AnnotationConfig
	if got, err := none.Merge(EvaluationResult{Label: "anything"}); err != nil || got.Label != "anything" {
		t.Fatalf("nil config should pass through: %+v %v", got, err)
	}
}

func TestExtractMessages(t *testing.T) {
	t.Parallel()

	input := json.RawMessage(`{"chat":{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":{"text":"yo"}}]},"one":{"role":"system","content":"be nice"},"n":3}`)

	msgs, err := ExtractMessages(input, "chat.messages")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[0].Content != "hi" || msgs[1].Content != `{"text":"yo"}` {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	msgs, err = ExtractMessages(input, "one")
	if err != nil || len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("single object: %+v err=%v", msgs, err)
	}

	if msgs, err := ExtractMessages(input, "missing.path"); err != nil || msgs != nil {
		t.Fatalf("missing path: %+v err=%v", msgs, err)
	}
	if _, err := ExtractMessages(input, "n"); err == nil {
		t.Fatalf("number at path should fail")
	}
	if _, err := ExtractMessages(json.RawMessage(`{`), "a"); err == nil {
		t.Fatalf("invalid json should fail")
	}
}
