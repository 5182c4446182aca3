package experiment

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidEvaluation marks evaluator results that do not fit their annotation config.
var ErrInvalidEvaluation = errors.New("invalid evaluation result")

type AnnotationType string

const (
	AnnotationContinuous  AnnotationType = "continuous"
	AnnotationCategorical AnnotationType = "categorical"
	AnnotationFreeform    AnnotationType = "freeform"
)

type CategoricalValue struct {
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

// AnnotationConfig bounds the results an evaluator may produce.
type AnnotationConfig struct {
	Type         AnnotationType     `json:"type"`
	Optimization string             `json:"optimization,omitempty"` // maximize|minimize|none
	LowerBound   *float64           `json:"lower_bound,omitempty"`
	UpperBound   *float64           `json:"upper_bound,omitempty"`
	Values       []CategoricalValue `json:"values,omitempty"`
}

func (a *AnnotationConfig) Validate() error {
	switch a.Type {
	case AnnotationContinuous:
		if a.LowerBound != nil && a.UpperBound != nil && *a.LowerBound > *a.UpperBound {
			return fmt.Errorf("annotation: lower_bound > upper_bound")
		}
	case AnnotationCategorical:
		if len(a.Values) == 0 {
			return fmt.Errorf("annotation: categorical config needs values")
		}
		seen := map[string]struct{}{}
		for _, v := range a.Values {
			l := strings.TrimSpace(v.Label)
			if l == "" {
				return fmt.Errorf("annotation: empty categorical label")
			}
			if _, dup := seen[l]; dup {
				return fmt.Errorf("annotation: duplicate label %q", l)
			}
			seen[l] = struct{}{}
		}
	case AnnotationFreeform, "":
	default:
		return fmt.Errorf("annotation: unknown type %q", a.Type)
	}
	switch a.Optimization {
	case "", "maximize", "minimize", "none":
	default:
		return fmt.Errorf("annotation: unknown optimization %q", a.Optimization)
	}
	return nil
}

// Merge reconciles an evaluator result with the annotation bounds.
//
// Continuous scores are clamped into [lower, upper]. Categorical results get their
// score filled in from the label (or the label from the score). A nil config
// returns the result unchanged.
func (a *AnnotationConfig) Merge(r EvaluationResult) (EvaluationResult, error) {
	if a == nil {
		return r, nil
	}
	switch a.Type {
	case AnnotationContinuous:
		if r.Score == nil {
			return r, fmt.Errorf("%w: continuous evaluator %q returned no score", ErrInvalidEvaluation, r.Evaluator)
		}
		s := *r.Score
		if math.IsNaN(s) {
			return r, fmt.Errorf("%w: evaluator %q returned NaN", ErrInvalidEvaluation, r.Evaluator)
		}
		if a.LowerBound != nil && s < *a.LowerBound {
			s = *a.LowerBound
		}
		if a.UpperBound != nil && s > *a.UpperBound {
			s = *a.UpperBound
		}
		r.Score = &s
		return r, nil

	case AnnotationCategorical:
		if r.Label != "" {
			for _, v := range a.Values {
				if v.Label == r.Label {
					if r.Score == nil && v.Score != nil {
						s := *v.Score
						r.Score = &s
					}
					return r, nil
				}
			}
			return r, fmt.Errorf("%w: evaluator %q returned unknown label %q", ErrInvalidEvaluation, r.Evaluator, r.Label)
		}
		if r.Score != nil {
			for _, v := range a.Values {
				if v.Score != nil && *v.Score == *r.Score {
					r.Label = v.Label
					return r, nil
				}
			}
		}
		return r, fmt.Errorf("%w: categorical evaluator %q returned no known label", ErrInvalidEvaluation, r.Evaluator)

	default:
		return r, nil
	}
}
