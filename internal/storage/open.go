package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

// Open initializes the configured store.
// An empty driver selects the memory backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch driver {
	case "", "memory":
		return newMemStore(cfg, log), nil
	case "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// prepareExperiment fills ids/timestamps and validates a new experiment.
func prepareExperiment(exp *experiment.Experiment, now time.Time) error {
	if exp == nil {
		return errors.New("experiment is nil")
	}
	if err := exp.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(exp.ID) == "" {
		exp.ID = uuid.NewString()
	}
	if strings.ContainsAny(exp.ID, "/#:") {
		return errors.New("experiment id must not contain '/', '#' or ':'")
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	if exp.Repetitions <= 0 {
		exp.Repetitions = 1
	}
	return nil
}

// expandRuns lists the run keys of an experiment in dispatch order.
func expandRuns(exp *experiment.Experiment) []experiment.RunKey {
	keys := make([]experiment.RunKey, 0, exp.RunCount())
	for rep := 1; rep <= exp.Reps(); rep++ {
		for _, ex := range exp.Examples {
			keys = append(keys, experiment.RunKey{ExperimentID: exp.ID, ExampleID: ex.ID, Repetition: rep})
		}
	}
	return keys
}

func exampleIndex(exp *experiment.Experiment) map[string]experiment.Example {
	m := make(map[string]experiment.Example, len(exp.Examples))
	for _, ex := range exp.Examples {
		m[ex.ID] = ex
	}
	return m
}

func newToken() string { return uuid.NewString() }

func cloneExperiment(e *experiment.Experiment) *experiment.Experiment {
	cp := *e
	cp.Examples = append([]experiment.Example(nil), e.Examples...)
	cp.Evaluators = append([]experiment.EvaluatorConfig(nil), e.Evaluators...)
	return &cp
}
