package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

// runRecord is the stored form of one run (also the file journal record).
type runRecord struct {
	ID          string                        `json:"id"`
	Key         experiment.RunKey             `json:"key"`
	Seq         int                           `json:"seq"`
	Status      experiment.RunStatus          `json:"status"`
	WorkerID    string                        `json:"worker_id,omitempty"`
	Token       string                        `json:"token,omitempty"`
	ClaimedAt   time.Time                     `json:"claimed_at,omitempty"`
	Attempts    int                           `json:"attempts"`
	Output      *experiment.TaskOutput        `json:"output,omitempty"`
	Evals       []experiment.EvaluationResult `json:"evals,omitempty"`
	Error       string                        `json:"error,omitempty"`
	StartedAt   time.Time                     `json:"started_at,omitempty"`
	CompletedAt time.Time                     `json:"completed_at,omitempty"`
}

func (r *runRecord) view() experiment.Run {
	return experiment.Run{
		ID:          r.ID,
		Key:         r.Key,
		Status:      r.Status,
		WorkerID:    r.WorkerID,
		ClaimedAt:   r.ClaimedAt,
		Attempts:    r.Attempts,
		Output:      r.Output,
		Evaluations: append([]experiment.EvaluationResult(nil), r.Evals...),
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (r *runRecord) evaluated() []string {
	if len(r.Evals) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Evals))
	for _, e := range r.Evals {
		out = append(out, e.Evaluator)
	}
	return out
}

func (r *runRecord) holds(token string) bool {
	return token != "" && r.Token == token &&
		(r.Status == experiment.RunClaimed || r.Status == experiment.RunRunning)
}

func (r *runRecord) clearClaim() {
	r.WorkerID = ""
	r.Token = ""
	r.ClaimedAt = time.Time{}
}

// change is emitted after every mutation; the file backend journals it.
type change struct {
	Op         string                 `json:"op"` // experiment|run|delete
	Experiment *experiment.Experiment `json:"experiment,omitempty"`
	Run        *runRecord             `json:"run,omitempty"`
	ID         string                 `json:"id,omitempty"`
}

type memStore struct {
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	exps  map[string]*experiment.Experiment
	runs  map[string]*runRecord
	byExp map[string][]*runRecord

	// onChange is called with mu held.
	onChange func(c change) error
}

func newMemStore(cfg Config, log logx.Logger) *memStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &memStore{
		log:   log,
		now:   now,
		exps:  map[string]*experiment.Experiment{},
		runs:  map[string]*runRecord{},
		byExp: map[string][]*runRecord{},
	}
}

func (s *memStore) emit(c change) error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(c)
}

func (s *memStore) emitRun(r *runRecord) error {
	if s.onChange == nil {
		return nil
	}
	cp := *r
	cp.Evals = append([]experiment.EvaluationResult(nil), r.Evals...)
	return s.onChange(change{Op: "run", Run: &cp})
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	_ = ctx
	if err := prepareExperiment(exp, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.exps[exp.ID]; dup {
		return fmt.Errorf("experiment %q: %w", exp.ID, ErrExists)
	}
	stored := cloneExperiment(exp)
	if err := s.emit(change{Op: "experiment", Experiment: stored}); err != nil {
		return err
	}
	s.applyExperiment(stored)
	return nil
}

// applyExperiment installs an experiment and its PENDING runs. Caller holds mu.
func (s *memStore) applyExperiment(exp *experiment.Experiment) {
	s.exps[exp.ID] = exp
	keys := expandRuns(exp)
	list := make([]*runRecord, 0, len(keys))
	for i, k := range keys {
		r := &runRecord{ID: k.RunID(), Key: k, Seq: i, Status: experiment.RunPending}
		s.runs[r.ID] = r
		list = append(list, r)
	}
	s.byExp[exp.ID] = list
}

// installRun adds or overwrites a run record during load. Caller holds mu.
func (s *memStore) installRun(r *runRecord) {
	if old, ok := s.runs[r.ID]; ok {
		*old = *r
		return
	}
	s.runs[r.ID] = r
	s.byExp[r.Key.ExperimentID] = append(s.byExp[r.Key.ExperimentID], r)
}

func (s *memStore) sortRuns() {
	for _, list := range s.byExp {
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	}
}

// replay applies a journaled change during load.
func (s *memStore) replay(c change) {
	switch c.Op {
	case "experiment":
		if c.Experiment != nil {
			s.applyExperiment(c.Experiment)
		}
	case "run":
		if c.Run == nil {
			return
		}
		if _, ok := s.exps[c.Run.Key.ExperimentID]; ok {
			s.installRun(c.Run)
		}
	case "delete":
		s.applyDelete(c.ID)
	}
}

func (s *memStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exps[id]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	return cloneExperiment(e), nil
}

func (s *memStore) DeleteExperiment(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exps[id]; !ok {
		return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	if err := s.emit(change{Op: "delete", ID: id}); err != nil {
		return err
	}
	s.applyDelete(id)
	return nil
}

func (s *memStore) applyDelete(id string) {
	for _, r := range s.byExp[id] {
		delete(s.runs, r.ID)
	}
	delete(s.byExp, id)
	delete(s.exps, id)
}

func (s *memStore) ListActiveExperiments(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	type item struct {
		id string
		at time.Time
	}
	var items []item
	for id, list := range s.byExp {
		for _, r := range list {
			if r.Status.Open() {
				items = append(items, item{id: id, at: s.exps[id].CreatedAt})
				break
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].at.Equal(items[j].at) {
			return items[i].at.Before(items[j].at)
		}
		return items[i].id < items[j].id
	})
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out, nil
}

func (s *memStore) ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.byExp[experimentID]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
	}
	out := make([]experiment.Run, 0, len(list))
	for _, r := range list {
		out = append(out, r.view())
	}
	return out, nil
}

func (s *memStore) CountOpenRuns(ctx context.Context, experimentID string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.byExp[experimentID] {
		if r.Status.Open() {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ClaimNextRuns(ctx context.Context, experimentID, workerID string, limit int) ([]experiment.RunClaim, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.exps[experimentID]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
	}
	examples := exampleIndex(exp)
	now := s.now()

	var out []experiment.RunClaim
	for _, r := range s.byExp[experimentID] {
		if len(out) >= limit {
			break
		}
		if r.Status != experiment.RunPending {
			continue
		}
		next := *r
		next.Status = experiment.RunClaimed
		next.WorkerID = workerID
		next.Token = newToken()
		next.ClaimedAt = now
		next.Attempts++
		if err := s.emitRun(&next); err != nil {
			return out, err
		}
		*r = next
		out = append(out, experiment.RunClaim{
			RunID:        r.ID,
			ExperimentID: experimentID,
			Example:      examples[r.Key.ExampleID],
			Repetition:   r.Key.Repetition,
			WorkerID:     workerID,
			Token:        r.Token,
			ClaimedAt:    now,
			Attempts:     r.Attempts,
			Output:       r.Output,
			Evaluated:    r.evaluated(),
		})
	}
	return out, nil
}

// update applies fn to the run held by claim as a compare-and-set on the token.
func (s *memStore) update(claim experiment.RunClaim, fn func(r *runRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[claim.RunID]
	if !ok || !r.holds(claim.Token) {
		return fmt.Errorf("run %s: %w", claim.RunID, ErrClaimLost)
	}
	next := *r
	next.Evals = append([]experiment.EvaluationResult(nil), r.Evals...)
	fn(&next)
	if err := s.emitRun(&next); err != nil {
		return err
	}
	*r = next
	return nil
}

func (s *memStore) MarkRunning(ctx context.Context, claim experiment.RunClaim) error {
	_ = ctx
	now := s.now()
	return s.update(claim, func(r *runRecord) {
		r.Status = experiment.RunRunning
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
	})
}

func (s *memStore) SaveTaskOutput(ctx context.Context, claim experiment.RunClaim, out experiment.TaskOutput) error {
	_ = ctx
	return s.update(claim, func(r *runRecord) {
		cp := out
		r.Output = &cp
	})
}

func (s *memStore) SaveEvaluation(ctx context.Context, claim experiment.RunClaim, res experiment.EvaluationResult) error {
	_ = ctx
	return s.update(claim, func(r *runRecord) {
		for i := range r.Evals {
			if r.Evals[i].Evaluator == res.Evaluator {
				r.Evals[i] = res
				return
			}
		}
		r.Evals = append(r.Evals, res)
	})
}

func (s *memStore) MarkRunComplete(ctx context.Context, claim experiment.RunClaim) error {
	_ = ctx
	now := s.now()
	return s.update(claim, func(r *runRecord) {
		r.Status = experiment.RunCompleted
		r.Token = ""
		r.CompletedAt = now
		r.Error = ""
	})
}

func (s *memStore) MarkRunFailed(ctx context.Context, claim experiment.RunClaim, reason string) error {
	_ = ctx
	now := s.now()
	return s.update(claim, func(r *runRecord) {
		r.Status = experiment.RunFailed
		r.Token = ""
		r.CompletedAt = now
		r.Error = reason
	})
}

func (s *memStore) ReleaseClaim(ctx context.Context, claim experiment.RunClaim) error {
	_ = ctx
	return s.update(claim, func(r *runRecord) {
		r.Status = experiment.RunPending
		r.clearClaim()
	})
}

func (s *memStore) RenewClaims(ctx context.Context, claims []experiment.RunClaim) ([]string, error) {
	_ = ctx
	now := s.now()
	var lost []string
	for _, c := range claims {
		err := s.update(c, func(r *runRecord) { r.ClaimedAt = now })
		switch {
		case err == nil:
		case errors.Is(err, ErrClaimLost):
			lost = append(lost, c.RunID)
		default:
			return lost, err
		}
	}
	return lost, nil
}

func (s *memStore) ReclaimStaleClaims(ctx context.Context, timeout time.Duration) (int, error) {
	_ = ctx
	cutoff := s.now().Add(-timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.Status != experiment.RunClaimed && r.Status != experiment.RunRunning {
			continue
		}
		if r.ClaimedAt.After(cutoff) {
			continue
		}
		next := *r
		next.Status = experiment.RunPending
		next.clearClaim()
		if err := s.emitRun(&next); err != nil {
			return n, err
		}
		*r = next
		n++
	}
	if n > 0 {
		s.log.Debug("stale claims reclaimed", logx.Int("count", n), logx.Duration("timeout", timeout))
	}
	return n, nil
}
