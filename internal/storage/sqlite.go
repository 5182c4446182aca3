package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const openStatuses = `('PENDING','CLAIMED','RUNNING')`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer anyway, and it makes every
	// transaction below serialize with the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: cfg.Now}
	if st.now == nil {
		st.now = time.Now
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := prepareExperiment(exp, s.now()); err != nil {
		return err
	}
	body, err := json.Marshal(exp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO experiments(id, body, created_at) VALUES(?,?,?)`,
		exp.ID, string(body), exp.CreatedAt.UnixMilli(),
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("experiment %q: %w", exp.ID, ErrExists)
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs(id, experiment_id, example_id, repetition, seq, status) VALUES(?,?,?,?,?,'PENDING')`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, k := range expandRuns(exp) {
		if _, err := stmt.ExecContext(ctx, k.RunID(), k.ExperimentID, k.ExampleID, k.Repetition, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return getExperimentTx(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getExperimentTx(ctx context.Context, q queryer, id string) (*experiment.Experiment, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM experiments WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var exp experiment.Experiment
	if err := json.Unmarshal([]byte(body), &exp); err != nil {
		return nil, fmt.Errorf("experiment %q: decode: %w", id, err)
	}
	return &exp, nil
}

func (s *sqliteStore) DeleteExperiment(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM evaluations WHERE run_id IN (SELECT id FROM runs WHERE experiment_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE experiment_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListActiveExperiments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id FROM experiments e
		 WHERE EXISTS (SELECT 1 FROM runs r WHERE r.experiment_id = e.id AND r.status IN `+openStatuses+`)
		 ORDER BY e.created_at, e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error) {
	if _, err := s.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, example_id, repetition, status, worker_id, claimed_at, attempts, output, error, started_at, completed_at
		 FROM runs WHERE experiment_id = ? ORDER BY seq`, experimentID)
	if err != nil {
		return nil, err
	}
	var out []experiment.Run
	for rows.Next() {
		var (
			r                           experiment.Run
			status                      string
			worker, output, errText     sql.NullString
			claimed, started, completed sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Key.ExampleID, &r.Key.Repetition, &status, &worker, &claimed,
			&r.Attempts, &output, &errText, &started, &completed); err != nil {
			rows.Close()
			return nil, err
		}
		r.Key.ExperimentID = experimentID
		r.Status = experiment.RunStatus(status)
		r.WorkerID = worker.String
		r.ClaimedAt = msTime(claimed)
		r.StartedAt = msTime(started)
		r.CompletedAt = msTime(completed)
		r.Error = errText.String
		if r.Output, err = decodeOutput(output); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		evals, err := s.loadEvaluations(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Evaluations = evals
	}
	return out, nil
}

func (s *sqliteStore) CountOpenRuns(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE experiment_id = ? AND status IN `+openStatuses, experimentID).Scan(&n)
	return n, err
}

func (s *sqliteStore) ClaimNextRuns(ctx context.Context, experimentID, workerID string, limit int) ([]experiment.RunClaim, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	exp, err := getExperimentTx(ctx, tx, experimentID)
	if err != nil {
		return nil, err
	}
	examples := exampleIndex(exp)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, example_id, repetition, attempts, output FROM runs
		 WHERE experiment_id = ? AND status = 'PENDING' ORDER BY seq LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, err
	}
	type cand struct {
		id, exampleID string
		rep, attempts int
		output        sql.NullString
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.exampleID, &c.rep, &c.attempts, &c.output); err != nil {
			rows.Close()
			return nil, err
		}
		cands = append(cands, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]experiment.RunClaim, 0, len(cands))
	for _, c := range cands {
		token := newToken()
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status='CLAIMED', worker_id=?, token=?, claimed_at=?, attempts=attempts+1
			 WHERE id = ? AND status = 'PENDING'`,
			workerID, token, now.UnixMilli(), c.id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		output, err := decodeOutput(c.output)
		if err != nil {
			return nil, err
		}
		evals, err := s.loadEvaluations(ctx, tx, c.id)
		if err != nil {
			return nil, err
		}
		claim := experiment.RunClaim{
			RunID:        c.id,
			ExperimentID: experimentID,
			Example:      examples[c.exampleID],
			Repetition:   c.rep,
			WorkerID:     workerID,
			Token:        token,
			ClaimedAt:    time.UnixMilli(now.UnixMilli()),
			Attempts:     c.attempts + 1,
			Output:       output,
		}
		for _, e := range evals {
			claim.Evaluated = append(claim.Evaluated, e.Evaluator)
		}
		out = append(out, claim)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) loadEvaluations(ctx context.Context, q rowsQueryer, runID string) ([]experiment.EvaluationResult, error) {
	rows, err := q.QueryContext(ctx, `SELECT body FROM evaluations WHERE run_id = ? ORDER BY evaluator`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []experiment.EvaluationResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r experiment.EvaluationResult
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// casExec runs an UPDATE guarded by the claim token and maps "no row" to ErrClaimLost.
func casExec(ctx context.Context, x interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, claim experiment.RunClaim, set string, args ...any) error {
	q := `UPDATE runs SET ` + set + ` WHERE id = ? AND token = ? AND status IN ('CLAIMED','RUNNING')`
	args = append(args, claim.RunID, claim.Token)
	res, err := x.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 || claim.Token == "" {
		return fmt.Errorf("run %s: %w", claim.RunID, ErrClaimLost)
	}
	return nil
}

func (s *sqliteStore) MarkRunning(ctx context.Context, claim experiment.RunClaim) error {
	return casExec(ctx, s.db, claim,
		`status='RUNNING', started_at=COALESCE(started_at, ?)`, s.now().UnixMilli())
}

func (s *sqliteStore) SaveTaskOutput(ctx context.Context, claim experiment.RunClaim, out experiment.TaskOutput) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return casExec(ctx, s.db, claim, `output=?`, string(b))
}

func (s *sqliteStore) SaveEvaluation(ctx context.Context, claim experiment.RunClaim, res experiment.EvaluationResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// no-op update that only checks the claim inside the transaction
	if err := casExec(ctx, tx, claim, `claimed_at=claimed_at`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evaluations(run_id, evaluator, body) VALUES(?,?,?)
		 ON CONFLICT(run_id, evaluator) DO UPDATE SET body=excluded.body`,
		claim.RunID, res.Evaluator, string(b)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkRunComplete(ctx context.Context, claim experiment.RunClaim) error {
	return casExec(ctx, s.db, claim,
		`status='COMPLETED', token=NULL, error=NULL, completed_at=?`, s.now().UnixMilli())
}

func (s *sqliteStore) MarkRunFailed(ctx context.Context, claim experiment.RunClaim, reason string) error {
	return casExec(ctx, s.db, claim,
		`status='FAILED', token=NULL, error=?, completed_at=?`, reason, s.now().UnixMilli())
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, claim experiment.RunClaim) error {
	return casExec(ctx, s.db, claim, `status='PENDING', token=NULL, worker_id=NULL, claimed_at=NULL`)
}

func (s *sqliteStore) RenewClaims(ctx context.Context, claims []experiment.RunClaim) ([]string, error) {
	now := s.now().UnixMilli()
	var lost []string
	for _, c := range claims {
		err := casExec(ctx, s.db, c, `claimed_at=?`, now)
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

func (s *sqliteStore) ReclaimStaleClaims(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.now().Add(-timeout).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status='PENDING', token=NULL, worker_id=NULL, claimed_at=NULL
		 WHERE status IN ('CLAIMED','RUNNING') AND claimed_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("stale claims reclaimed", logx.Int64("count", n), logx.Duration("timeout", timeout))
	}
	return int(n), nil
}

func msTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func decodeOutput(v sql.NullString) (*experiment.TaskOutput, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out experiment.TaskOutput
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode task output: %w", err)
	}
	return &out, nil
}
