package storage

import (
	"context"
	"errors"
	"time"

	"experimentd/internal/experiment"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrClaimLost is returned by writes made with a claim token the run no
	// longer holds (reclaimed as stale, released, finished or deleted).
	ErrClaimLost = errors.New("claim lost")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file": memory backend plus a JSONL journal and snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": shared Redis at RedisAddr (several daemons may share it)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only; default "experimentd"

	// Now is the clock used for claim timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Store is the persistence API the runner and the admin surface use.
//
// Every write taking a RunClaim is a compare-and-set on the claim token: it
// succeeds only while the run is CLAIMED or RUNNING under that token and fails
// with ErrClaimLost otherwise.
type Store interface {
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error
	// ListActiveExperiments returns ids of experiments that still have open runs.
	ListActiveExperiments(ctx context.Context) ([]string, error)
	ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error)
	// CountOpenRuns counts PENDING, CLAIMED and RUNNING runs.
	CountOpenRuns(ctx context.Context, experimentID string) (int, error)

	// ClaimNextRuns moves up to limit PENDING runs to CLAIMED under fresh tokens.
	ClaimNextRuns(ctx context.Context, experimentID, workerID string, limit int) ([]experiment.RunClaim, error)
	MarkRunning(ctx context.Context, claim experiment.RunClaim) error
	SaveTaskOutput(ctx context.Context, claim experiment.RunClaim, out experiment.TaskOutput) error
	SaveEvaluation(ctx context.Context, claim experiment.RunClaim, res experiment.EvaluationResult) error
	MarkRunComplete(ctx context.Context, claim experiment.RunClaim) error
	MarkRunFailed(ctx context.Context, claim experiment.RunClaim, reason string) error
	// ReleaseClaim hands an unstarted or interrupted run back to PENDING.
	ReleaseClaim(ctx context.Context, claim experiment.RunClaim) error

	// RenewClaims refreshes the lease of every claim still held and returns
	// the run ids of those that were lost.
	RenewClaims(ctx context.Context, claims []experiment.RunClaim) (lost []string, err error)
	// ReclaimStaleClaims returns CLAIMED/RUNNING runs whose lease is older than
	// timeout to PENDING and reports how many were reclaimed.
	ReclaimStaleClaims(ctx context.Context, timeout time.Duration) (int, error)

	Close() error
}
