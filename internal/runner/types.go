package runner

import (
	"time"

	"experimentd/internal/admission"
)

// Config controls the experiment runner.
//
// The app layer maps config.runner and config.controller into this struct.
type Config struct {
	// WorkerID identifies this daemon on claims. Empty means a random id per start.
	WorkerID string

	// Prefetch bounds the claims one experiment holds at a time (queued plus in flight).
	Prefetch int

	RegistrationInterval    time.Duration
	RegistrationParallelism int

	// SweepInterval drives lease renewal and the stale-claim sweep; it must stay
	// below StaleClaimTimeout or live claims get reclaimed.
	SweepInterval     time.Duration
	StaleClaimTimeout time.Duration

	// JobTimeout bounds one collaborator call. 0 disables it.
	JobTimeout time.Duration

	// RetryMax is the generic-error retry budget. Nil means defaultRetryMax;
	// a pointer to 0 disables generic retries.
	RetryMax          *int
	TransientRetryMax int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64 // 0.2 = 20%

	// Controller is the template for every experiment's AIMD controller.
	Controller admission.ControllerConfig

	// Now is the clock used for admission decisions. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.RegistrationInterval <= 0 {
		c.RegistrationInterval = 5 * time.Second
	}
	if c.RegistrationParallelism <= 0 {
		c.RegistrationParallelism = 4
	}
	if c.StaleClaimTimeout <= 0 {
		c.StaleClaimTimeout = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.StaleClaimTimeout / 4
	}
	if c.SweepInterval >= c.StaleClaimTimeout {
		c.SweepInterval = c.StaleClaimTimeout / 2
	}
	switch {
	case c.RetryMax == nil:
		c.RetryMax = IntPtr(defaultRetryMax)
	case *c.RetryMax < 0:
		c.RetryMax = IntPtr(0)
	}
	if c.TransientRetryMax <= 0 {
		c.TransientRetryMax = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Controller.Now == nil {
		c.Controller.Now = c.Now
	}
	return c
}

const defaultRetryMax = 3

// IntPtr returns a pointer to v, for optional Config fields.
func IntPtr(v int) *int { return &v }

// internalRetryMax is how often a job is requeued after a failure of the
// runner's own persistence glue before the run is failed.
const internalRetryMax = 1

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	WorkerID string `json:"worker_id"`
	Running  bool   `json:"running"`
	Stopping bool   `json:"stopping"`

	Experiments []ExperimentSnapshot                `json:"experiments"`
	Buckets     map[string]admission.BucketSnapshot `json:"buckets"`

	InFlight  int    `json:"in_flight"`
	Queued    int    `json:"queued"`
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Reclaimed uint64 `json:"reclaimed"`
	Lost      uint64 `json:"lost"`
}

// ExperimentSnapshot describes one running experiment.
type ExperimentSnapshot struct {
	ID          string                       `json:"id"`
	Name        string                       `json:"name,omitempty"`
	ResourceKey string                       `json:"resource_key,omitempty"`
	Queued      int                          `json:"queued"`
	InFlight    int                          `json:"in_flight"`
	Runs        int                          `json:"runs"`
	Controller  admission.ControllerSnapshot `json:"controller"`
}

// RunEvent is published on the event bus for run lifecycle events.
type RunEvent struct {
	ExperimentID string        `json:"experiment_id"`
	RunID        string        `json:"run_id"`
	Job          string        `json:"job,omitempty"`
	JobType      string        `json:"job_type,omitempty"`
	ResourceKey  string        `json:"resource_key,omitempty"`
	Outcome      string        `json:"outcome,omitempty"`
	Latency      time.Duration `json:"latency,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ExperimentEvent is published when an experiment enters or leaves the runner.
type ExperimentEvent struct {
	ExperimentID string `json:"experiment_id"`
	Claimed      int    `json:"claimed,omitempty"`
	Open         int    `json:"open,omitempty"`
}

// SweepEvent is published after a stale-claim sweep that changed something.
type SweepEvent struct {
	Reclaimed int `json:"reclaimed"`
	Lost      int `json:"lost"`
}

// Event types published by the runner.
const (
	EventRunCompleted         = "run.completed"
	EventRunFailed            = "run.failed"
	EventRunRetry             = "run.retry"
	EventRunRateLimited       = "run.rate_limited"
	EventJobFinished          = "job.finished"
	EventClaimsReclaimed      = "claims.reclaimed"
	EventExperimentRegistered = "experiment.registered"
	EventExperimentFinished   = "experiment.finished"
)
