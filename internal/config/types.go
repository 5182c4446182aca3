package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero values fall back to the defaults of the package that consumes them.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Runner     RunnerConfig     `json:"runner"`
	Controller ControllerConfig `json:"controller,omitempty"`
	Bucket     BucketSection    `json:"bucket,omitempty"`
	HTTP       HTTPConfig       `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the run store. Changes require a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./experimentd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory|file|sqlite|redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

// RunnerConfig controls dispatch, claims and retries.
//
// Defaults (when fields are omitted/zero):
//   - prefetch: 32
//   - registration_interval: "5s"
//   - sweep_interval: stale_claim_timeout / 4
//   - stale_claim_timeout: "2m"
//   - retry_max: 3, transient_retry_max: 10
//   - retry_base: "500ms", retry_max_delay: "15s"
type RunnerConfig struct {
	WorkerID string `json:"worker_id,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`

	RegistrationInterval    string `json:"registration_interval,omitempty"`
	RegistrationParallelism int    `json:"registration_parallelism,omitempty"`

	SweepInterval     string `json:"sweep_interval,omitempty"`
	StaleClaimTimeout string `json:"stale_claim_timeout,omitempty"`
	JobTimeout        string `json:"job_timeout,omitempty"`

	// RetryMax unset means the default; an explicit 0 disables generic retries.
	RetryMax          *int    `json:"retry_max,omitempty"`
	TransientRetryMax int     `json:"transient_retry_max,omitempty"`
	RetryBase         string  `json:"retry_base,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	RetryJitter       float64 `json:"retry_jitter,omitempty"`
}

// ControllerConfig tunes the per-experiment AIMD controller.
type ControllerConfig struct {
	InitialTarget          float64 `json:"initial_target,omitempty"`
	MaxConcurrency         int     `json:"max_concurrency,omitempty"`
	Window                 string  `json:"window,omitempty"`
	IncreaseStep           float64 `json:"increase_step,omitempty"`
	DecreaseRatio          float64 `json:"decrease_ratio,omitempty"`
	InactiveCheckInterval  string  `json:"inactive_check_interval,omitempty"`
	SmoothingFactor        float64 `json:"smoothing_factor,omitempty"`
	CollapseWindow         string  `json:"collapse_window,omitempty"`
	CollapseErrorThreshold int     `json:"collapse_error_threshold,omitempty"`
}

// BucketConfig tunes one adaptive token bucket.
type BucketConfig struct {
	InitialRate       float64 `json:"initial_rate,omitempty"`
	EnforcementWindow string  `json:"enforcement_window,omitempty"`
	ReductionFactor   float64 `json:"reduction_factor,omitempty"`
	IncreaseFactor    float64 `json:"increase_factor,omitempty"`
	MaxRate           float64 `json:"max_rate,omitempty"`
	Cooldown          string  `json:"cooldown,omitempty"`
}

// BucketSection holds the default bucket plus per-resource-key overrides.
//
// Example:
//
//	"bucket": {
//	  "default": { "initial_rate": 5 },
//	  "overrides": { "openai:gpt-4o": { "initial_rate": 2, "cooldown": "10s" } }
//	}
type BucketSection struct {
	Default   BucketConfig            `json:"default,omitempty"`
	Overrides map[string]BucketConfig `json:"overrides,omitempty"`
}

// HTTPConfig controls the admin/metrics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under PprofPrefix.
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
