package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks field syntax and bounds. It does not open anything; the app
// layer runs its own mapping on top (address checks, storage drivers).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	nonNeg := func(path string, v float64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown %q", cfg.Logging.Format))
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	nonNeg("storage.redis_db", float64(cfg.Storage.RedisDB))

	r := cfg.Runner
	nonNeg("runner.prefetch", float64(r.Prefetch))
	nonNeg("runner.registration_parallelism", float64(r.RegistrationParallelism))
	if r.RetryMax != nil {
		nonNeg("runner.retry_max", float64(*r.RetryMax))
	}
	nonNeg("runner.transient_retry_max", float64(r.TransientRetryMax))
	if r.RetryJitter < 0 || r.RetryJitter > 1 {
		errs = append(errs, errors.New("runner.retry_jitter must be within [0, 1]"))
	}
	dur("runner.registration_interval", r.RegistrationInterval)
	sweep := dur("runner.sweep_interval", r.SweepInterval)
	stale := dur("runner.stale_claim_timeout", r.StaleClaimTimeout)
	if sweep > 0 && stale > 0 && sweep >= stale {
		errs = append(errs, errors.New("runner.sweep_interval must be below runner.stale_claim_timeout"))
	}
	dur("runner.job_timeout", r.JobTimeout)
	base := dur("runner.retry_base", r.RetryBase)
	maxDelay := dur("runner.retry_max_delay", r.RetryMaxDelay)
	if base > 0 && maxDelay > 0 && base > maxDelay {
		errs = append(errs, errors.New("runner.retry_base must not exceed runner.retry_max_delay"))
	}

	c := cfg.Controller
	nonNeg("controller.initial_target", c.InitialTarget)
	nonNeg("controller.max_concurrency", float64(c.MaxConcurrency))
	nonNeg("controller.increase_step", c.IncreaseStep)
	if c.DecreaseRatio < 0 || c.DecreaseRatio >= 1 {
		errs = append(errs, errors.New("controller.decrease_ratio must be within [0, 1)"))
	}
	if c.SmoothingFactor < 0 || c.SmoothingFactor > 1 {
		errs = append(errs, errors.New("controller.smoothing_factor must be within [0, 1]"))
	}
	nonNeg("controller.collapse_error_threshold", float64(c.CollapseErrorThreshold))
	if c.MaxConcurrency > 0 && c.InitialTarget > float64(c.MaxConcurrency) {
		errs = append(errs, errors.New("controller.initial_target must not exceed controller.max_concurrency"))
	}
	dur("controller.window", c.Window)
	dur("controller.inactive_check_interval", c.InactiveCheckInterval)
	dur("controller.collapse_window", c.CollapseWindow)

	validateBucket := func(path string, b BucketConfig) {
		nonNeg(path+".initial_rate", b.InitialRate)
		nonNeg(path+".max_rate", b.MaxRate)
		if b.ReductionFactor < 0 || b.ReductionFactor >= 1 {
			errs = append(errs, fmt.Errorf("%s.reduction_factor must be within [0, 1)", path))
		}
		if b.IncreaseFactor != 0 && b.IncreaseFactor < 1 {
			errs = append(errs, fmt.Errorf("%s.increase_factor must be >= 1", path))
		}
		dur(path+".enforcement_window", b.EnforcementWindow)
		dur(path+".cooldown", b.Cooldown)
	}
	validateBucket("bucket.default", cfg.Bucket.Default)
	for k, b := range cfg.Bucket.Overrides {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, errors.New("bucket.overrides: empty resource key"))
			continue
		}
		validateBucket("bucket.overrides."+k, b)
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	return errors.Join(errs...)
}
