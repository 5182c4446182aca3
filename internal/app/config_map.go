package app

import (
	"fmt"
	"strings"
	"time"

	"experimentd/internal/admission"
	"experimentd/internal/config"
	"experimentd/internal/observability/httpapi"
	"experimentd/internal/runner"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  lc.Format,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	out := storage.Config{Driver: driver, Path: path}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "none":
		return out, fmt.Errorf("storage.driver=none: the runner needs a store")
	case "file":
		if path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return out, err
		}
		out.BusyTimeout = busy
	case "redis":
		out.RedisAddr = strings.TrimSpace(sc.RedisAddr)
		if out.RedisAddr == "" {
			return out, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		out.RedisPassword = sc.RedisPassword
		out.RedisDB = sc.RedisDB
		out.KeyPrefix = strings.TrimSpace(sc.KeyPrefix)
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapControllerConfig(cfg *config.Config) (admission.ControllerConfig, error) {
	cc := cfg.Controller
	out := admission.ControllerConfig{
		InitialTarget:          cc.InitialTarget,
		MaxConcurrency:         cc.MaxConcurrency,
		IncreaseStep:           cc.IncreaseStep,
		DecreaseRatio:          cc.DecreaseRatio,
		SmoothingFactor:        cc.SmoothingFactor,
		CollapseErrorThreshold: cc.CollapseErrorThreshold,
	}
	var err error
	if out.Window, err = config.ParseDurationField("controller.window", cc.Window); err != nil {
		return out, err
	}
	if out.InactiveCheckInterval, err = config.ParseDurationField("controller.inactive_check_interval", cc.InactiveCheckInterval); err != nil {
		return out, err
	}
	if out.CollapseWindow, err = config.ParseDurationField("controller.collapse_window", cc.CollapseWindow); err != nil {
		return out, err
	}
	return out, nil
}

func mapBucketConfig(path string, bc config.BucketConfig) (admission.BucketConfig, error) {
	out := admission.BucketConfig{
		InitialRate:     bc.InitialRate,
		ReductionFactor: bc.ReductionFactor,
		IncreaseFactor:  bc.IncreaseFactor,
		MaxRate:         bc.MaxRate,
	}
	var err error
	if out.EnforcementWindow, err = config.ParseDurationField(path+".enforcement_window", bc.EnforcementWindow); err != nil {
		return out, err
	}
	if out.Cooldown, err = config.ParseDurationField(path+".cooldown", bc.Cooldown); err != nil {
		return out, err
	}
	return out, nil
}

// mapBuckets returns the registry default and its overrides. Zero fields of
// an override inherit the default.
func mapBuckets(cfg *config.Config) (admission.BucketConfig, map[string]admission.BucketConfig, error) {
	def, err := mapBucketConfig("bucket.default", cfg.Bucket.Default)
	if err != nil {
		return def, nil, err
	}
	overrides := make(map[string]admission.BucketConfig, len(cfg.Bucket.Overrides))
	for k, v := range cfg.Bucket.Overrides {
		o, err := mapBucketConfig("bucket.overrides."+k, v)
		if err != nil {
			return def, nil, err
		}
		overrides[k] = o
	}
	return def, overrides, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	out := runner.Config{
		WorkerID:                strings.TrimSpace(rc.WorkerID),
		Prefetch:                rc.Prefetch,
		RegistrationParallelism: rc.RegistrationParallelism,
		RetryMax:                rc.RetryMax,
		TransientRetryMax:       rc.TransientRetryMax,
		RetryJitter:             rc.RetryJitter,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"runner.registration_interval", rc.RegistrationInterval, &out.RegistrationInterval},
		{"runner.sweep_interval", rc.SweepInterval, &out.SweepInterval},
		{"runner.stale_claim_timeout", rc.StaleClaimTimeout, &out.StaleClaimTimeout},
		{"runner.job_timeout", rc.JobTimeout, &out.JobTimeout},
		{"runner.retry_base", rc.RetryBase, &out.RetryBase},
		{"runner.retry_max_delay", rc.RetryMaxDelay, &out.RetryMaxDelay},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return out, err
		}
		*d.dst = v
	}

	ctrl, err := mapControllerConfig(cfg)
	if err != nil {
		return out, err
	}
	out.Controller = ctrl
	return out, nil
}

// mapHTTPConfig validates and converts the http section. It never starts the server.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		PprofPrefix:   strings.TrimSpace(hc.PprofPrefix),
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// 0 (disabled) by default so pprof /profile can run long.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// validate runs every mapping so a reload that cannot be applied is rejected
// before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBuckets(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
