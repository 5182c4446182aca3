package config

import (
	"reflect"
	"sort"
	"strings"

	logx "experimentd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections plus safe
// structured attrs for logging. Secrets (tokens, redis password) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(ns.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(ns.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) ||
		strings.TrimSpace(oldS.RedisAddr) != strings.TrimSpace(ns.RedisAddr) ||
		oldS.RedisDB != ns.RedisDB ||
		oldS.KeyPrefix != ns.KeyPrefix ||
		oldS.RedisPassword != ns.RedisPassword {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.redis_password_set", ns.RedisPassword != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		r := newCfg.Runner
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.prefetch", r.Prefetch),
			logx.String("runner.registration_interval", r.RegistrationInterval),
			logx.String("runner.sweep_interval", r.SweepInterval),
			logx.String("runner.stale_claim_timeout", r.StaleClaimTimeout),
			logx.Any("runner.retry_max", r.RetryMax),
			logx.Int("runner.transient_retry_max", r.TransientRetryMax),
		)
	}

	if oldCfg.Controller != newCfg.Controller {
		c := newCfg.Controller
		changed = append(changed, "controller")
		attrs = append(attrs,
			logx.Float64("controller.initial_target", c.InitialTarget),
			logx.Int("controller.max_concurrency", c.MaxConcurrency),
			logx.String("controller.window", c.Window),
		)
	}

	if keys := diffBuckets(oldCfg.Bucket, newCfg.Bucket); len(keys) > 0 {
		changed = append(changed, "bucket")
		attrs = append(attrs,
			logx.Any("bucket.changed", keys),
			logx.Int("bucket.override_count", len(newCfg.Bucket.Overrides)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenSet := func(h HTTPConfig) bool { return strings.TrimSpace(h.Token) != "" }
	oh.Token, nh.Token = "", ""
	if oh != nh || tokenSet(oldCfg.HTTP) != tokenSet(newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", tokenSet(newCfg.HTTP)),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffBuckets lists "default" and the override keys that changed.
func diffBuckets(o, n BucketSection) []string {
	var out []string
	if o.Default != n.Default {
		out = append(out, "default")
	}
	keys := map[string]struct{}{}
	for k := range o.Overrides {
		keys[k] = struct{}{}
	}
	for k := range n.Overrides {
		keys[k] = struct{}{}
	}
	for k := range keys {
		ov, oOK := o.Overrides[k]
		nv, nOK := n.Overrides[k]
		if oOK != nOK || ov != nv {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s == "storage" {
			out = append(out, s)
		}
	}
	return out
}
