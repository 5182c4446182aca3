package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"experimentd/internal/admission"
	"experimentd/internal/builtin"
	"experimentd/internal/config"
	"experimentd/internal/eventbus"
	"experimentd/internal/job"
	"experimentd/internal/metrics"
	"experimentd/internal/observability/httpapi"
	"experimentd/internal/runner"
	rtsup "experimentd/internal/runtime/supervisor"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"
	"experimentd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	catalog *job.Catalog
	buckets *admission.Registry
	runner  *runner.Runner
	metrics *metrics.Collector
	http    *httpapi.Service
	sd      systemd.Notifier
}

// Option customizes an App before it starts. Tests use it to register extra
// tasks and evaluators.
type Option func(*App) error

// WithCatalog registers additional collaborators next to the built-ins.
func WithCatalog(fn func(*job.Catalog) error) Option {
	return func(a *App) error { return fn(a.catalog) }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	// A config that cannot be mapped onto the components is never committed,
	// on the first load or on reload.
	cfgm := config.NewManager(cfgPath, config.WithValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	}))
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	catalog := job.NewCatalog()
	if err := builtin.Register(catalog); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	def, overrides, err := mapBuckets(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	buckets := admission.NewRegistry(def, overrides)

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	run := runner.New(rc, store, catalog, buckets, log.With(logx.String("comp", "runner")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		catalog: catalog,
		buckets: buckets,
		runner:  run,
		metrics: metrics.NewCollector(metrics.DefaultNamespace, run.Snapshot, log),
		sd:      systemd.Notifier{},
	}
	for _, o := range opts {
		if err := o(a); err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Runner:  run,
		Store:   store,
		Catalog: catalog,
		Metrics: a.metrics.Handler(),
		Health:  a.health,
	}, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) Runner() *runner.Runner { return a.runner }

func (a *App) Store() storage.Store { return a.store }

// HTTPAddr is the bound admin address, or "" while the server is down.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type healthDetail struct {
	Runner      string         `json:"runner"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Experiments int            `json:"experiments"`
	Config      string         `json:"config"`
	Events      eventbus.Stats `json:"events"`
	Supervisor  rtsup.Snapshot `json:"supervisor"`
}

// health backs /healthz: unhealthy once the supervisor failed or the runner
// is not running.
func (a *App) health() (any, error) {
	snap := a.runner.Snapshot()
	d := healthDetail{
		Runner:      "stopped",
		WorkerID:    snap.WorkerID,
		Experiments: len(snap.Experiments),
		Config:      a.cfgPath,
		Events:      a.bus.Stats(),
	}
	if a.sup != nil {
		d.Supervisor = a.sup.Snapshot()
	}
	switch {
	case snap.Stopping:
		d.Runner = "stopping"
	case snap.Running:
		d.Runner = "running"
	}

	if err := a.Err(); err != nil {
		return d, err
	}
	if d.Runner != "running" {
		return d, errors.New("runner " + d.Runner)
	}
	return d, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.runner.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	// Debug trail of bus events; metrics keeps its own subscription.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only: run events are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool {
			_, err := a.health()
			return err == nil
		})
	})
	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("worker_id", a.runner.WorkerID()),
		logx.Bool("http", a.http.Enabled()),
	)
	return nil
}

// apply pushes a committed config to the live components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(next))

	if rc, err := mapRunnerConfig(next); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(rc)
	}

	if def, overrides, err := mapBuckets(next); err != nil {
		a.log.Warn("invalid bucket config; keeping previous", logx.Err(err))
	} else {
		a.buckets.Apply(def, overrides)
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a step that overruns is logged when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// The admin surface goes first so no experiment is created mid-drain.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// Drain gets most of the budget; runner.Stop cancels leftovers at its deadline.
	step("runner", 0, func(c context.Context) error { a.runner.Stop(c); return nil })

	// Background loops (watch, reload, metrics) only now; the runner needed the store.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
