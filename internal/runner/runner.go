package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"experimentd/internal/admission"
	"experimentd/internal/eventbus"
	"experimentd/internal/experiment"
	"experimentd/internal/job"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"

	rtsup "experimentd/internal/runtime/supervisor"
)

// cancelGrace bounds the wait for canceled jobs once a drain deadline passed.
const cancelGrace = 5 * time.Second

// storeTimeout bounds runner-initiated store writes that are not tied to a job.
const storeTimeout = 30 * time.Second

// Runner executes experiments: it claims runs from the store, dispatches their
// jobs under per-experiment AIMD controllers and per-resource token buckets,
// and persists the results.
//
// One dispatch goroutine owns admission decisions. Job goroutines only execute
// and report back over a channel.
type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store   storage.Store
	catalog *job.Catalog
	buckets *admission.Registry

	tenants map[string]*RunningExperiment
	order   []string
	next    int

	workerID   string
	results    chan jobResult
	wake       chan struct{}
	jobsCtx    context.Context
	cancelJobs context.CancelFunc

	// rng feeds retry jitter; only the dispatch loop uses it.
	rng *rand.Rand

	sup       *rtsup.Supervisor
	cron      *cron.Cron
	cronIDs   []cron.EntryID
	drained   chan struct{}
	drainOnce *sync.Once
	running   bool
	stopping  bool

	// stopCalled is set by Stop; stopping alone may come from the parent context.
	stopCalled bool

	reg singleflight.Group
	fin sync.WaitGroup

	storeWarn rate.Sometimes
	regWarn   rate.Sometimes

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	reclaimed atomic.Uint64
	lost      atomic.Uint64
}

type jobResult struct {
	expID   string
	token   string
	job     *job.Job
	outcome job.Outcome
}

func New(cfg Config, store storage.Store, catalog *job.Catalog, buckets *admission.Registry, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if catalog == nil {
		catalog = job.NewCatalog()
	}
	if buckets == nil {
		buckets = admission.NewRegistry(admission.DefaultBucketConfig(), nil)
	}
	return &Runner{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		store:     store,
		catalog:   catalog,
		buckets:   buckets,
		tenants:   map[string]*RunningExperiment{},
		storeWarn: rate.Sometimes{Interval: 5 * time.Second},
		regWarn:   rate.Sometimes{Interval: 5 * time.Second},
	}
}

// WorkerID returns the id this runner claims runs under (empty before Start).
func (r *Runner) WorkerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerID
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "experimentd"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Start launches the dispatch loop and the registration/sweep schedules.
// Start is idempotent.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.store == nil {
		return ErrNoStore
	}

	r.mu.Lock()
	if r.running {
		stopping := r.stopping
		r.mu.Unlock()
		if stopping {
			return ErrStopping
		}
		return nil
	}
	cfg := r.cfg
	r.workerID = cfg.WorkerID
	if r.workerID == "" {
		r.workerID = defaultWorkerID()
	}
	r.results = make(chan jobResult, 256)
	r.wake = make(chan struct{}, 1)
	r.jobsCtx, r.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))
	r.drained = make(chan struct{})
	r.drainOnce = &sync.Once{}
	r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	r.tenants = map[string]*RunningExperiment{}
	r.order = nil
	r.next = 0
	r.running = true
	r.stopping = false
	r.stopCalled = false

	r.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	r.cron = newCron(r.log)
	r.scheduleLocked(cfg)
	c := r.cron
	workerID := r.workerID
	r.mu.Unlock()

	sup.GoRestart("dispatch", r.loop, rtsup.WithPublishFirstError(true))
	c.Start()
	sup.Go0("register.initial", r.registrationPass)

	r.log.Info("runner started",
		logx.String("worker_id", workerID),
		logx.Int("prefetch", cfg.Prefetch),
		logx.Duration("registration_interval", cfg.RegistrationInterval),
		logx.Duration("sweep_interval", cfg.SweepInterval),
		logx.Duration("stale_claim_timeout", cfg.StaleClaimTimeout),
	)
	return nil
}

// scheduleLocked (re)installs the periodic registration pass and sweep.
func (r *Runner) scheduleLocked(cfg Config) {
	for _, id := range r.cronIDs {
		r.cron.Remove(id)
	}
	sup := r.sup
	r.cronIDs = []cron.EntryID{
		r.cron.Schedule(cron.Every(cfg.RegistrationInterval), cron.FuncJob(func() {
			r.registrationPass(sup.Context())
		})),
		r.cron.Schedule(cron.Every(cfg.SweepInterval), cron.FuncJob(func() {
			if err := r.Sweep(sup.Context()); err != nil && !errors.Is(err, context.Canceled) {
				r.storeWarn.Do(func() { r.log.Warn("claim sweep failed", logx.Err(err)) })
			}
		})),
	}
}

// Apply updates the runner configuration. Controller values apply to running
// experiments too; buckets are reconfigured through their registry.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.WorkerID == "" {
		cfg.WorkerID = r.cfg.WorkerID
	}
	if cfg.Now == nil {
		cfg.Now = r.cfg.Now
	}
	prev := r.cfg
	r.cfg = cfg.withDefaults()
	for _, t := range r.tenants {
		t.ctrl.Apply(r.cfg.Controller)
	}
	if r.running && !r.stopping &&
		(prev.RegistrationInterval != r.cfg.RegistrationInterval || prev.SweepInterval != r.cfg.SweepInterval) {
		r.scheduleLocked(r.cfg)
	}
}

// Stop stops admitting new jobs and the schedules, lets in-flight jobs drain
// until ctx is done, then cancels what is still running. Claims of unfinished
// runs are released back to PENDING.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	drained := r.drained
	if r.stopCalled {
		r.mu.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
		}
		return
	}
	r.stopCalled = true
	r.stopping = true
	c := r.cron
	sup := r.sup
	cancelJobs := r.cancelJobs
	r.mu.Unlock()

	start := time.Now()
	r.log.Info("runner stopping", logx.Int("in_flight", r.inFlight()))

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.wakeup()

	select {
	case <-drained:
	case <-ctx.Done():
		r.log.Warn("runner drain timed out, canceling jobs", logx.Int("in_flight", r.inFlight()))
		cancelJobs()
		select {
		case <-drained:
		case <-time.After(cancelGrace):
			r.log.Warn("runner jobs still running after cancel")
		}
	}

	finDone := make(chan struct{})
	go func() {
		r.fin.Wait()
		close(finDone)
	}()
	select {
	case <-finDone:
	case <-time.After(cancelGrace):
	}

	if sup != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		_ = sup.Stop(waitCtx)
		cancel()
	}
	cancelJobs()

	r.mu.Lock()
	r.running = false
	r.stopping = false
	r.stopCalled = false
	r.mu.Unlock()
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

func (r *Runner) wakeup() {
	r.mu.Lock()
	ch := r.wake
	r.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Runner) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlightLocked()
}

func (r *Runner) inFlightLocked() int {
	n := 0
	for _, t := range r.tenants {
		n += t.inFlight
	}
	return n
}

func (r *Runner) publish(evs []eventbus.Event) {
	if r.bus == nil {
		return
	}
	for _, e := range evs {
		r.bus.Publish(e)
	}
}

// RegisterExperiment claims up to the prefetch budget of the experiment's runs
// and queues their jobs. Concurrent registrations of one experiment are
// collapsed into one. A missing experiment is logged and ignored.
func (r *Runner) RegisterExperiment(ctx context.Context, id string) error {
	_, err, _ := r.reg.Do(id, func() (any, error) {
		return nil, r.register(ctx, id)
	})
	return err
}

func (r *Runner) register(ctx context.Context, id string) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrStopped
	}
	if r.stopping {
		r.mu.Unlock()
		return ErrStopping
	}
	held := 0
	if t := r.tenants[id]; t != nil {
		held = len(t.runs)
	}
	prefetch := r.cfg.Prefetch
	workerID := r.workerID
	r.mu.Unlock()

	exp, err := r.store.GetExperiment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("experiment not found", logx.String("experiment", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load experiment %s: %w", id, err)
	}
	if err := r.catalog.Check(exp); err != nil {
		r.regWarn.Do(func() {
			r.log.Warn("experiment references unknown collaborators", logx.String("experiment", id), logx.Err(err))
		})
	}

	limit := prefetch - held
	if limit <= 0 {
		return nil
	}
	claims, err := r.store.ClaimNextRuns(ctx, id, workerID, limit)
	if err != nil {
		return fmt.Errorf("claim runs of %s: %w", id, err)
	}
	if len(claims) == 0 {
		return nil
	}

	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		r.releaseClaims(claims)
		return ErrStopping
	}
	t := r.tenants[id]
	if t == nil {
		t = NewRunningExperiment(exp, r.cfg.Controller, r.buckets)
		r.tenants[id] = t
		r.order = append(r.order, id)
	}
	var evs []eventbus.Event
	for _, c := range claims {
		rs := t.track(r.jobsCtx, c)
		jobs := job.FromClaim(t.exp, c)
		if len(jobs) == 0 {
			// Every step was persisted by an earlier holder; only the final
			// status write is missing.
			r.finalizeLocked(t, rs)
			continue
		}
		for _, j := range jobs {
			rs.outstanding++
			t.Enqueue(j)
		}
	}
	queued := len(t.queue)
	r.mu.Unlock()

	r.wakeup()
	evs = append(evs, eventbus.Event{Type: EventExperimentRegistered, Time: time.Now(), Data: ExperimentEvent{ExperimentID: id, Claimed: len(claims)}})
	r.publish(evs)
	r.log.Debug("experiment registered", logx.String("experiment", id), logx.Int("claimed", len(claims)), logx.Int("queued", queued))
	return nil
}

// registrationPass registers every active experiment with bounded parallelism.
func (r *Runner) registrationPass(ctx context.Context) {
	ids, err := r.store.ListActiveExperiments(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.storeWarn.Do(func() { r.log.Warn("list active experiments failed", logx.Err(err)) })
		}
		return
	}
	if len(ids) == 0 {
		return
	}

	r.mu.Lock()
	parallelism := r.cfg.RegistrationParallelism
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		g.Go(func() error {
			err := r.RegisterExperiment(gctx, id)
			switch {
			case err == nil, errors.Is(err, ErrStopped), errors.Is(err, ErrStopping), errors.Is(err, context.Canceled):
			default:
				r.regWarn.Do(func() {
					r.log.Warn("experiment registration failed", logx.String("experiment", id), logx.Err(err))
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// kick re-registers an experiment in the background to top up its claims.
func (r *Runner) kick(id string) {
	r.mu.Lock()
	sup := r.sup
	ok := r.running && !r.stopping && sup != nil
	r.mu.Unlock()
	if !ok {
		return
	}
	sup.Go0("register.kick", func(ctx context.Context) {
		if err := r.RegisterExperiment(ctx, id); err != nil &&
			!errors.Is(err, ErrStopping) && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			r.regWarn.Do(func() {
				r.log.Warn("experiment registration failed", logx.String("experiment", id), logx.Err(err))
			})
		}
	})
}

// Snapshot returns a point-in-time view of the runner.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		WorkerID: r.workerID,
		Running:  r.running,
		Stopping: r.stopping,
	}
	for _, id := range r.order {
		t := r.tenants[id]
		if t == nil {
			continue
		}
		es := t.Snapshot()
		snap.Experiments = append(snap.Experiments, es)
		snap.InFlight += es.InFlight
		snap.Queued += es.Queued
	}
	r.mu.Unlock()

	snap.Buckets = r.buckets.Snapshot()
	snap.Started = r.started.Load()
	snap.Completed = r.completed.Load()
	snap.Failed = r.failed.Load()
	snap.Retried = r.retried.Load()
	snap.Reclaimed = r.reclaimed.Load()
	snap.Lost = r.lost.Load()
	return snap
}

// Supervisor returns the runner's goroutine supervisor (nil if not started).
func (r *Runner) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

func (r *Runner) releaseClaims(claims []experiment.RunClaim) {
	if len(claims) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	released := 0
	for _, c := range claims {
		err := r.store.ReleaseClaim(ctx, c)
		switch {
		case err == nil:
			released++
		case errors.Is(err, storage.ErrClaimLost):
		default:
			r.log.Warn("release claim failed", logx.String("run", c.RunID), logx.Err(err))
		}
	}
	r.log.Debug("claims released", logx.Int("released", released), logx.Int("held", len(claims)))
}
