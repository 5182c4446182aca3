package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"experimentd/internal/eventbus"
	"experimentd/internal/runner"
	logx "experimentd/pkg/logx"
)

const DefaultNamespace = "experimentd"

// Collector owns a private registry with the runner's counters (fed from the
// event bus) and the gauges read from runner snapshots at scrape time.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	experiments    *prometheus.CounterVec
	claimsSwept    *prometheus.CounterVec
	eventsObserved prometheus.Counter
}

// NewCollector builds the registry. snapshot may be nil when no runner is wired
// (tests); the runtime collectors are always registered.
func NewCollector(namespace string, snapshot func() runner.Snapshot, log logx.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
	}

	c.jobsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs executed, by job type and outcome.",
		},
		[]string{"job_type", "outcome"},
	)
	c.jobDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"job_type"},
	)
	c.retriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Jobs requeued with backoff, by the outcome that caused the retry.",
		},
		[]string{"outcome"},
	)
	c.rateLimited = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Provider rate-limit rejections, by resource key.",
		},
		[]string{"resource_key"},
	)
	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		},
		[]string{"status"},
	)
	c.experiments = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_events_total",
			Help:      "Experiment registrations and completions.",
		},
		[]string{"event"},
	)
	c.claimsSwept = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_swept_total",
			Help:      "Claims handed back by the stale sweep (reclaimed) or found lost by this worker (lost).",
		},
		[]string{"result"},
	)
	c.eventsObserved = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_observed_total",
		Help:      "Runner events consumed from the event bus.",
	})

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snapshot != nil {
		reg.MustRegister(newSnapshotCollector(namespace, snapshot))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Observe folds one runner event into the counters. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case runner.EventJobFinished:
		ev, ok := e.Data.(runner.RunEvent)
		if !ok {
			return
		}
		c.jobsTotal.WithLabelValues(ev.JobType, ev.Outcome).Inc()
		c.jobDuration.WithLabelValues(ev.JobType).Observe(ev.Latency.Seconds())
	case runner.EventRunRetry:
		if ev, ok := e.Data.(runner.RunEvent); ok {
			c.retriesTotal.WithLabelValues(ev.Outcome).Inc()
		}
	case runner.EventRunRateLimited:
		if ev, ok := e.Data.(runner.RunEvent); ok {
			c.rateLimited.WithLabelValues(resourceLabel(ev.ResourceKey)).Inc()
		}
	case runner.EventRunCompleted:
		c.runsTotal.WithLabelValues("completed").Inc()
	case runner.EventRunFailed:
		c.runsTotal.WithLabelValues("failed").Inc()
	case runner.EventExperimentRegistered:
		c.experiments.WithLabelValues("registered").Inc()
	case runner.EventExperimentFinished:
		c.experiments.WithLabelValues("finished").Inc()
	case runner.EventClaimsReclaimed:
		ev, ok := e.Data.(runner.SweepEvent)
		if !ok {
			return
		}
		c.claimsSwept.WithLabelValues("reclaimed").Add(float64(ev.Reclaimed))
		c.claimsSwept.WithLabelValues("lost").Add(float64(ev.Lost))
	default:
		return
	}
	c.eventsObserved.Inc()
}

// Run consumes bus events until ctx is done. Events dropped by a slow
// subscriber are lost to the counters; snapshot gauges are unaffected.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	c.log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

func resourceLabel(k string) string {
	if k == "" {
		return "default"
	}
	return k
}
