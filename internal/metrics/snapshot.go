package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"experimentd/internal/runner"
)

// snapshotCollector exports runner gauges by reading a snapshot per scrape, so
// nothing has to keep gauges in sync with experiments coming and going.
type snapshotCollector struct {
	snapshot func() runner.Snapshot

	running    *prometheus.Desc
	target     *prometheus.Desc
	rawTarget  *prometheus.Desc
	inFlight   *prometheus.Desc
	queued     *prometheus.Desc
	heldRuns   *prometheus.Desc
	latency    *prometheus.Desc
	decreases  *prometheus.Desc
	collapses  *prometheus.Desc
	bucketRate *prometheus.Desc
	bucketTok  *prometheus.Desc
}

func newSnapshotCollector(namespace string, snapshot func() runner.Snapshot) *snapshotCollector {
	exp := []string{"experiment"}
	res := []string{"resource_key"}
	return &snapshotCollector{
		snapshot:   snapshot,
		running:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "runner", "running"), "1 while the runner admits jobs.", nil, nil),
		target:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "target_concurrency"), "Concurrency target of the experiment's controller.", exp, nil),
		rawTarget:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "raw_target"), "Unrounded controller target.", exp, nil),
		inFlight:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "in_flight"), "Jobs currently executing.", exp, nil),
		queued:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "queued"), "Jobs waiting for admission.", exp, nil),
		heldRuns:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "claimed_runs"), "Runs claimed by this worker.", exp, nil),
		latency:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "latency_ewma_seconds"), "Smoothed job latency.", exp, nil),
		decreases:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "target_decreases_total"), "Multiplicative decreases of the controller target.", exp, nil),
		collapses:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "experiment", "target_collapses_total"), "Collapses of the controller target to one.", exp, nil),
		bucketRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bucket", "rate"), "Token bucket rate in tokens per second.", res, nil),
		bucketTok:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "bucket", "tokens"), "Tokens currently available.", res, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.target, c.rawTarget, c.inFlight, c.queued, c.heldRuns,
		c.latency, c.decreases, c.collapses, c.bucketRate, c.bucketTok,
	} {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()

	running := 0.0
	if snap.Running && !snap.Stopping {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running)

	for _, e := range snap.Experiments {
		ctrl := e.Controller
		ch <- prometheus.MustNewConstMetric(c.target, prometheus.GaugeValue, float64(ctrl.Target), e.ID)
		ch <- prometheus.MustNewConstMetric(c.rawTarget, prometheus.GaugeValue, ctrl.RawTarget, e.ID)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(e.InFlight), e.ID)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(e.Queued), e.ID)
		ch <- prometheus.MustNewConstMetric(c.heldRuns, prometheus.GaugeValue, float64(e.Runs), e.ID)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, ctrl.LatencyEWMA.Seconds(), e.ID)
		ch <- prometheus.MustNewConstMetric(c.decreases, prometheus.CounterValue, float64(ctrl.Decreases), e.ID)
		ch <- prometheus.MustNewConstMetric(c.collapses, prometheus.CounterValue, float64(ctrl.Collapses), e.ID)
	}
	for key, b := range snap.Buckets {
		ch <- prometheus.MustNewConstMetric(c.bucketRate, prometheus.GaugeValue, b.Rate, key)
		ch <- prometheus.MustNewConstMetric(c.bucketTok, prometheus.GaugeValue, b.Tokens, key)
	}
}
