// Package metrics exports the runner's Prometheus metrics.
//
// Counters are fed from runner events on the event bus; per-experiment and
// per-bucket gauges are read from a runner snapshot at scrape time. The
// collector owns its registry, so several can coexist in one process.
package metrics
