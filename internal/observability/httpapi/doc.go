// Package httpapi serves the daemon's admin and observability endpoints:
// health, Prometheus metrics, the runner snapshot, experiment creation and
// run listing, plus optional pprof.
package httpapi
