// Package metrics exposes Prometheus metrics and health endpoints.
// Store-derived gauges (job, worker and artifact counts) are refreshed
// by a periodic Collector; counters and histograms are updated inline by
// the worker as jobs run.
package metrics
