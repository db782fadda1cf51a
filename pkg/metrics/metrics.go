package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges refreshed by the Collector from store state.
var (
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fauxdan_jobs",
			Help: "Primary jobs by status",
		},
		[]string{"status"},
	)

	AncillaryJobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fauxdan_ancillary_jobs",
			Help: "Ancillary jobs by type and status",
		},
		[]string{"type", "status"},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fauxdan_workers",
			Help: "Registered workers by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fauxdan_queue_depth",
			Help: "Claimable primary jobs per queue",
		},
		[]string{"queue"},
	)

	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fauxdan_hosts_total",
			Help: "Hosts discovered so far",
		},
	)

	PortsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fauxdan_ports_total",
			Help: "Open ports discovered so far",
		},
	)

	HostsRecent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fauxdan_hosts_recent",
			Help: "Hosts first seen in the last hour",
		},
	)

	PortsRecent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fauxdan_ports_recent",
			Help: "Ports seen in the last hour",
		},
	)

	ScanProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fauxdan_scan_progress",
			Help: "Progress percentage of running scans",
		},
		[]string{"job_uuid"},
	)
)

// Counters and histograms updated inline by workers.
var (
	DiscoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fauxdan_discoveries_total",
			Help: "Open-port discovery lines processed",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fauxdan_jobs_completed_total",
			Help: "Jobs finished, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fauxdan_job_duration_seconds",
			Help:    "Wall-clock job execution time by kind",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	GeoLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fauxdan_geo_lookups_total",
			Help: "Geolocation lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsByStatus,
		AncillaryJobsByStatus,
		WorkersByStatus,
		QueueDepth,
		HostsTotal,
		PortsTotal,
		HostsRecent,
		PortsRecent,
		ScanProgress,
		DiscoveriesTotal,
		JobsCompletedTotal,
		JobDuration,
		GeoLookupsTotal,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time with labels.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
