package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObservesByKind(t *testing.T) {
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_job_duration_seconds",
			Help:    "test",
			Buckets: []float64{.001, .01, .1, 1},
		},
		[]string{"kind"},
	)

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDurationVec(hist, "primary")

	NewTimer().ObserveDurationVec(hist, "ancillary")

	// One series per kind.
	assert.Equal(t, 2, testutil.CollectAndCount(hist))
	require.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerObservesPlainHistogram(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	timer.ObserveDuration(hist)

	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()

	time.Sleep(5 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(5 * time.Millisecond)
	second := timer.Duration()

	require.Greater(t, first, time.Duration(0))
	assert.Greater(t, second, first)
}
