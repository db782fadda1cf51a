package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/storage"
)

// DefaultCollectInterval is how often gauges are refreshed from the
// store.
const DefaultCollectInterval = 15 * time.Second

// Collector periodically refreshes the store-derived gauges and serves
// the metrics and health endpoints.
type Collector struct {
	store    storage.Store
	interval time.Duration
	logger   zerolog.Logger

	server *http.Server
	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewCollector creates a collector that refreshes at the given interval
// (DefaultCollectInterval when zero).
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the refresh loop and, when addr is non-empty, an HTTP
// server exposing /metrics, /health, /ready and /live.
func (c *Collector) Start(addr string) {
	c.doneWg.Add(1)
	go c.loop()

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		mux.HandleFunc("/health", HealthHandler())
		mux.HandleFunc("/ready", ReadyHandler())
		mux.HandleFunc("/live", LivenessHandler())
		c.server = &http.Server{Addr: addr, Handler: mux}

		c.doneWg.Add(1)
		go func() {
			defer c.doneWg.Done()
			c.logger.Info().Str("addr", addr).Msg("Metrics server listening")
			if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}
}

// Stop shuts the collector down.
func (c *Collector) Stop() {
	close(c.stopCh)
	if c.server != nil {
		c.server.Close()
	}
	c.doneWg.Wait()
}

func (c *Collector) loop() {
	defer c.doneWg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			return
		}
	}
}

// Collect refreshes every store-derived gauge once.
func (c *Collector) Collect() {
	if counts, err := c.store.CountPrimaryJobs(); err == nil {
		JobsByStatus.Reset()
		for status, n := range counts {
			JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	} else {
		c.logger.Error().Err(err).Msg("Failed to count primary jobs")
	}

	if counts, err := c.store.CountAncillaryJobs(); err == nil {
		AncillaryJobsByStatus.Reset()
		for jobType, byStatus := range counts {
			for status, n := range byStatus {
				AncillaryJobsByStatus.WithLabelValues(string(jobType), string(status)).Set(float64(n))
			}
		}
	} else {
		c.logger.Error().Err(err).Msg("Failed to count ancillary jobs")
	}

	if counts, err := c.store.CountWorkers(); err == nil {
		WorkersByStatus.Reset()
		for status, n := range counts {
			WorkersByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	} else {
		c.logger.Error().Err(err).Msg("Failed to count workers")
	}

	if depths, err := c.store.QueueDepths(); err == nil {
		QueueDepth.Reset()
		for queue, n := range depths {
			QueueDepth.WithLabelValues(queue).Set(float64(n))
		}
	} else {
		c.logger.Error().Err(err).Msg("Failed to read queue depths")
	}

	since := time.Now().UTC().Add(-1 * time.Hour)
	if hosts, ports, recentHosts, recentPorts, err := c.store.HostPortTotals(since); err == nil {
		HostsTotal.Set(float64(hosts))
		PortsTotal.Set(float64(ports))
		HostsRecent.Set(float64(recentHosts))
		PortsRecent.Set(float64(recentPorts))
	} else {
		c.logger.Error().Err(err).Msg("Failed to read host and port totals")
	}

	if progress, err := c.store.RunningProgress(); err == nil {
		ScanProgress.Reset()
		for uuid, pct := range progress {
			ScanProgress.WithLabelValues(uuid).Set(float64(pct))
		}
	} else {
		c.logger.Error().Err(err).Msg("Failed to read scan progress")
	}
}
