package sweeper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/storage"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 30 * time.Second

	// DefaultStaleThreshold is how old a worker heartbeat may be before
	// its leases are reclaimed. Three missed 30s heartbeats.
	DefaultStaleThreshold = 90 * time.Second
)

// Config holds sweeper tuning knobs.
type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Sweeper periodically reclaims jobs leased to crashed workers. Any
// worker process can run one; the store makes concurrent sweeps safe.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	stale    time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// New creates a sweeper backed by the given store.
func New(store storage.Store, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	return &Sweeper{
		store:    store,
		interval: cfg.Interval,
		stale:    cfg.StaleThreshold,
		logger:   log.WithComponent("sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.doneWg.Add(1)
	go s.loop()
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_threshold", s.stale).
		Msg("Sweeper started")
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.doneWg.Wait()
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.doneWg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(time.Now().UTC())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce runs one sweep pass and logs what it changed. Besides
// reclaiming stale leases it requeues retrying jobs, so a failed job
// waits out roughly one sweep interval before its next attempt.
func (s *Sweeper) SweepOnce(now time.Time) *storage.SweepResult {
	res, err := s.store.SweepStaleLeases(s.stale, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed")
		return nil
	}
	if res.StaleWorkers > 0 {
		s.logger.Warn().
			Int("stale_workers", res.StaleWorkers).
			Int("reverted", res.Reverted).
			Int("exhausted", res.Exhausted).
			Msg("Reclaimed leases from stale workers")
	}

	if n, err := s.store.RequeueRetrying(); err != nil {
		s.logger.Error().Err(err).Msg("Requeue failed")
	} else if n > 0 {
		s.logger.Info().Int("jobs", n).Msg("Requeued retrying jobs")
	}
	return res
}
