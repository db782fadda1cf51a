package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/banner"
	"github.com/icarostangent/Fauxdan/pkg/domains"
	"github.com/icarostangent/Fauxdan/pkg/geo"
	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/pipeline"
	"github.com/icarostangent/Fauxdan/pkg/scheduler"
	"github.com/icarostangent/Fauxdan/pkg/sslcert"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

const (
	// DefaultHeartbeatInterval is how often the worker refreshes its
	// heartbeat row.
	DefaultHeartbeatInterval = 30 * time.Second

	// heartbeatRetryInterval applies after a failed heartbeat write so
	// a transiently locked store does not cost a full interval.
	heartbeatRetryInterval = 10 * time.Second

	// DefaultDispatchInterval is the claim-poll tick.
	DefaultDispatchInterval = time.Second

	// DefaultDrainTimeout bounds how long Stop waits for in-flight
	// handlers before aborting them.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultMaxConcurrent is the handler slot count.
	DefaultMaxConcurrent = 1
)

// DefaultJobTypes returns the job types a worker advertises when none
// are configured.
func DefaultJobTypes() []string {
	return []string{
		string(types.PrimaryTypeMasscan),
		string(types.AncillaryTypeBannerGrab),
		string(types.AncillaryTypeSSLCert),
		string(types.AncillaryTypeDomainEnum),
		string(types.AncillaryTypeGeolocation),
	}
}

// Config controls a worker process.
type Config struct {
	WorkerID          string
	SupportedTypes    []string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	DispatchInterval  time.Duration
	DrainTimeout      time.Duration
	Version           string
}

// Worker leases jobs from the store and executes them in a bounded
// number of handler slots. Heartbeats run independently of handlers so
// a slow scan never makes the worker look dead.
type Worker struct {
	store  storage.Store
	sched  *scheduler.Scheduler
	runner *pipeline.Runner

	banners *banner.Grabber
	certs   *sslcert.Grabber
	enum    *domains.Enumerator
	geo     *geo.Service

	cfg      Config
	identity *types.Worker
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	mu       sync.Mutex
	inFlight int

	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup
}

// New creates a worker. Zero config fields get defaults; the worker ID
// defaults to "<hostname>-<random8>".
func New(store storage.Store, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if len(cfg.SupportedTypes) == 0 {
		cfg.SupportedTypes = DefaultJobTypes()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:   store,
		sched:   scheduler.New(store, scheduler.Config{}),
		runner:  pipeline.NewRunner(store),
		banners: banner.NewGrabber(),
		certs:   sslcert.NewGrabber(),
		enum:    domains.NewEnumerator(),
		geo:     geo.NewService(),
		cfg:     cfg,
		logger:  log.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Start registers the worker and launches the heartbeat and dispatch
// loops.
func (w *Worker) Start() error {
	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	w.identity = &types.Worker{
		WorkerID:       w.cfg.WorkerID,
		Status:         types.WorkerStatusActive,
		Hostname:       hostname,
		PID:            os.Getpid(),
		SupportedTypes: w.cfg.SupportedTypes,
		MaxConcurrent:  w.cfg.MaxConcurrent,
		LastHeartbeat:  now,
		Version:        w.cfg.Version,
		CreatedAt:      now,
	}
	if err := w.store.SaveWorker(w.identity); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	w.loopWg.Add(2)
	go w.heartbeatLoop()
	go w.dispatchLoop()

	w.logger.Info().
		Strs("job_types", w.cfg.SupportedTypes).
		Int("max_concurrent", w.cfg.MaxConcurrent).
		Msg("Worker started")
	return nil
}

// Stop drains the worker: dispatching stops immediately, in-flight
// handlers get DrainTimeout to finish, then are aborted. Whatever is
// still leased afterwards is terminally failed with "Worker shutdown"
// and the worker row goes offline.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		w.jobWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn().Msg("Drain timeout reached, aborting in-flight handlers")
		w.cancel()
		<-done
	}
	w.cancel()

	now := time.Now().UTC()
	if n, err := w.store.FailWorkerLeases(w.cfg.WorkerID, "Worker shutdown", now); err != nil {
		w.logger.Error().Err(err).Msg("Failed to release leases")
	} else if n > 0 {
		w.logger.Warn().Int("jobs", n).Msg("Failed undrained jobs on shutdown")
	}

	w.identity.Status = types.WorkerStatusOffline
	w.identity.CurrentCount = 0
	w.identity.LastHeartbeat = now
	if err := w.store.SaveWorker(w.identity); err != nil {
		w.logger.Error().Err(err).Msg("Failed to mark worker offline")
	}
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.loopWg.Done()
	timer := time.NewTimer(w.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := w.store.Heartbeat(w.cfg.WorkerID, time.Now().UTC()); err != nil {
				w.logger.Error().Err(err).Msg("Heartbeat failed")
				timer.Reset(heartbeatRetryInterval)
			} else {
				timer.Reset(w.cfg.HeartbeatInterval)
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) dispatchLoop() {
	defer w.loopWg.Done()
	ticker := time.NewTicker(w.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.dispatch()
		case <-w.stopCh:
			return
		}
	}
}

// dispatch claims up to the number of free slots and spawns a handler
// per claimed job.
func (w *Worker) dispatch() {
	w.mu.Lock()
	free := w.cfg.MaxConcurrent - w.inFlight
	w.mu.Unlock()
	if free <= 0 {
		return
	}

	asg, err := w.sched.Next(w.identity, free, time.Now().UTC())
	if err != nil {
		w.logger.Error().Err(err).Msg("Claim failed")
		return
	}
	if asg.Empty() {
		return
	}

	if asg.Primary != nil {
		job := asg.Primary
		w.spawn(func() { w.handlePrimary(job) })
	}
	for _, job := range asg.Ancillary {
		job := job
		w.spawn(func() { w.handleAncillary(job) })
	}
}

func (w *Worker) spawn(fn func()) {
	w.jobWg.Add(1)
	w.trackLoad(1)

	go func() {
		defer func() {
			w.trackLoad(-1)
			w.jobWg.Done()
		}()
		fn()
	}()
}

// trackLoad keeps the in-memory slot count and the stored worker row in
// step, so observers see the live load and the busy/active flip. The
// store write happens under the mutex to keep updates ordered.
func (w *Worker) trackLoad(delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight += delta
	if err := w.store.UpdateWorkerLoad(w.cfg.WorkerID, w.inFlight); err != nil {
		w.logger.Error().Err(err).Msg("Failed to update worker load")
	}
}
