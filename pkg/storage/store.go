package storage

import (
	"errors"
	"time"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing
	// unique key.
	ErrConflict = errors.New("already exists")
)

// GeoRefreshAge is how old a host's geolocation data may get before a
// re-discovery queues a fresh geolocation job.
const GeoRefreshAge = 7 * 24 * time.Hour

// Discovery is the result of recording one masscan discovery line: the
// upserted port, whether the host row was created by this observation,
// and the follow-up jobs enqueued in the same transaction.
type Discovery struct {
	Port        *types.Port
	HostCreated bool
	Enqueued    []*types.AncillaryJob
}

// QueueStats summarizes job counts for one queue.
type QueueStats struct {
	Name          string
	Enabled       bool
	MaxConcurrent int
	Pending       int
	Running       int
	Completed     int
	Failed        int
}

// SweepResult reports what a stale-lease sweep changed.
type SweepResult struct {
	StaleWorkers  int
	Reverted      int // leases rolled back to pending
	Exhausted     int // leases failed with exhausted retries
}

// Store defines the durable state shared by all workers. Every
// multi-row transition is atomic; claim methods never double-lease.
type Store interface {
	// Queues
	CreateQueue(q *types.Queue) error
	GetQueue(name string) (*types.Queue, error)
	ListQueues() ([]*types.Queue, error)
	UpdateQueue(q *types.Queue) error
	EnsureQueue(name string) (*types.Queue, error)

	// Primary jobs
	CreatePrimaryJob(job *types.PrimaryJob) error
	GetPrimaryJob(uuid string) (*types.PrimaryJob, error)
	UpdatePrimaryJob(job *types.PrimaryJob) error
	ListPrimaryJobs(status types.JobStatus, queue string, limit int) ([]*types.PrimaryJob, error)

	// Ancillary jobs
	CreateAncillaryJob(job *types.AncillaryJob) error
	GetAncillaryJob(uuid string) (*types.AncillaryJob, error)
	UpdateAncillaryJob(job *types.AncillaryJob) error
	ListAncillaryJobs(status types.JobStatus, jobType types.AncillaryJobType, limit int) ([]*types.AncillaryJob, error)

	// EnqueueAncillaryDedup inserts the job unless a non-terminal job of
	// the same type already exists for the same host (and port, for
	// port-level types). Returns true when the job was inserted.
	EnqueueAncillaryDedup(job *types.AncillaryJob) (bool, error)
	HasNonTerminalAncillary(jobType types.AncillaryJobType, hostIP string, portNumber int) (bool, error)

	// Claims
	ClaimPrimary(workerID string, supportedTypes []string, now time.Time) (*types.PrimaryJob, error)
	ClaimAncillaryBatch(workerID string, supportedTypes []string, n int, now time.Time) ([]*types.AncillaryJob, error)

	// Lifecycle transitions (single-row, timestamped)
	MarkPrimaryStarted(uuid string, now time.Time) error
	MarkPrimaryCompleted(uuid string, now time.Time) error
	MarkPrimaryFailed(uuid string, errMsg string, now time.Time) error
	MarkPrimaryCancelled(uuid string, now time.Time) error
	MarkAncillaryStarted(uuid string, now time.Time) error
	MarkAncillaryCompleted(uuid string, result map[string]any, now time.Time) error
	MarkAncillaryFailed(uuid string, errMsg string, now time.Time) error
	MarkAncillaryCancelled(uuid string, now time.Time) error

	// Workers
	SaveWorker(w *types.Worker) error
	GetWorker(workerID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	Heartbeat(workerID string, now time.Time) error

	// UpdateWorkerLoad records the worker's in-flight handler count and
	// flips its status between active and busy.
	UpdateWorkerLoad(workerID string, count int) error

	// FailWorkerLeases fails every queued/running job owned by the
	// worker with the given reason (used on worker shutdown).
	FailWorkerLeases(workerID, reason string, now time.Time) (int, error)

	// SweepStaleLeases marks workers with heartbeats older than the
	// threshold offline and reverts their in-flight jobs to pending,
	// consuming a retry for jobs that were running. Jobs out of retries
	// are failed instead.
	SweepStaleLeases(threshold time.Duration, now time.Time) (*SweepResult, error)

	// RequeueRetrying moves retrying jobs back to pending so they become
	// claimable again.
	RequeueRetrying() (int, error)

	// Scans
	CreateScan(s *types.Scan) error
	GetScan(uuid string) (*types.Scan, error)
	UpdateScan(s *types.Scan) error

	// Hosts and ports
	GetHost(ip string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(h *types.Host) error
	BumpHostGeoUpdated(ip string, now time.Time) error
	GetPort(key string) (*types.Port, error)
	ListPortsByHost(ip string) ([]*types.Port, error)
	SavePortBanner(portKey, banner string) error

	// UpsertPort atomically gets-or-creates the host, refreshes its
	// last_seen, and gets-or-creates the port, marking it open.
	UpsertPort(scanID, hostIP string, number int, proto string, now time.Time) (*types.Port, bool, error)

	// RecordDiscovery performs UpsertPort plus the follow-up fan-out in
	// one transaction (banner grab always; domain enum, ssl cert and
	// geolocation under the de-dup rules).
	RecordDiscovery(parentJob, scanID, hostIP string, number int, proto string, now time.Time) (*Discovery, error)

	// Domains and certificates
	UpsertDomain(d *types.Domain) (bool, error)
	ListDomainsByHost(ip string) ([]*types.Domain, error)
	UpsertCertificate(c *types.SSLCertificate) (bool, error)
	GetCertificate(fingerprint string) (*types.SSLCertificate, error)

	// Stats and maintenance
	GetQueueStats(name string) (map[string]*QueueStats, error)
	CountPrimaryJobs() (map[types.JobStatus]int, error)
	CountAncillaryJobs() (map[types.AncillaryJobType]map[types.JobStatus]int, error)
	CountWorkers() (map[types.WorkerStatus]int, error)
	QueueDepths() (map[string]int, error)
	HostPortTotals(since time.Time) (hosts, ports, recentHosts, recentPorts int, err error)
	RunningProgress() (map[string]int, error)
	Cleanup(olderThan time.Time, dryRun bool) (int, error)

	// Utility
	Close() error
}
