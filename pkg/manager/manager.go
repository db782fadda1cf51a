package manager

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

// ErrUsage marks errors caused by a bad request rather than an
// operational failure. Callers map it to a usage exit code.
var ErrUsage = errors.New("usage error")

// DefaultQueue is the queue jobs land in when none is given.
const DefaultQueue = "default"

// DefaultMaxRetries applies to jobs created through the control plane.
const DefaultMaxRetries = 3

var ipRangeRe = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){3})-(\d{1,3}(?:\.\d{1,3}){3})$`)

// Manager is the control plane: it creates, inspects and cancels jobs
// and reports on queues and workers. All state lives in the store.
type Manager struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a manager backed by the given store.
func New(store storage.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("manager"),
	}
}

// CreateJobRequest carries the parameters for a new primary job.
type CreateJobRequest struct {
	Type         string
	Target       string
	Ports        []int
	Queue        string
	Priority     int
	ScheduledFor string // RFC 3339, optional
	Options      types.ScanOptions
	User         string
}

// CreateJob validates the request, ensures the target queue exists and
// inserts a pending job. Validation failures wrap ErrUsage and persist
// nothing.
func (m *Manager) CreateJob(req CreateJobRequest) (*types.PrimaryJob, error) {
	jobType := types.PrimaryJobType(req.Type)
	switch jobType {
	case types.PrimaryTypeMasscan, types.PrimaryTypeNmap, types.PrimaryTypeCustom:
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrUsage, req.Type)
	}

	if err := validateTarget(req.Target); err != nil {
		return nil, err
	}

	for _, p := range req.Ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrUsage, p)
		}
	}

	var scheduledFor *time.Time
	if req.ScheduledFor != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			return nil, fmt.Errorf("%w: bad schedule %q: expected RFC 3339", ErrUsage, req.ScheduledFor)
		}
		utc := t.UTC()
		scheduledFor = &utc
	}

	queue := req.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	if _, err := m.store.EnsureQueue(queue); err != nil {
		return nil, fmt.Errorf("failed to ensure queue %s: %w", queue, err)
	}

	job := &types.PrimaryJob{
		UUID:         uuid.NewString(),
		Type:         jobType,
		Status:       types.JobStatusPending,
		Priority:     req.Priority,
		Target:       req.Target,
		Ports:        req.Ports,
		Options:      req.Options,
		Queue:        queue,
		CreatedAt:    time.Now().UTC(),
		ScheduledFor: scheduledFor,
		MaxRetries:   DefaultMaxRetries,
		User:         req.User,
	}
	if err := m.store.CreatePrimaryJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info().
		Str("uuid", job.UUID).
		Str("type", string(job.Type)).
		Str("target", job.Target).
		Str("queue", job.Queue).
		Msg("Job created")
	return job, nil
}

// validateTarget accepts an IPv4/IPv6 address, a CIDR block or a
// dashed IPv4 range, the target forms the scanner understands.
func validateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: target is required", ErrUsage)
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(target); err == nil {
		return nil
	}
	if m := ipRangeRe.FindStringSubmatch(target); m != nil {
		if net.ParseIP(m[1]) != nil && net.ParseIP(m[2]) != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid target %q: expected IP, CIDR or IP range", ErrUsage, target)
}

// GetJob returns the primary job with the given UUID.
func (m *Manager) GetJob(jobUUID string) (*types.PrimaryJob, error) {
	return m.store.GetPrimaryJob(jobUUID)
}

// GetAncillaryJob returns the ancillary job with the given UUID.
func (m *Manager) GetAncillaryJob(jobUUID string) (*types.AncillaryJob, error) {
	return m.store.GetAncillaryJob(jobUUID)
}

// CancelJob cancels the job with the given UUID, looking at primary jobs
// first and ancillary jobs second. It returns false when the job is
// already terminal. Running handlers notice the cancellation at their
// next store checkpoint.
func (m *Manager) CancelJob(jobUUID string) (bool, error) {
	now := time.Now().UTC()

	err := m.store.MarkPrimaryCancelled(jobUUID, now)
	if err == nil {
		m.logger.Info().Str("uuid", jobUUID).Msg("Job cancelled")
		return true, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	err = m.store.MarkAncillaryCancelled(jobUUID, now)
	if err == nil {
		m.logger.Info().Str("uuid", jobUUID).Msg("Ancillary job cancelled")
		return true, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	return false, err
}

// ListJobs returns primary jobs filtered by status and queue, newest
// first. Empty filters match everything; limit 0 means no limit.
func (m *Manager) ListJobs(status, queue string, limit int) ([]*types.PrimaryJob, error) {
	if status != "" && !validStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrUsage, status)
	}
	return m.store.ListPrimaryJobs(types.JobStatus(status), queue, limit)
}

func validStatus(s string) bool {
	switch types.JobStatus(s) {
	case types.JobStatusPending, types.JobStatusQueued, types.JobStatusRunning,
		types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled,
		types.JobStatusRetrying:
		return true
	}
	return false
}

// QueueStats returns per-queue counters; name "" covers all queues.
func (m *Manager) QueueStats(name string) (map[string]*storage.QueueStats, error) {
	return m.store.GetQueueStats(name)
}

// ListWorkers returns every registered worker.
func (m *Manager) ListWorkers() ([]*types.Worker, error) {
	return m.store.ListWorkers()
}

// Cleanup removes terminal jobs older than the given number of days and
// returns how many were (or would be, with dryRun) removed.
func (m *Manager) Cleanup(days int, dryRun bool) (int, error) {
	if days < 1 {
		return 0, fmt.Errorf("%w: days must be at least 1", ErrUsage)
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := m.store.Cleanup(cutoff, dryRun)
	if err != nil {
		return 0, err
	}
	if !dryRun && n > 0 {
		m.logger.Info().Int("removed", n).Int("days", days).Msg("Cleaned up old jobs")
	}
	return n, nil
}

// ParsePorts parses a comma-separated port list.
func ParsePorts(spec string) ([]int, error) {
	if spec == "" {
		return nil, nil
	}
	var ports []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrUsage, part)
		}
		ports = append(ports, p)
	}
	return ports, nil
}
