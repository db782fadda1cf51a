package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

// ancillaryClaimOrder is the type preference for batch claims. Types not
// listed are claimed after these, in priority order.
var ancillaryClaimOrder = []types.AncillaryJobType{
	types.AncillaryTypeSSLCert,
	types.AncillaryTypeBannerGrab,
	types.AncillaryTypeDomainEnum,
}

func supported(set []string, t string) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// ClaimPrimary atomically leases the best eligible primary job to the
// worker, or returns (nil, nil) when nothing is claimable. A job is
// eligible when it is pending, not scheduled for the future, its type is
// supported, its queue is enabled, and the queue's in-flight count is
// below its concurrency cap. Candidates are ordered by queue priority,
// then job priority, then age.
func (s *BoltStore) ClaimPrimary(workerID string, supportedTypes []string, now time.Time) (*types.PrimaryJob, error) {
	var claimed *types.PrimaryJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		queues := make(map[string]*types.Queue)
		err := tx.Bucket(bucketQueues).ForEach(func(_, v []byte) error {
			var q types.Queue
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			queues[q.Name] = &q
			return nil
		})
		if err != nil {
			return err
		}

		inFlight := make(map[string]int)
		var candidates []*types.PrimaryJob
		err = tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status.InFlight() {
				inFlight[job.Queue]++
				return nil
			}
			if !job.Eligible(now) || !supported(supportedTypes, string(job.Type)) {
				return nil
			}
			candidates = append(candidates, &job)
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			qa, qb := queues[a.Queue], queues[b.Queue]
			pa, pb := 0, 0
			if qa != nil {
				pa = qa.Priority
			}
			if qb != nil {
				pb = qb.Priority
			}
			if pa != pb {
				return pa > pb
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})

		for _, job := range candidates {
			q := queues[job.Queue]
			if q == nil || !q.Enabled {
				continue
			}
			if inFlight[job.Queue] >= q.MaxConcurrent {
				continue
			}
			job.Status = types.JobStatusQueued
			job.AssignedWorker = workerID
			if err := putJSON(tx, bucketJobs, job.UUID, job); err != nil {
				return err
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimAncillaryBatch atomically leases up to n pending ancillary jobs of
// the supported types. SSL cert retrievals, banner grabs and domain
// enumerations are claimed ahead of other types; within a type, higher
// priority and older jobs win.
func (s *BoltStore) ClaimAncillaryBatch(workerID string, supportedTypes []string, n int, now time.Time) ([]*types.AncillaryJob, error) {
	if n <= 0 {
		return nil, nil
	}
	var claimed []*types.AncillaryJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		byType := make(map[types.AncillaryJobType][]*types.AncillaryJob)
		err := tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status != types.JobStatusPending || !supported(supportedTypes, string(job.Type)) {
				return nil
			}
			byType[job.Type] = append(byType[job.Type], &job)
			return nil
		})
		if err != nil {
			return err
		}

		order := make([]types.AncillaryJobType, 0, len(byType))
		order = append(order, ancillaryClaimOrder...)
		var rest []types.AncillaryJobType
		for t := range byType {
			preferred := false
			for _, p := range ancillaryClaimOrder {
				if t == p {
					preferred = true
					break
				}
			}
			if !preferred {
				rest = append(rest, t)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
		order = append(order, rest...)

		for _, t := range order {
			jobs := byType[t]
			sort.Slice(jobs, func(i, j int) bool {
				if jobs[i].Priority != jobs[j].Priority {
					return jobs[i].Priority > jobs[j].Priority
				}
				return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
			})
			for _, job := range jobs {
				if len(claimed) >= n {
					return nil
				}
				job.Status = types.JobStatusQueued
				job.AssignedWorker = workerID
				if err := putJSON(tx, bucketAncillary, job.UUID, job); err != nil {
					return err
				}
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Primary job transitions

func (s *BoltStore) MarkPrimaryStarted(uuid string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.PrimaryJob
		if err := getJSON(tx, bucketJobs, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusRunning
		job.StartedAt = &now
		return putJSON(tx, bucketJobs, uuid, &job)
	})
}

func (s *BoltStore) MarkPrimaryCompleted(uuid string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.PrimaryJob
		if err := getJSON(tx, bucketJobs, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusCompleted
		job.CompletedAt = &now
		job.Progress = 100
		return putJSON(tx, bucketJobs, uuid, &job)
	})
}

// MarkPrimaryFailed records a failure. Jobs with retries left move to
// retrying with the count bumped; the sweeper requeues them to pending.
// Exhausted jobs fail terminally.
func (s *BoltStore) MarkPrimaryFailed(uuid string, errMsg string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.PrimaryJob
		if err := getJSON(tx, bucketJobs, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Error = errMsg
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = types.JobStatusRetrying
			job.AssignedWorker = ""
			job.StartedAt = nil
		} else {
			job.Status = types.JobStatusFailed
			job.CompletedAt = &now
		}
		return putJSON(tx, bucketJobs, uuid, &job)
	})
}

func (s *BoltStore) MarkPrimaryCancelled(uuid string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.PrimaryJob
		if err := getJSON(tx, bucketJobs, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusCancelled
		job.CompletedAt = &now
		return putJSON(tx, bucketJobs, uuid, &job)
	})
}

// Ancillary job transitions

func (s *BoltStore) MarkAncillaryStarted(uuid string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.AncillaryJob
		if err := getJSON(tx, bucketAncillary, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusRunning
		job.StartedAt = &now
		return putJSON(tx, bucketAncillary, uuid, &job)
	})
}

func (s *BoltStore) MarkAncillaryCompleted(uuid string, result map[string]any, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.AncillaryJob
		if err := getJSON(tx, bucketAncillary, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusCompleted
		job.Result = result
		job.CompletedAt = &now
		return putJSON(tx, bucketAncillary, uuid, &job)
	})
}

func (s *BoltStore) MarkAncillaryFailed(uuid string, errMsg string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.AncillaryJob
		if err := getJSON(tx, bucketAncillary, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Error = errMsg
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = types.JobStatusRetrying
			job.AssignedWorker = ""
			job.StartedAt = nil
		} else {
			job.Status = types.JobStatusFailed
			job.CompletedAt = &now
		}
		return putJSON(tx, bucketAncillary, uuid, &job)
	})
}

func (s *BoltStore) MarkAncillaryCancelled(uuid string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.AncillaryJob
		if err := getJSON(tx, bucketAncillary, uuid, &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrConflict
		}
		job.Status = types.JobStatusCancelled
		job.CompletedAt = &now
		return putJSON(tx, bucketAncillary, uuid, &job)
	})
}

// FailWorkerLeases terminally fails every queued or running job assigned
// to the worker. Used during shutdown drain; these jobs never retry
// because the worker deliberately gave them up.
func (s *BoltStore) FailWorkerLeases(workerID, reason string, now time.Time) (int, error) {
	failed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := failLeasesTx(tx, bucketJobs, workerID, reason, now, &failed); err != nil {
			return err
		}
		return failLeasesTx(tx, bucketAncillary, workerID, reason, now, &failed)
	})
	if err != nil {
		return 0, err
	}
	return failed, nil
}

func failLeasesTx(tx *bolt.Tx, bucket []byte, workerID, reason string, now time.Time, failed *int) error {
	type row struct {
		key  string
		data []byte
	}
	var updates []row

	if string(bucket) == string(bucketJobs) {
		err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.AssignedWorker != workerID || !job.Status.InFlight() {
				return nil
			}
			job.Status = types.JobStatusFailed
			job.Error = reason
			job.CompletedAt = &now
			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			updates = append(updates, row{string(k), data})
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.AssignedWorker != workerID || !job.Status.InFlight() {
				return nil
			}
			job.Status = types.JobStatusFailed
			job.Error = reason
			job.CompletedAt = &now
			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			updates = append(updates, row{string(k), data})
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, u := range updates {
		if err := tx.Bucket(bucket).Put([]byte(u.key), u.data); err != nil {
			return err
		}
		*failed++
	}
	return nil
}

// RequeueRetrying moves retrying jobs (primary and ancillary) back to
// pending so they become claimable again. The sweeper calls this every
// pass, which spaces retries by roughly one sweep interval.
func (s *BoltStore) RequeueRetrying() (int, error) {
	requeued := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var primaries []*types.PrimaryJob
		err := tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusRetrying {
				primaries = append(primaries, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range primaries {
			job.Status = types.JobStatusPending
			if err := putJSON(tx, bucketJobs, job.UUID, job); err != nil {
				return err
			}
			requeued++
		}

		var ancillaries []*types.AncillaryJob
		err = tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusRetrying {
				ancillaries = append(ancillaries, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range ancillaries {
			job.Status = types.JobStatusPending
			if err := putJSON(tx, bucketAncillary, job.UUID, job); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// SweepStaleLeases finds workers whose heartbeat is older than the
// threshold, marks them offline, and releases their leases. A job that
// was running consumes a retry when it goes back to pending; a job that
// was merely queued does not. Jobs out of retries fail terminally.
func (s *BoltStore) SweepStaleLeases(threshold time.Duration, now time.Time) (*SweepResult, error) {
	res := &SweepResult{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		stale := make(map[string]bool)
		var offline []*types.Worker
		err := tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Status == types.WorkerStatusOffline || !w.IsStale(threshold, now) {
				return nil
			}
			stale[w.WorkerID] = true
			w.Status = types.WorkerStatusOffline
			w.CurrentCount = 0
			offline = append(offline, &w)
			return nil
		})
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		res.StaleWorkers = len(stale)
		for _, w := range offline {
			if err := putJSON(tx, bucketWorkers, w.WorkerID, w); err != nil {
				return err
			}
		}

		var primaries []*types.PrimaryJob
		err = tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if stale[job.AssignedWorker] && job.Status.InFlight() {
				primaries = append(primaries, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range primaries {
			worker := job.AssignedWorker
			wasRunning := job.Status == types.JobStatusRunning
			if wasRunning && job.RetryCount >= job.MaxRetries {
				job.Status = types.JobStatusFailed
				job.Error = fmt.Sprintf("worker %s went stale; exhausted retries", worker)
				job.CompletedAt = &now
				res.Exhausted++
			} else {
				if wasRunning {
					job.RetryCount++
				}
				job.Status = types.JobStatusPending
				job.AssignedWorker = ""
				job.StartedAt = nil
				res.Reverted++
			}
			if err := putJSON(tx, bucketJobs, job.UUID, job); err != nil {
				return err
			}
		}

		var ancillaries []*types.AncillaryJob
		err = tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if stale[job.AssignedWorker] && job.Status.InFlight() {
				ancillaries = append(ancillaries, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range ancillaries {
			worker := job.AssignedWorker
			wasRunning := job.Status == types.JobStatusRunning
			if wasRunning && job.RetryCount >= job.MaxRetries {
				job.Status = types.JobStatusFailed
				job.Error = fmt.Sprintf("worker %s went stale; exhausted retries", worker)
				job.CompletedAt = &now
				res.Exhausted++
			} else {
				if wasRunning {
					job.RetryCount++
				}
				job.Status = types.JobStatusPending
				job.AssignedWorker = ""
				job.StartedAt = nil
				res.Reverted++
			}
			if err := putJSON(tx, bucketAncillary, job.UUID, job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
