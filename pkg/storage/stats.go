package storage

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

// GetQueueStats returns per-queue job counts. When name is non-empty only
// that queue is reported; an unknown name yields ErrNotFound.
func (s *BoltStore) GetQueueStats(name string) (map[string]*QueueStats, error) {
	stats := make(map[string]*QueueStats)
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketQueues).ForEach(func(_, v []byte) error {
			var q types.Queue
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if name != "" && q.Name != name {
				return nil
			}
			stats[q.Name] = &QueueStats{
				Name:          q.Name,
				Enabled:       q.Enabled,
				MaxConcurrent: q.MaxConcurrent,
			}
			return nil
		})
		if err != nil {
			return err
		}
		if name != "" && stats[name] == nil {
			return ErrNotFound
		}
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			st := stats[job.Queue]
			if st == nil {
				return nil
			}
			switch job.Status {
			case types.JobStatusPending, types.JobStatusRetrying:
				st.Pending++
			case types.JobStatusQueued, types.JobStatusRunning:
				st.Running++
			case types.JobStatusCompleted:
				st.Completed++
			case types.JobStatusFailed, types.JobStatusCancelled:
				st.Failed++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltStore) CountPrimaryJobs() (map[types.JobStatus]int, error) {
	counts := make(map[types.JobStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *BoltStore) CountAncillaryJobs() (map[types.AncillaryJobType]map[types.JobStatus]int, error) {
	counts := make(map[types.AncillaryJobType]map[types.JobStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if counts[job.Type] == nil {
				counts[job.Type] = make(map[types.JobStatus]int)
			}
			counts[job.Type][job.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *BoltStore) CountWorkers() (map[types.WorkerStatus]int, error) {
	counts := make(map[types.WorkerStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			counts[w.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// QueueDepths returns the number of claimable (pending) primary jobs per
// queue.
func (s *BoltStore) QueueDepths() (map[string]int, error) {
	depths := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketQueues).ForEach(func(k, _ []byte) error {
			depths[string(k)] = 0
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusPending {
				depths[job.Queue]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return depths, nil
}

// HostPortTotals returns overall host and port counts plus how many were
// first seen since the given instant.
func (s *BoltStore) HostPortTotals(since time.Time) (hosts, ports, recentHosts, recentPorts int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			hosts++
			if h.FirstSeen.After(since) {
				recentHosts++
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPorts).ForEach(func(_, v []byte) error {
			var p types.Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ports++
			if p.LastSeen != nil && p.LastSeen.After(since) {
				recentPorts++
			}
			return nil
		})
	})
	return
}

// RunningProgress returns progress percentages keyed by UUID for every
// running primary job.
func (s *BoltStore) RunningProgress() (map[string]int, error) {
	progress := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusRunning {
				progress[job.UUID] = job.Progress
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

// Cleanup deletes terminal jobs (primary and ancillary) whose
// completed_at is before the cutoff. With dryRun it only counts.
func (s *BoltStore) Cleanup(olderThan time.Time, dryRun bool) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var primaryKeys, ancillaryKeys []string
		err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
				primaryKeys = append(primaryKeys, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = tx.Bucket(bucketAncillary).ForEach(func(k, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
				ancillaryKeys = append(ancillaryKeys, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		count = len(primaryKeys) + len(ancillaryKeys)
		if dryRun {
			return nil
		}
		for _, k := range primaryKeys {
			if err := tx.Bucket(bucketJobs).Delete([]byte(k)); err != nil {
				return err
			}
		}
		for _, k := range ancillaryKeys {
			if err := tx.Bucket(bucketAncillary).Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
