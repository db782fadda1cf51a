package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

var (
	bucketQueues       = []byte("queues")
	bucketJobs         = []byte("jobs")
	bucketAncillary    = []byte("ancillary")
	bucketWorkers      = []byte("workers")
	bucketScans        = []byte("scans")
	bucketHosts        = []byte("hosts")
	bucketPorts        = []byte("ports")
	bucketDomains      = []byte("domains")
	bucketCertificates = []byte("certificates")
)

// BoltStore implements Store on top of BoltDB. BoltDB serializes write
// transactions, which gives the claim methods their no-double-lease
// guarantee without row locks.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database at path and
// ensures all buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketQueues, bucketJobs, bucketAncillary, bucketWorkers,
			bucketScans, bucketHosts, bucketPorts, bucketDomains,
			bucketCertificates,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Queues

func (s *BoltStore) CreateQueue(q *types.Queue) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketQueues).Get([]byte(q.Name)) != nil {
			return ErrConflict
		}
		return putJSON(tx, bucketQueues, q.Name, q)
	})
}

func (s *BoltStore) GetQueue(name string) (*types.Queue, error) {
	var q types.Queue
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketQueues, name, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListQueues() ([]*types.Queue, error) {
	var queues []*types.Queue
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueues).ForEach(func(_, v []byte) error {
			var q types.Queue
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			queues = append(queues, &q)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

func (s *BoltStore) UpdateQueue(q *types.Queue) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketQueues).Get([]byte(q.Name)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketQueues, q.Name, q)
	})
}

// EnsureQueue returns the named queue, creating it with defaults
// (max_concurrent 5, priority 0, enabled) when it does not exist yet.
func (s *BoltStore) EnsureQueue(name string) (*types.Queue, error) {
	var q types.Queue
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketQueues, name, &q); err == nil {
			return nil
		} else if err != ErrNotFound {
			return err
		}
		q = types.Queue{
			Name:          name,
			MaxConcurrent: 5,
			Priority:      0,
			Enabled:       true,
			CreatedAt:     time.Now().UTC(),
		}
		return putJSON(tx, bucketQueues, name, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Primary jobs

func (s *BoltStore) CreatePrimaryJob(job *types.PrimaryJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(job.UUID)) != nil {
			return ErrConflict
		}
		return putJSON(tx, bucketJobs, job.UUID, job)
	})
}

func (s *BoltStore) GetPrimaryJob(uuid string) (*types.PrimaryJob, error) {
	var job types.PrimaryJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketJobs, uuid, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdatePrimaryJob(job *types.PrimaryJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(job.UUID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketJobs, job.UUID, job)
	})
}

// ListPrimaryJobs returns jobs filtered by status and queue (either may
// be empty for "any"), newest first, capped at limit when limit > 0.
func (s *BoltStore) ListPrimaryJobs(status types.JobStatus, queue string, limit int) ([]*types.PrimaryJob, error) {
	var jobs []*types.PrimaryJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.PrimaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if status != "" && job.Status != status {
				return nil
			}
			if queue != "" && job.Queue != queue {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Ancillary jobs

func (s *BoltStore) CreateAncillaryJob(job *types.AncillaryJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAncillary).Get([]byte(job.UUID)) != nil {
			return ErrConflict
		}
		return putJSON(tx, bucketAncillary, job.UUID, job)
	})
}

func (s *BoltStore) GetAncillaryJob(uuid string) (*types.AncillaryJob, error) {
	var job types.AncillaryJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAncillary, uuid, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateAncillaryJob(job *types.AncillaryJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAncillary).Get([]byte(job.UUID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketAncillary, job.UUID, job)
	})
}

func (s *BoltStore) ListAncillaryJobs(status types.JobStatus, jobType types.AncillaryJobType, limit int) ([]*types.AncillaryJob, error) {
	var jobs []*types.AncillaryJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
			var job types.AncillaryJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if status != "" && job.Status != status {
				return nil
			}
			if jobType != "" && job.Type != jobType {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Workers

func (s *BoltStore) SaveWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWorkers, w.WorkerID, w)
	})
}

func (s *BoltStore) GetWorker(workerID string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketWorkers, workerID, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	return workers, nil
}

// UpdateWorkerLoad records the worker's in-flight handler count and
// flips its status between active and busy. Offline workers are left
// alone so a late handler exit cannot revive a stopped worker.
func (s *BoltStore) UpdateWorkerLoad(workerID string, count int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var w types.Worker
		if err := getJSON(tx, bucketWorkers, workerID, &w); err != nil {
			return err
		}
		if w.Status == types.WorkerStatusOffline {
			return nil
		}
		w.CurrentCount = count
		if w.MaxConcurrent > 0 && count >= w.MaxConcurrent {
			w.Status = types.WorkerStatusBusy
		} else {
			w.Status = types.WorkerStatusActive
		}
		return putJSON(tx, bucketWorkers, workerID, &w)
	})
}

// Heartbeat refreshes the worker's last_heartbeat and revives it from
// offline if the sweeper marked it stale while it was merely slow.
func (s *BoltStore) Heartbeat(workerID string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var w types.Worker
		if err := getJSON(tx, bucketWorkers, workerID, &w); err != nil {
			return err
		}
		w.LastHeartbeat = now
		if w.Status == types.WorkerStatusOffline {
			w.Status = types.WorkerStatusActive
		}
		return putJSON(tx, bucketWorkers, workerID, &w)
	})
}

// Scans

func (s *BoltStore) CreateScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketScans).Get([]byte(scan.UUID)) != nil {
			return ErrConflict
		}
		return putJSON(tx, bucketScans, scan.UUID, scan)
	})
}

func (s *BoltStore) GetScan(uuid string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketScans, uuid, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *BoltStore) UpdateScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketScans).Get([]byte(scan.UUID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketScans, scan.UUID, scan)
	})
}

// Hosts and ports

func (s *BoltStore) GetHost(ip string) (*types.Host, error) {
	var h types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketHosts, ip, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			hosts = append(hosts, &h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hosts, nil
}

func (s *BoltStore) UpdateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(h.IP)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketHosts, h.IP, h)
	})
}

// BumpHostGeoUpdated stamps geo_updated without touching the location
// fields. Used after failed lookups so the host is not retried on every
// subsequent discovery.
func (s *BoltStore) BumpHostGeoUpdated(ip string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var h types.Host
		if err := getJSON(tx, bucketHosts, ip, &h); err != nil {
			return err
		}
		h.GeoUpdated = &now
		return putJSON(tx, bucketHosts, ip, &h)
	})
}

func (s *BoltStore) GetPort(key string) (*types.Port, error) {
	var p types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPorts, key, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPortsByHost returns the host's ports ordered by port number.
func (s *BoltStore) ListPortsByHost(ip string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).ForEach(func(_, v []byte) error {
			var p types.Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.HostIP == ip {
				ports = append(ports, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })
	return ports, nil
}

func (s *BoltStore) SavePortBanner(portKey, banner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var p types.Port
		if err := getJSON(tx, bucketPorts, portKey, &p); err != nil {
			return err
		}
		p.Banner = banner
		return putJSON(tx, bucketPorts, portKey, &p)
	})
}

// Domains and certificates

// UpsertDomain inserts the domain if the (name, host) pair is new.
// Returns true when a row was created.
func (s *BoltStore) UpsertDomain(d *types.Domain) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDomains).Get([]byte(d.Key())) != nil {
			return nil
		}
		created = true
		return putJSON(tx, bucketDomains, d.Key(), d)
	})
	return created, err
}

func (s *BoltStore) ListDomainsByHost(ip string) ([]*types.Domain, error) {
	var domains []*types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(_, v []byte) error {
			var d types.Domain
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.HostIP == ip {
				domains = append(domains, &d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })
	return domains, nil
}

// UpsertCertificate inserts or refreshes a certificate keyed by its
// fingerprint. On refresh the observation fields (host, port,
// updated_at) are replaced and created_at is preserved. Returns true
// when the certificate was first seen.
func (s *BoltStore) UpsertCertificate(c *types.SSLCertificate) (bool, error) {
	key := c.Fingerprint
	if key == "" {
		key = c.FingerprintSHA1
	}
	if key == "" {
		return false, fmt.Errorf("certificate has no fingerprint")
	}
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing types.SSLCertificate
		switch err := getJSON(tx, bucketCertificates, key, &existing); err {
		case nil:
			c.CreatedAt = existing.CreatedAt
		case ErrNotFound:
			created = true
		default:
			return err
		}
		return putJSON(tx, bucketCertificates, key, c)
	})
	return created, err
}

func (s *BoltStore) GetCertificate(fingerprint string) (*types.SSLCertificate, error) {
	var c types.SSLCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketCertificates, fingerprint, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
