package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

// sslPorts are the ports that trigger an ssl_cert follow-up on discovery.
var sslPorts = map[int]bool{443: true, 8443: true, 9443: true, 10443: true}

// hostLevel reports whether the ancillary type is deduplicated per host
// rather than per (host, port).
func hostLevel(t types.AncillaryJobType) bool {
	return t == types.AncillaryTypeDomainEnum || t == types.AncillaryTypeGeolocation
}

func hasNonTerminalTx(tx *bolt.Tx, jobType types.AncillaryJobType, hostIP string, portNumber int) (bool, error) {
	found := false
	err := tx.Bucket(bucketAncillary).ForEach(func(_, v []byte) error {
		if found {
			return nil
		}
		var job types.AncillaryJob
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		if job.Type != jobType || job.HostIP != hostIP || job.Status.Terminal() {
			return nil
		}
		if !hostLevel(jobType) && job.PortNumber != portNumber {
			return nil
		}
		found = true
		return nil
	})
	return found, err
}

// HasNonTerminalAncillary reports whether a pending, queued, running or
// retrying job of the given type already targets the host (and port, for
// port-level types).
func (s *BoltStore) HasNonTerminalAncillary(jobType types.AncillaryJobType, hostIP string, portNumber int) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = hasNonTerminalTx(tx, jobType, hostIP, portNumber)
		return err
	})
	return found, err
}

// EnqueueAncillaryDedup inserts the job unless an equivalent non-terminal
// job already exists. Returns true when the job was inserted.
func (s *BoltStore) EnqueueAncillaryDedup(job *types.AncillaryJob) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		exists, err := hasNonTerminalTx(tx, job.Type, job.HostIP, job.PortNumber)
		if err != nil || exists {
			return err
		}
		inserted = true
		return putJSON(tx, bucketAncillary, job.UUID, job)
	})
	return inserted, err
}

func upsertPortTx(tx *bolt.Tx, scanID, hostIP string, number int, proto string, now time.Time) (*types.Port, *types.Host, bool, error) {
	var host types.Host
	hostCreated := false
	switch err := getJSON(tx, bucketHosts, hostIP, &host); err {
	case nil:
		host.LastSeen = &now
	case ErrNotFound:
		hostCreated = true
		host = types.Host{IP: hostIP, FirstSeen: now, LastSeen: &now}
	default:
		return nil, nil, false, err
	}
	if err := putJSON(tx, bucketHosts, hostIP, &host); err != nil {
		return nil, nil, false, err
	}

	key := types.PortKey(hostIP, number, proto)
	var port types.Port
	switch err := getJSON(tx, bucketPorts, key, &port); err {
	case nil:
		port.Status = "open"
		port.LastSeen = &now
		port.ScanID = scanID
	case ErrNotFound:
		port = types.Port{
			HostIP:   hostIP,
			Number:   number,
			Proto:    proto,
			Status:   "open",
			LastSeen: &now,
			ScanID:   scanID,
		}
	default:
		return nil, nil, false, err
	}
	if err := putJSON(tx, bucketPorts, key, &port); err != nil {
		return nil, nil, false, err
	}
	return &port, &host, hostCreated, nil
}

// UpsertPort records one observed open port: the host row is created or
// its last_seen refreshed, and the port row is created or refreshed.
// Returns the port and whether the port row was newly created.
func (s *BoltStore) UpsertPort(scanID, hostIP string, number int, proto string, now time.Time) (*types.Port, bool, error) {
	var (
		port    *types.Port
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := types.PortKey(hostIP, number, proto)
		created = tx.Bucket(bucketPorts).Get([]byte(key)) == nil
		var err error
		port, _, _, err = upsertPortTx(tx, scanID, hostIP, number, proto, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return port, created, nil
}

// RecordDiscovery handles one discovery line end to end in a single
// transaction: upsert the host and port, then fan out follow-up jobs.
// A banner grab is always queued. Domain enumeration, certificate
// retrieval (SSL ports only) and geolocation (new or stale hosts) are
// queued unless an equivalent non-terminal job already exists, so
// repeated discoveries of the same host do not pile up duplicates.
func (s *BoltStore) RecordDiscovery(parentJob, scanID, hostIP string, number int, proto string, now time.Time) (*Discovery, error) {
	disc := &Discovery{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		port, host, hostCreated, err := upsertPortTx(tx, scanID, hostIP, number, proto, now)
		if err != nil {
			return err
		}
		disc.Port = port
		disc.HostCreated = hostCreated

		enqueue := func(job *types.AncillaryJob) error {
			if err := putJSON(tx, bucketAncillary, job.UUID, job); err != nil {
				return err
			}
			disc.Enqueued = append(disc.Enqueued, job)
			return nil
		}

		banner := &types.AncillaryJob{
			UUID:       uuid.NewString(),
			Type:       types.AncillaryTypeBannerGrab,
			Status:     types.JobStatusPending,
			Priority:   0,
			HostIP:     hostIP,
			PortNumber: number,
			Protocol:   proto,
			PortKey:    port.Key(),
			ParentJob:  parentJob,
			MaxRetries: 3,
			CreatedAt:  now,
		}
		if err := enqueue(banner); err != nil {
			return err
		}

		if exists, err := hasNonTerminalTx(tx, types.AncillaryTypeDomainEnum, hostIP, 0); err != nil {
			return err
		} else if !exists {
			err := enqueue(&types.AncillaryJob{
				UUID:       uuid.NewString(),
				Type:       types.AncillaryTypeDomainEnum,
				Status:     types.JobStatusPending,
				Priority:   1,
				HostIP:     hostIP,
				ParentJob:  parentJob,
				MaxRetries: 3,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
		}

		if sslPorts[number] {
			if exists, err := hasNonTerminalTx(tx, types.AncillaryTypeSSLCert, hostIP, number); err != nil {
				return err
			} else if !exists {
				err := enqueue(&types.AncillaryJob{
					UUID:       uuid.NewString(),
					Type:       types.AncillaryTypeSSLCert,
					Status:     types.JobStatusPending,
					Priority:   2,
					HostIP:     hostIP,
					PortNumber: number,
					Protocol:   proto,
					PortKey:    port.Key(),
					ParentJob:  parentJob,
					MaxRetries: 3,
					CreatedAt:  now,
				})
				if err != nil {
					return err
				}
			}
		}

		if hostCreated || host.NeedsGeoUpdate(GeoRefreshAge, now) {
			if exists, err := hasNonTerminalTx(tx, types.AncillaryTypeGeolocation, hostIP, 0); err != nil {
				return err
			} else if !exists {
				err := enqueue(&types.AncillaryJob{
					UUID:       uuid.NewString(),
					Type:       types.AncillaryTypeGeolocation,
					Status:     types.JobStatusPending,
					Priority:   2,
					HostIP:     hostIP,
					ParentJob:  parentJob,
					MaxRetries: 3,
					CreatedAt:  now,
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return disc, nil
}
