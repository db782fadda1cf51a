package worker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := New(store, Config{
		WorkerID:     "w-test",
		DrainTimeout: 2 * time.Second,
	})
	// Force the socket fallback so tests never shell out.
	w.banners.NmapPath = "/nonexistent/nmap"
	return w, store
}

// listen starts a local TCP server that writes payload to each
// connection.
func listen(t *testing.T, payload string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fmt.Fprint(conn, payload)
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func seedAncillary(t *testing.T, store storage.Store, jobType types.AncillaryJobType, hostIP string, port int) *types.AncillaryJob {
	t.Helper()
	job := &types.AncillaryJob{
		UUID:       uuid.NewString(),
		Type:       jobType,
		Status:     types.JobStatusPending,
		HostIP:     hostIP,
		PortNumber: port,
		Protocol:   "tcp",
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
	if port > 0 {
		job.PortKey = types.PortKey(hostIP, port, "tcp")
	}
	require.NoError(t, store.CreateAncillaryJob(job))
	return job
}

func TestStartStop(t *testing.T) {
	w, store := newTestWorker(t)

	require.NoError(t, w.Start())
	reg, err := store.GetWorker("w-test")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusActive, reg.Status)
	assert.Equal(t, os.Getpid(), reg.PID)
	assert.Equal(t, DefaultJobTypes(), reg.SupportedTypes)

	w.Stop()
	reg, err = store.GetWorker("w-test")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, reg.Status)
}

func TestDispatchRunsClaimedJob(t *testing.T) {
	w, store := newTestWorker(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	w.runner.MasscanPath = writeFakeScanner(t, `
echo "Discovered open port 22/tcp on 203.0.113.5"
exit 0
`)
	w.cfg.DispatchInterval = 10 * time.Millisecond

	job := &types.PrimaryJob{
		UUID:       uuid.NewString(),
		Type:       types.PrimaryTypeMasscan,
		Status:     types.JobStatusPending,
		Target:     "203.0.113.0/28",
		Queue:      "default",
		Options:    types.ScanOptions{SYN: true, TimeoutSeconds: 30},
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
	require.NoError(t, store.CreatePrimaryJob(job))

	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := store.GetPrimaryJob(job.UUID)
		return err == nil && got.Status == types.JobStatusCompleted
	}, 5*time.Second, 25*time.Millisecond)

	got, err := store.GetPrimaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	_, err = store.GetPort(types.PortKey("203.0.113.5", 22, "tcp"))
	assert.NoError(t, err)
}

func writeFakeScanner(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "masscan")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestWorkerLoadTracking(t *testing.T) {
	w, store := newTestWorker(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	w.runner.MasscanPath = writeFakeScanner(t, `
sleep 1
exit 0
`)
	w.cfg.DispatchInterval = 10 * time.Millisecond

	job := &types.PrimaryJob{
		UUID:       uuid.NewString(),
		Type:       types.PrimaryTypeMasscan,
		Status:     types.JobStatusPending,
		Target:     "203.0.113.0/28",
		Queue:      "default",
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
	require.NoError(t, store.CreatePrimaryJob(job))

	require.NoError(t, w.Start())
	defer w.Stop()

	// While the scan runs the row shows the slot taken and the worker
	// busy (MaxConcurrent defaults to 1).
	require.Eventually(t, func() bool {
		reg, err := store.GetWorker("w-test")
		return err == nil && reg.CurrentCount == 1 && reg.Status == types.WorkerStatusBusy
	}, 5*time.Second, 25*time.Millisecond)

	reg, err := store.GetWorker("w-test")
	require.NoError(t, err)
	assert.False(t, reg.IsAvailable())

	// Once the scan finishes the slot frees up again.
	require.Eventually(t, func() bool {
		reg, err := store.GetWorker("w-test")
		return err == nil && reg.CurrentCount == 0 && reg.Status == types.WorkerStatusActive
	}, 5*time.Second, 25*time.Millisecond)

	reg, err = store.GetWorker("w-test")
	require.NoError(t, err)
	assert.True(t, reg.IsAvailable())
}

func TestHandlePrimaryUnsupportedType(t *testing.T) {
	w, store := newTestWorker(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	job := &types.PrimaryJob{
		UUID:      uuid.NewString(),
		Type:      types.PrimaryTypeNmap,
		Status:    types.JobStatusPending,
		Target:    "203.0.113.1",
		Queue:     "default",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreatePrimaryJob(job))

	w.handlePrimary(job)

	got, err := store.GetPrimaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "unsupported job type")
}

func TestHandlePrimaryCancelledBeforeStart(t *testing.T) {
	w, store := newTestWorker(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	job := &types.PrimaryJob{
		UUID:      uuid.NewString(),
		Type:      types.PrimaryTypeMasscan,
		Status:    types.JobStatusPending,
		Target:    "203.0.113.1",
		Queue:     "default",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreatePrimaryJob(job))
	require.NoError(t, store.MarkPrimaryCancelled(job.UUID, time.Now().UTC()))

	w.handlePrimary(job)

	got, err := store.GetPrimaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestBannerGrabPersistsAndQueuesFollowups(t *testing.T) {
	w, store := newTestWorker(t)
	port := listen(t, "HTTP/1.1 200 OK\r\nServer: Apache/2.4.41 (Ubuntu)\r\n\r\n")

	now := time.Now().UTC()
	_, _, err := store.UpsertPort("scan-1", "127.0.0.1", port, "tcp", now)
	require.NoError(t, err)

	job := seedAncillary(t, store, types.AncillaryTypeBannerGrab, "127.0.0.1", port)
	w.handleAncillary(job)

	got, err := store.GetAncillaryJob(job.UUID)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Result["banner"], "Apache/2.4.41")

	// Banner lands on the port row.
	p, err := store.GetPort(types.PortKey("127.0.0.1", port, "tcp"))
	require.NoError(t, err)
	assert.Contains(t, p.Banner, "Apache")

	// A web server banner triggers domain enumeration but not an SSL
	// cert fetch.
	enums, err := store.ListAncillaryJobs(types.JobStatusPending, types.AncillaryTypeDomainEnum, 0)
	require.NoError(t, err)
	assert.Len(t, enums, 1)

	certs, err := store.ListAncillaryJobs(types.JobStatusPending, types.AncillaryTypeSSLCert, 0)
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestBannerGrabFollowupDedup(t *testing.T) {
	w, store := newTestWorker(t)
	port := listen(t, "HTTP/1.1 200 OK\r\nServer: nginx/1.18.0\r\n\r\n")

	now := time.Now().UTC()
	_, _, err := store.UpsertPort("scan-1", "127.0.0.1", port, "tcp", now)
	require.NoError(t, err)

	first := seedAncillary(t, store, types.AncillaryTypeBannerGrab, "127.0.0.1", port)
	w.handleAncillary(first)
	second := seedAncillary(t, store, types.AncillaryTypeBannerGrab, "127.0.0.1", port)
	w.handleAncillary(second)

	enums, err := store.ListAncillaryJobs(types.JobStatusPending, types.AncillaryTypeDomainEnum, 0)
	require.NoError(t, err)
	assert.Len(t, enums, 1)
}

func TestGeolocationPrivateIP(t *testing.T) {
	w, store := newTestWorker(t)

	now := time.Now().UTC()
	_, _, err := store.UpsertPort("scan-1", "192.168.1.5", 22, "tcp", now)
	require.NoError(t, err)

	job := seedAncillary(t, store, types.AncillaryTypeGeolocation, "192.168.1.5", 0)
	w.handleAncillary(job)

	got, err := store.GetAncillaryJob(job.UUID)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Equal(t, "private_ip", got.Result["reason"])

	// The bump prevents re-enqueueing geolocation for 7 days.
	host, err := store.GetHost("192.168.1.5")
	require.NoError(t, err)
	require.NotNil(t, host.GeoUpdated)
	assert.False(t, host.NeedsGeoUpdate(storage.GeoRefreshAge, now))
}

func TestDomainEnumStoresFindings(t *testing.T) {
	w, store := newTestWorker(t)

	// Keep enumeration local and quick: no SSL or HTTP ports, no
	// resolv.conf.
	w.enum.SSLPorts = nil
	w.enum.HTTPPorts = nil
	w.enum.ResolvConf = filepath.Join(t.TempDir(), "missing")
	w.enum.Timeout = 500 * time.Millisecond

	job := seedAncillary(t, store, types.AncillaryTypeDomainEnum, "203.0.113.1", 0)
	w.handleAncillary(job)

	got, err := store.GetAncillaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
}

func TestSSLCertUnreachableCompletesEmpty(t *testing.T) {
	w, store := newTestWorker(t)

	job := seedAncillary(t, store, types.AncillaryTypeSSLCert, "127.0.0.1", reservedPort(t))
	w.handleAncillary(job)

	got, err := store.GetAncillaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Empty(t, got.Result)
}

// reservedPort returns a port with nothing listening on it.
func reservedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStopFailsUndrainedLeases(t *testing.T) {
	w, store := newTestWorker(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	require.NoError(t, w.Start())

	// Lease a job to this worker without running a handler for it,
	// simulating work abandoned mid-drain.
	job := &types.PrimaryJob{
		UUID:           uuid.NewString(),
		Type:           types.PrimaryTypeMasscan,
		Status:         types.JobStatusQueued,
		Target:         "203.0.113.1",
		Queue:          "default",
		AssignedWorker: "w-test",
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     3,
	}
	require.NoError(t, store.CreatePrimaryJob(job))

	w.Stop()

	got, err := store.GetPrimaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, "Worker shutdown", got.Error)
}
