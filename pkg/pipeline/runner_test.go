package pipeline

import (
	"context"
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

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeScanner writes a shell script that stands in for masscan.
func fakeScanner(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "masscan")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func seedJob(t *testing.T, store storage.Store, opts types.ScanOptions) *types.PrimaryJob {
	t.Helper()
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)
	job := &types.PrimaryJob{
		UUID:       uuid.NewString(),
		Type:       types.PrimaryTypeMasscan,
		Status:     types.JobStatusRunning,
		Target:     "203.0.113.0/24",
		Queue:      "default",
		Options:    opts,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
	require.NoError(t, store.CreatePrimaryJob(job))
	return job
}

func TestRunRecordsDiscoveries(t *testing.T) {
	store := newTestStore(t)
	job := seedJob(t, store, types.ScanOptions{SYN: true})

	r := NewRunner(store)
	r.MasscanPath = fakeScanner(t, `
echo "Starting masscan 1.3.2"
echo "Discovered open port 443/tcp on 203.0.113.7"
echo "Discovered open port 80/tcp on 203.0.113.8"
echo "Discovered open port 443/tcp on 203.0.113.7"
`)

	res, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Discoveries)

	// Re-discovered port stays a single row.
	ports, err := store.ListPortsByHost("203.0.113.7")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, 443, ports[0].Number)

	ports, err = store.ListPortsByHost("203.0.113.8")
	require.NoError(t, err)
	require.Len(t, ports, 1)

	// Scan row closed out.
	scan, err := store.GetScan(res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, "completed", scan.Status)
	require.NotNil(t, scan.EndTime)

	// Job row carries the scan reference.
	got, err := store.GetPrimaryJob(job.UUID)
	require.NoError(t, err)
	assert.Equal(t, res.ScanID, got.ScanID)

	// Follow-ups exist for the discovered hosts.
	pending, err := store.ListAncillaryJobs(types.JobStatusPending, "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
	assert.Equal(t, len(pending), res.Followups)
}

func TestRunFailureReportsStderr(t *testing.T) {
	store := newTestStore(t)
	job := seedJob(t, store, types.ScanOptions{SYN: true})

	r := NewRunner(store)
	r.MasscanPath = fakeScanner(t, `
echo "FAIL: permission denied" >&2
exit 1
`)

	res, err := r.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	scan, err := store.GetScan(res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, "failed", scan.Status)
}

func TestRunTimeout(t *testing.T) {
	store := newTestStore(t)
	job := seedJob(t, store, types.ScanOptions{SYN: true, TimeoutSeconds: 1})

	r := NewRunner(store)
	r.MasscanPath = fakeScanner(t, `
echo "Discovered open port 22/tcp on 203.0.113.9"
sleep 30
`)

	start := time.Now()
	res, err := r.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 1 seconds")
	assert.Less(t, time.Since(start), 10*time.Second)

	// Discoveries made before the timeout are kept.
	assert.Equal(t, 1, res.Discoveries)
	ports, err := store.ListPortsByHost("203.0.113.9")
	require.NoError(t, err)
	assert.Len(t, ports, 1)
}

func TestRunMissingBinary(t *testing.T) {
	store := newTestStore(t)
	job := seedJob(t, store, types.ScanOptions{SYN: true})

	r := NewRunner(store)
	r.MasscanPath = "/nonexistent/masscan"

	_, err := r.Run(context.Background(), job)
	require.Error(t, err)
}
