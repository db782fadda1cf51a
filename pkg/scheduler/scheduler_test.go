package scheduler

import (
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

func seedPrimary(t *testing.T, store storage.Store, n int) {
	t.Helper()
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, store.CreatePrimaryJob(&types.PrimaryJob{
			UUID:       uuid.NewString(),
			Type:       types.PrimaryTypeMasscan,
			Status:     types.JobStatusPending,
			Target:     "10.0.0.0/24",
			Queue:      "default",
			CreatedAt:  time.Now().UTC(),
			MaxRetries: 3,
		}))
	}
}

func seedAncillary(t *testing.T, store storage.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.CreateAncillaryJob(&types.AncillaryJob{
			UUID:       uuid.NewString(),
			Type:       types.AncillaryTypeBannerGrab,
			Status:     types.JobStatusPending,
			HostIP:     "10.0.0.1",
			PortNumber: 1000 + i,
			MaxRetries: 3,
			CreatedAt:  time.Now().UTC(),
		}))
	}
}

func fullWorker(id string, max int) *types.Worker {
	return &types.Worker{
		WorkerID: id,
		Status:   types.WorkerStatusActive,
		SupportedTypes: []string{
			string(types.PrimaryTypeMasscan),
			string(types.AncillaryTypeBannerGrab),
			string(types.AncillaryTypeDomainEnum),
			string(types.AncillaryTypeSSLCert),
			string(types.AncillaryTypeGeolocation),
		},
		MaxConcurrent: max,
		LastHeartbeat: time.Now().UTC(),
	}
}

func TestNextMixesPrimaryAndAncillary(t *testing.T) {
	store := newTestStore(t)
	seedPrimary(t, store, 2)
	seedAncillary(t, store, 20)

	sched := New(store, Config{})
	a, err := sched.Next(fullWorker("w1", 5), 5, time.Now().UTC())
	require.NoError(t, err)

	// One primary plus ancillary work for the remaining four slots.
	require.NotNil(t, a.Primary)
	assert.Len(t, a.Ancillary, 4)
	assert.Equal(t, 5, a.Count())
}

func TestNextRespectsBatchSize(t *testing.T) {
	store := newTestStore(t)
	seedAncillary(t, store, 20)

	sched := New(store, Config{AncillaryBatchSize: 3})
	a, err := sched.Next(fullWorker("w1", 10), 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, a.Primary)
	assert.Len(t, a.Ancillary, 3)
}

func TestNextNoSlots(t *testing.T) {
	store := newTestStore(t)
	seedPrimary(t, store, 1)
	seedAncillary(t, store, 5)

	sched := New(store, Config{})
	a, err := sched.Next(fullWorker("w1", 5), 0, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, a.Empty())
}

func TestNextAncillaryOnlyWorker(t *testing.T) {
	store := newTestStore(t)
	seedPrimary(t, store, 1)
	seedAncillary(t, store, 5)

	w := &types.Worker{
		WorkerID:       "w1",
		Status:         types.WorkerStatusActive,
		SupportedTypes: []string{string(types.AncillaryTypeBannerGrab)},
		MaxConcurrent:  5,
		LastHeartbeat:  time.Now().UTC(),
	}
	sched := New(store, Config{})
	a, err := sched.Next(w, 5, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, a.Primary)
	assert.Len(t, a.Ancillary, 5)

	// The primary job is still there for a capable worker.
	job, err := store.ClaimPrimary("w2", []string{string(types.PrimaryTypeMasscan)}, time.Now().UTC())
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestNextEmptyWhenIdle(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, Config{})
	a, err := sched.Next(fullWorker("w1", 5), 5, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, a.Empty())
}
