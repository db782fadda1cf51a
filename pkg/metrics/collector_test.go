package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
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

func TestCollectRefreshesGauges(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreatePrimaryJob(&types.PrimaryJob{
			UUID:      uuid.NewString(),
			Type:      types.PrimaryTypeMasscan,
			Status:    types.JobStatusPending,
			Target:    "10.0.0.0/24",
			Queue:     "default",
			CreatedAt: now,
		}))
	}
	require.NoError(t, store.CreateAncillaryJob(&types.AncillaryJob{
		UUID:      uuid.NewString(),
		Type:      types.AncillaryTypeBannerGrab,
		Status:    types.JobStatusPending,
		HostIP:    "10.0.0.1",
		CreatedAt: now,
	}))
	require.NoError(t, store.SaveWorker(&types.Worker{
		WorkerID:      "w1",
		Status:        types.WorkerStatusActive,
		LastHeartbeat: now,
	}))
	_, _, err = store.UpsertPort("scan-1", "203.0.113.7", 443, "tcp", now)
	require.NoError(t, err)

	c := NewCollector(store, time.Minute)
	c.Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AncillaryJobsByStatus.WithLabelValues("banner_grab", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersByStatus.WithLabelValues("active")))
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HostsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(PortsTotal))
}

func TestCollectRecentWindowIsOneHour(t *testing.T) {
	store := newTestStore(t)

	// One host/port observed two hours ago, one just now.
	old := time.Now().UTC().Add(-2 * time.Hour)
	_, _, err := store.UpsertPort("scan-1", "203.0.113.10", 80, "tcp", old)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, _, err = store.UpsertPort("scan-1", "203.0.113.11", 80, "tcp", now)
	require.NoError(t, err)

	c := NewCollector(store, time.Minute)
	c.Collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(HostsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(PortsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(HostsRecent))
	assert.Equal(t, 1.0, testutil.ToFloat64(PortsRecent))
}

func TestCollectClearsStaleLabels(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnsureQueue("default")
	require.NoError(t, err)

	job := &types.PrimaryJob{
		UUID:      uuid.NewString(),
		Type:      types.PrimaryTypeMasscan,
		Status:    types.JobStatusPending,
		Target:    "10.0.0.0/24",
		Queue:     "default",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreatePrimaryJob(job))

	c := NewCollector(store, time.Minute)
	c.Collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("pending")))

	require.NoError(t, store.MarkPrimaryCancelled(job.UUID, time.Now().UTC()))
	c.Collect()
	assert.Equal(t, 0.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("cancelled")))
}
