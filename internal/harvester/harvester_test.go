package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	"robotplane/internal/enum"
	"robotplane/internal/k8sadapter"
)

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open("sqlite://file:harvester_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeCluster struct {
	logs  string
	calls int
}

func (f *fakeCluster) PodLogs(ctx context.Context, name string, tail int) (string, error) {
	f.calls++
	return f.logs, nil
}

func failedPod(name string) k8sadapter.PodView {
	exit := int32(1)
	return k8sadapter.PodView{
		Name:       name,
		Namespace:  "default",
		Labels:     map[string]string{"nome_robo": "att_infos_bitrix"},
		Phase:      "Failed",
		Status:     enum.PodStatusFailed,
		Containers: []k8sadapter.ContainerView{{Name: "rpa", TerminatedExit: &exit}},
	}
}

func TestScan_InsertsNewFailureAndSkipsExisting(t *testing.T) {
	store := newTestStore(t)
	c := cache.New()
	fc := &fakeCluster{logs: "boom"}

	h := New(c, store, fc, 0, func() string { return "fixed-id" })

	pods := []k8sadapter.PodView{failedPod("rpa-job-att-infos-bitrix-abcde")}
	c.Set(enum.CacheKeyPods, pods, nil)

	h.scan(context.Background())
	exists, err := store.FailureExists(context.Background(), "rpa-job-att-infos-bitrix-abcde")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 1, fc.calls)

	// second scan observes the same pod, which is now already recorded,
	// so it must not fetch logs or insert again.
	h.scan(context.Background())
	require.Equal(t, 1, fc.calls)
}

func TestScan_SkipsHealthyPods(t *testing.T) {
	store := newTestStore(t)
	c := cache.New()
	fc := &fakeCluster{logs: "n/a"}
	h := New(c, store, fc, 0, nil)

	pods := []k8sadapter.PodView{
		{Name: "healthy-pod", Phase: "Running", Status: enum.PodStatusRunning},
	}
	c.Set(enum.CacheKeyPods, pods, nil)

	h.scan(context.Background())
	exists, err := store.FailureExists(context.Background(), "healthy-pod")
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, 0, fc.calls)
}

func TestSweep_DeletesOnlyExpiredRecords(t *testing.T) {
	store := newTestStore(t)
	c := cache.New()
	h := New(c, store, &fakeCluster{}, 0, nil)

	old := &catalog.FailureRecord{ID: "old", PodName: "old-pod", FailedAt: time.Now().Add(-10 * 24 * time.Hour)}
	fresh := &catalog.FailureRecord{ID: "fresh", PodName: "fresh-pod", FailedAt: time.Now()}
	require.NoError(t, store.InsertFailure(context.Background(), old))
	require.NoError(t, store.InsertFailure(context.Background(), fresh))

	h.sweep(context.Background())

	oldExists, err := store.FailureExists(context.Background(), "old-pod")
	require.NoError(t, err)
	require.False(t, oldExists)

	freshExists, err := store.FailureExists(context.Background(), "fresh-pod")
	require.NoError(t, err)
	require.True(t, freshExists)
}
