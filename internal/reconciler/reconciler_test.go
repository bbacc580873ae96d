package reconciler

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotplane/internal/cache"
	"robotplane/internal/catalog"
	"robotplane/internal/enum"
	"robotplane/internal/k8sadapter"
	"robotplane/internal/mysqlpool"
	"robotplane/internal/sshx"
)

// fakeTransport mirrors k8sadapter's own test double: canned responses
// keyed by a command substring, recording every call for assertions.
type fakeTransport struct {
	calls     []string
	responses map[string]sshx.Result
}

func (f *fakeTransport) Exec(ctx context.Context, cmd string) (sshx.Result, error) {
	f.calls = append(f.calls, cmd)
	for substr, res := range f.responses {
		if strings.Contains(cmd, substr) {
			return res, nil
		}
	}
	return sshx.Result{ExitCode: 0}, nil
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open("sqlite://file:reconciler_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTick_AdmitsJobForRobotWithPendingExecutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRobot(ctx, &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA,
		MaxInstances: 2, ImageTag: "v1.2", MemLimitMB: 512, LifetimeSec: 600,
	}))

	c := cache.New()
	c.Set(enum.CacheKeyExecutions, map[string][]mysqlpool.Execution{
		"att_infos_bitrix": {{ID: 1}},
	}, nil)

	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(`{"items":[]}`)},
	}}
	cluster := k8sadapter.New(ft, "default")

	r := New(c, store, cluster, 0)
	r.tick(ctx)

	// CreateJob fills every free slot (cap 2, 0 active), not one per pending row.
	applyCalls := 0
	for _, call := range ft.calls {
		if strings.Contains(call, "kubectl apply") {
			applyCalls++
		}
	}
	assert.Equal(t, 2, applyCalls)
}

func TestTick_NormalizedNameMatchAdmitsJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRobot(ctx, &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA,
		MaxInstances: 1, ImageTag: "v1.2", MemLimitMB: 512, LifetimeSec: 600,
	}))

	c := cache.New()
	c.Set(enum.CacheKeyExecutions, map[string][]mysqlpool.Execution{
		"att-infos-bitrix": {{ID: 1}},
	}, nil)

	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(`{"items":[]}`)},
	}}
	cluster := k8sadapter.New(ft, "default")

	r := New(c, store, cluster, 0)
	r.tick(ctx)

	applyCalls := 0
	for _, call := range ft.calls {
		if strings.Contains(call, "kubectl apply") {
			applyCalls++
		}
	}
	assert.Equal(t, 1, applyCalls)
}

func TestTick_NoPendingExecutionsSkipsRobot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRobot(ctx, &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA, MaxInstances: 2,
	}))

	c := cache.New()
	ft := &fakeTransport{}
	cluster := k8sadapter.New(ft, "default")

	r := New(c, store, cluster, 0)
	r.tick(ctx)

	for _, call := range ft.calls {
		assert.NotContains(t, call, "kubectl apply")
	}
}

func TestTick_ClusterErrorIsLoggedAndSkipped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateRobot(ctx, &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA, MaxInstances: 1,
	}))

	c := cache.New()
	c.Set(enum.CacheKeyExecutions, map[string][]mysqlpool.Execution{
		"att_infos_bitrix": {{ID: 1}},
	}, nil)

	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 1, Stderr: []byte("kubectl: connection refused")},
	}}
	cluster := k8sadapter.New(ft, "default")

	r := New(c, store, cluster, 0)
	require.NotPanics(t, func() { r.tick(ctx) })
}
