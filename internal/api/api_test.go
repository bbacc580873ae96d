package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

// fakeTransport mirrors k8sadapter's own test double.
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
	s, err := catalog.Open("sqlite://file:api_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, ft *fakeTransport) (*Server, *cache.Cache, *catalog.Store) {
	t.Helper()
	c := cache.New()
	store := newTestStore(t)
	cluster := k8sadapter.New(ft, "default")
	return NewServer(c, store, cluster), c, store
}

func TestHandleListRPAs_SynthesizesOnCacheMiss(t *testing.T) {
	s, c, store := newTestServer(t, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, store.CreateRobot(ctx, &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA, Alias: "Bitrix info updater",
	}))
	c.Set(enum.CacheKeyExecutions, map[string][]mysqlpool.Execution{
		"att_infos_bitrix": {{ID: 1}, {ID: 2}},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/rpas", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "att_infos_bitrix", got[0]["name"])
	assert.Equal(t, float64(2), got[0]["execucoes_pendentes"])
}

func TestHandleCreateRobot_ValidationError(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeTransport{})

	req := httptest.NewRequest(http.MethodPost, "/robots", strings.NewReader(`{"variant":"rpa"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateRobot_RunsSynchronousReconciliationForPendingRPA(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(`{"items":[]}`)},
	}}
	s, c, _ := newTestServer(t, ft)
	c.Set(enum.CacheKeyExecutions, map[string][]mysqlpool.Execution{
		"att_infos_bitrix": {{ID: 1}},
	}, nil)

	body := `{"name":"att_infos_bitrix","variant":"rpa","max_instances":1,"image_tag":"v1.2","mem_limit_mb":512,"lifetime_sec":600}`
	req := httptest.NewRequest(http.MethodPost, "/robots", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	applyCalls := 0
	for _, call := range ft.calls {
		if strings.Contains(call, "kubectl apply") {
			applyCalls++
		}
	}
	assert.Equal(t, 1, applyCalls)
}

func TestHandleJobsStatus_GroupsBySlugAndSuppressesUnknown(t *testing.T) {
	jobsJSON := `{"items":[
		{"metadata":{"name":"rpa-job-att-infos-bitrix-a1","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}},
		{"metadata":{"name":"rpa-cronjob-unknown-29387700","labels":{}},"status":{"active":0,"failed":0}}
	]}`
	podsJSON := `{"items":[
		{"metadata":{"name":"rpa-deployment-dashboard-xyz12","labels":{"nome_robo":"dashboard"}},"status":{"phase":"Running","containerStatuses":[]}}
	]}`
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(jobsJSON)},
		"get pods": {ExitCode: 0, Stdout: []byte(podsJSON)},
	}}
	s, _, store := newTestServer(t, ft)
	require.NoError(t, store.CreateRobot(context.Background(), &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA, Alias: "Bitrix info updater",
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/status", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]jobStatusEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))

	entry, ok := got["att_infos_bitrix"]
	require.True(t, ok)
	assert.Equal(t, 1, entry.Running)
	assert.Equal(t, "Bitrix info updater", entry.Alias)

	dashboard, ok := got["dashboard"]
	require.True(t, ok)
	assert.Equal(t, "Deploy", dashboard.Type)
	assert.Equal(t, 1, dashboard.Running)

	_, unknownPresent := got["unknown"]
	assert.False(t, unknownPresent)
}

func TestHandleStandby_DeletesInFlightJobsAndReportsCount(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"-l nome_robo=att_infos_bitrix": {ExitCode: 0, Stdout: []byte(`{"items":[
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a1","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}}
		]}`)},
	}}
	s, _, store := newTestServer(t, ft)
	require.NoError(t, store.CreateRobot(context.Background(), &catalog.Robot{
		Name: "att_infos_bitrix", Variant: enum.RobotVariantRPA,
	}))

	req := httptest.NewRequest(http.MethodPost, "/robots/att_infos_bitrix/standby", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got["jobs_deletados"])

	var deletedJob bool
	for _, c := range ft.calls {
		if strings.Contains(c, "delete job rpa-job-att-infos-bitrix-a1") {
			deletedJob = true
		}
	}
	assert.True(t, deletedJob)

	robots, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, robots, 1)
	assert.True(t, robots[0].Suspended)
}
