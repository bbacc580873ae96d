package k8sadapter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotplane/internal/sshx"
)

// fakeTransport records every command and serves canned responses keyed by
// a substring match, imitating the teacher's MockRuntime test-double style
// (per-call func fields would be overkill here; a command->response table
// is enough for these adapter tests).
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

func TestCreateJob_RespectsMaxInstances(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(`{"items":[]}`)},
	}}
	a := New(ft, "default")

	spec := JobSpec{RobotName: "att_infos_bitrix", ImageTag: "v1.2", MemLimitMB: 512, LifetimeSec: 600}
	spec.SetMaxInstances(3)

	created, err := a.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	applyCalls := 0
	for _, c := range ft.calls {
		if strings.Contains(c, "kubectl apply") {
			applyCalls++
		}
	}
	assert.Equal(t, 3, applyCalls)
}

func TestCreateJob_ZeroSlotsWhenAtCapacity(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"get jobs": {ExitCode: 0, Stdout: []byte(`{"items":[
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a1","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}},
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a2","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}},
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a3","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}}
		]}`)},
	}}
	a := New(ft, "default")

	spec := JobSpec{RobotName: "att_infos_bitrix", ImageTag: "v1.2", MemLimitMB: 512, LifetimeSec: 600}
	spec.SetMaxInstances(3)

	created, err := a.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestDeleteJobsBySelector_DeletesEachMatchByItsRealName(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"-l nome_robo=att_infos_bitrix": {ExitCode: 0, Stdout: []byte(`{"items":[
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a1","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}},
			{"metadata":{"name":"rpa-job-att-infos-bitrix-a2","labels":{"nome_robo":"att_infos_bitrix"}},"status":{"active":1}}
		]}`)},
	}}
	a := New(ft, "default")

	deleted, err := a.DeleteJobsBySelector(context.Background(), "nome_robo=att_infos_bitrix")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	var sawA1, sawA2 bool
	for _, c := range ft.calls {
		if strings.Contains(c, "delete job rpa-job-att-infos-bitrix-a1") {
			sawA1 = true
		}
		if strings.Contains(c, "delete job rpa-job-att-infos-bitrix-a2") {
			sawA2 = true
		}
	}
	assert.True(t, sawA1)
	assert.True(t, sawA2)
}

func TestDeleteBotResources_DeletesJobsByLabelSelectorAndAggregatesErrors(t *testing.T) {
	ft := &fakeTransport{responses: map[string]sshx.Result{
		"-l nome_robo=bad-job":          {ExitCode: 0, Stdout: []byte(`{"items":[{"metadata":{"name":"rpa-job-bad-job-a1","labels":{"nome_robo":"bad-job"}},"status":{"active":1}}]}`)},
		"-l nome_robo=good-job":         {ExitCode: 0, Stdout: []byte(`{"items":[{"metadata":{"name":"rpa-job-good-job-a1","labels":{"nome_robo":"good-job"}},"status":{"active":1}}]}`)},
		"delete job rpa-job-bad-job-a1": {ExitCode: 1, Stderr: []byte("not found")},
	}}
	a := New(ft, "default")

	err := a.DeleteBotResources(context.Background(), []string{"bad-job", "good-job"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kubectl")

	var deletedGood bool
	for _, c := range ft.calls {
		if strings.Contains(c, "delete job rpa-job-good-job-a1") {
			deletedGood = true
		}
	}
	assert.True(t, deletedGood, "good-job's real Job name must still be deleted despite bad-job's failure")
}
