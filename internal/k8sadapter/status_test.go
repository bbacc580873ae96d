package k8sadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"robotplane/internal/enum"
)

func TestDerivePodStatus_Phases(t *testing.T) {
	assert.Equal(t, enum.PodStatusRunning, DerivePodStatus("Running", nil))
	assert.Equal(t, enum.PodStatusPending, DerivePodStatus("Pending", nil))
	assert.Equal(t, enum.PodStatusFailed, DerivePodStatus("Failed", nil))
	assert.Equal(t, enum.PodStatusSucceeded, DerivePodStatus("Succeeded", nil))
}

func TestDerivePodStatus_TerminatedNonZeroOverridesRunning(t *testing.T) {
	exit := int32(1)
	got := DerivePodStatus("Running", []ContainerView{{Name: "rpa", TerminatedExit: &exit}})
	assert.Equal(t, enum.PodStatusError, got)
}

func TestDerivePodStatus_CrashLoopBackOffOverridesRunning(t *testing.T) {
	got := DerivePodStatus("Running", []ContainerView{{Name: "rpa", WaitingReason: "CrashLoopBackOff"}})
	assert.Equal(t, enum.PodStatusCrashLoopBackOff, got)
}

func TestDerivePodStatus_TerminatedZeroDoesNotOverride(t *testing.T) {
	exit := int32(0)
	got := DerivePodStatus("Running", []ContainerView{{Name: "rpa", TerminatedExit: &exit}})
	assert.Equal(t, enum.PodStatusRunning, got)
}

func TestIsFailure(t *testing.T) {
	assert.True(t, IsFailure("Failed", nil))
	assert.True(t, IsFailure("Running", []ContainerView{{WaitingReason: "CrashLoopBackOff"}}))
	assert.False(t, IsFailure("Running", []ContainerView{{Ready: true}}))
}
