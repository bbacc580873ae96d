package k8sadapter

import "robotplane/internal/enum"

// DerivePodStatus implements spec.md §4.3's derived-status rule: a
// container that is terminated with a non-zero exit code, or waiting with
// a CrashLoopBackOff/Error reason, overrides the pod phase even when the
// phase itself reads Running. Shared with the failure harvester (C8).
func DerivePodStatus(phase string, containers []ContainerView) enum.PodStatus {
	for _, c := range containers {
		if c.TerminatedExit != nil && *c.TerminatedExit != 0 {
			return enum.PodStatusError
		}
		if c.WaitingReason == "CrashLoopBackOff" {
			return enum.PodStatusCrashLoopBackOff
		}
		if c.WaitingReason == "Error" {
			return enum.PodStatusError
		}
	}

	switch phase {
	case "Running":
		return enum.PodStatusRunning
	case "Pending":
		return enum.PodStatusPending
	case "Failed":
		return enum.PodStatusFailed
	case "Succeeded":
		return enum.PodStatusSucceeded
	default:
		return enum.PodStatus(phase)
	}
}

// IsFailure reports whether a pod (by phase, derived status, or raw
// container state) qualifies for the failure harvester per spec.md §4.8.
func IsFailure(phase string, containers []ContainerView) bool {
	if phase == "Failed" {
		return true
	}
	if DerivePodStatus(phase, containers).IsFailure() {
		return true
	}
	for _, c := range containers {
		if c.TerminatedExit != nil && *c.TerminatedExit != 0 {
			return true
		}
		if c.WaitingReason == "CrashLoopBackOff" || c.WaitingReason == "Error" {
			return true
		}
	}
	return false
}
