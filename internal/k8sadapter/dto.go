// Package k8sadapter is the Kubernetes Adapter (C3): every cluster
// operation is a kubectl invocation shelled over the SSH transport (C1).
// JSON responses unmarshal directly into upstream k8s.io/api types; this
// file derives the normalized, cache-friendly DTOs the rest of the system
// consumes from those upstream types.
package k8sadapter

import (
	"encoding/json"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"robotplane/internal/enum"
	"robotplane/internal/slug"
)

// PodView is the normalized snapshot of one pod.
type PodView struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	Phase     string            `json:"phase"`
	Status    enum.PodStatus    `json:"status"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	Containers []ContainerView  `json:"containers"`
}

// ContainerView is the derived-status-relevant slice of container state.
type ContainerView struct {
	Name            string `json:"name"`
	Ready           bool   `json:"ready"`
	RestartCount    int32  `json:"restart_count"`
	WaitingReason   string `json:"waiting_reason,omitempty"`
	TerminatedExit  *int32 `json:"terminated_exit_code,omitempty"`
}

// JobView is the normalized snapshot of one Job.
type JobView struct {
	Name           string            `json:"name"`
	Namespace      string            `json:"namespace"`
	Labels         map[string]string `json:"labels"`
	Active         int32             `json:"active"`
	Failed         int32             `json:"failed"`
	Succeeded      int32             `json:"succeeded"`
	CompletionTime *time.Time        `json:"completion_time,omitempty"`
}

// CronJobView is the normalized snapshot of one CronJob.
type CronJobView struct {
	Name             string            `json:"name"`
	Namespace        string            `json:"namespace"`
	Labels           map[string]string `json:"labels"`
	Schedule         string            `json:"schedule"`
	Suspended        bool              `json:"suspended"`
	LastScheduleTime *time.Time        `json:"last_schedule_time,omitempty"`
	LastSuccessTime  *time.Time        `json:"last_success_time,omitempty"`
	Image            string            `json:"image"`
	Env              map[string]string `json:"env"`
}

// DeploymentView is the normalized snapshot of one Deployment.
type DeploymentView struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	Replicas  int32             `json:"replicas"`
	Ready     int32             `json:"ready"`
	Available int32             `json:"available"`
}

// Slug returns the canonical robot slug recovered from this pod's labels
// or name, per spec.md §4.7.
func (p PodView) Slug() string { return slug.Resolve(p.Name, p.Labels) }

// Slug returns the canonical robot slug for this job.
func (j JobView) Slug() string { return slug.Resolve(j.Name, j.Labels) }

func parsePodList(data []byte) ([]PodView, error) {
	var list corev1.PodList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	views := make([]PodView, 0, len(list.Items))
	for _, p := range list.Items {
		views = append(views, toPodView(p))
	}
	return views, nil
}

func toPodView(p corev1.Pod) PodView {
	containers := make([]ContainerView, 0, len(p.Status.ContainerStatuses))
	for _, cs := range p.Status.ContainerStatuses {
		cv := ContainerView{Name: cs.Name, Ready: cs.Ready, RestartCount: cs.RestartCount}
		if cs.State.Waiting != nil {
			cv.WaitingReason = cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil {
			exit := cs.State.Terminated.ExitCode
			cv.TerminatedExit = &exit
		}
		containers = append(containers, cv)
	}

	var start *time.Time
	if p.Status.StartTime != nil {
		t := p.Status.StartTime.Time
		start = &t
	}

	view := PodView{
		Name:       p.Name,
		Namespace:  p.Namespace,
		Labels:     p.Labels,
		Phase:      string(p.Status.Phase),
		StartTime:  start,
		Containers: containers,
	}
	view.Status = DerivePodStatus(view.Phase, containers)
	return view
}

func parseJobList(data []byte) ([]JobView, error) {
	var list batchv1.JobList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(list.Items))
	for _, j := range list.Items {
		var completion *time.Time
		if j.Status.CompletionTime != nil {
			t := j.Status.CompletionTime.Time
			completion = &t
		}
		views = append(views, JobView{
			Name:           j.Name,
			Namespace:      j.Namespace,
			Labels:         j.Labels,
			Active:         j.Status.Active,
			Failed:         j.Status.Failed,
			Succeeded:      j.Status.Succeeded,
			CompletionTime: completion,
		})
	}
	return views, nil
}

func parseCronJobList(data []byte) ([]CronJobView, error) {
	var list batchv1.CronJobList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	views := make([]CronJobView, 0, len(list.Items))
	for _, c := range list.Items {
		var lastSchedule, lastSuccess *time.Time
		if c.Status.LastScheduleTime != nil {
			t := c.Status.LastScheduleTime.Time
			lastSchedule = &t
		}
		if c.Status.LastSuccessfulTime != nil {
			t := c.Status.LastSuccessfulTime.Time
			lastSuccess = &t
		}
		image := ""
		env := map[string]string{}
		tmpl := c.Spec.JobTemplate.Spec.Template.Spec
		if len(tmpl.Containers) > 0 {
			image = tmpl.Containers[0].Image
			for _, e := range tmpl.Containers[0].Env {
				env[e.Name] = e.Value
			}
		}
		views = append(views, CronJobView{
			Name:             c.Name,
			Namespace:        c.Namespace,
			Labels:           c.Labels,
			Schedule:         c.Spec.Schedule,
			Suspended:        c.Spec.Suspend != nil && *c.Spec.Suspend,
			LastScheduleTime: lastSchedule,
			LastSuccessTime:  lastSuccess,
			Image:            image,
			Env:              env,
		})
	}
	return views, nil
}

func parseDeploymentList(data []byte) ([]DeploymentView, error) {
	var list appsv1.DeploymentList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	views := make([]DeploymentView, 0, len(list.Items))
	for _, d := range list.Items {
		replicas := int32(0)
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		views = append(views, DeploymentView{
			Name:      d.Name,
			Namespace: d.Namespace,
			Labels:    d.Labels,
			Replicas:  replicas,
			Ready:     d.Status.ReadyReplicas,
			Available: d.Status.AvailableReplicas,
		})
	}
	return views, nil
}
