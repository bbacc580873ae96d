package k8sadapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/sshx"
)

// Transport is the subset of sshx.Transport the adapter depends on,
// narrowed for testability.
type Transport interface {
	Exec(ctx context.Context, cmd string) (sshx.Result, error)
}

// Adapter is the Kubernetes Adapter (C3): every operation below shells a
// kubectl invocation through the SSH transport (C1).
type Adapter struct {
	ssh       Transport
	namespace string
}

// New returns an adapter targeting the given default namespace.
func New(ssh Transport, namespace string) *Adapter {
	return &Adapter{ssh: ssh, namespace: namespace}
}

func (a *Adapter) run(ctx context.Context, op string, args ...string) (sshx.Result, error) {
	cmd := "kubectl " + strings.Join(args, " ")
	res, err := a.ssh.Exec(ctx, cmd)
	if err != nil {
		return sshx.Result{}, err
	}
	if res.ExitCode != 0 {
		return res, apperrors.NewKubectlExitError(op, string(res.Stderr))
	}
	return res, nil
}

// ListPods returns the normalized pod snapshot, optionally filtered by a
// label selector.
func (a *Adapter) ListPods(ctx context.Context, selector string) ([]PodView, error) {
	args := []string{"get", "pods", "-n", a.namespace, "-o", "json"}
	if selector != "" {
		args = append(args, "-l", selector)
	}
	res, err := a.run(ctx, "listPods", args...)
	if err != nil {
		return nil, err
	}
	return parsePodList(res.Stdout)
}

// ListJobs returns the normalized job snapshot.
func (a *Adapter) ListJobs(ctx context.Context, selector string) ([]JobView, error) {
	args := []string{"get", "jobs", "-n", a.namespace, "-o", "json"}
	if selector != "" {
		args = append(args, "-l", selector)
	}
	res, err := a.run(ctx, "listJobs", args...)
	if err != nil {
		return nil, err
	}
	return parseJobList(res.Stdout)
}

// ListCronjobs returns the normalized cronjob snapshot.
func (a *Adapter) ListCronjobs(ctx context.Context) ([]CronJobView, error) {
	res, err := a.run(ctx, "listCronjobs", "get", "cronjobs", "-n", a.namespace, "-o", "json")
	if err != nil {
		return nil, err
	}
	return parseCronJobList(res.Stdout)
}

// ListDeployments returns the normalized deployment snapshot.
func (a *Adapter) ListDeployments(ctx context.Context) ([]DeploymentView, error) {
	res, err := a.run(ctx, "listDeployments", "get", "deployments", "-n", a.namespace, "-o", "json")
	if err != nil {
		return nil, err
	}
	return parseDeploymentList(res.Stdout)
}

// CreateJob computes the available admission slots for a robot and creates
// that many Jobs, per spec.md §4.3. Returns the number of Jobs created.
func (a *Adapter) CreateJob(ctx context.Context, spec JobSpec) (int, error) {
	slugName := strings.ToLower(spec.RobotName)
	active, err := a.activeJobCount(ctx, slugName)
	if err != nil {
		return 0, err
	}

	maxInstances := spec.maxInstances
	slots := maxInstances - active
	if slots < 0 {
		slots = 0
	}

	for i := 1; i <= slots; i++ {
		instSpec := spec
		instSpec.Instance = active + i
		manifest := buildJobManifest(instSpec, slugName)
		data, err := manifestYAML(manifest)
		if err != nil {
			return i - 1, apperrors.Wrap(err, apperrors.KindInternal, "rendering job manifest")
		}
		if err := a.applyYAML(ctx, "createJob", data); err != nil {
			return i - 1, err
		}
	}
	return slots, nil
}

// SetMaxInstances sets the admission cap a JobSpec carries into CreateJob.
// The cap is unexported, so this setter is the only way to give it a value;
// a JobSpec on which it was never called has a cap of zero, and CreateJob
// then creates no Jobs.
func (s *JobSpec) SetMaxInstances(n int) { s.maxInstances = n }

func (a *Adapter) activeJobCount(ctx context.Context, slugName string) (int, error) {
	jobs, err := a.ListJobs(ctx, "nome_robo="+slugName)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, j := range jobs {
		if j.Active > 0 {
			active++
		}
	}
	return active, nil
}

// DeleteJob deletes a Job by name.
func (a *Adapter) DeleteJob(ctx context.Context, name string) error {
	_, err := a.run(ctx, "deleteJob", "delete", "job", name, "-n", a.namespace, "--ignore-not-found")
	return err
}

// DeleteJobsBySelector lists every Job matching the label selector and
// deletes each by its real (GenerateName-suffixed) name, returning the
// number deleted. RPA Jobs are created with GenerateName (spec.md §4.3),
// so a literal robot-name delete never matches a running Job; callers
// must go through the `nome_robo=<slug>` label instead.
func (a *Adapter) DeleteJobsBySelector(ctx context.Context, selector string) (int, error) {
	jobs, err := a.ListJobs(ctx, selector)
	if err != nil {
		return 0, err
	}
	var result *multierror.Error
	deleted := 0
	for _, j := range jobs {
		if err := a.DeleteJob(ctx, j.Name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted++
	}
	return deleted, result.ErrorOrNil()
}

// DeletePod deletes a Pod by name.
func (a *Adapter) DeletePod(ctx context.Context, name string) error {
	_, err := a.run(ctx, "deletePod", "delete", "pod", name, "-n", a.namespace, "--ignore-not-found")
	return err
}

// DeleteCronjob deletes a CronJob by name.
func (a *Adapter) DeleteCronjob(ctx context.Context, name string) error {
	_, err := a.run(ctx, "deleteCronjob", "delete", "cronjob", name, "-n", a.namespace, "--ignore-not-found")
	return err
}

// DeleteDeployment deletes a Deployment by name.
func (a *Adapter) DeleteDeployment(ctx context.Context, name string) error {
	_, err := a.run(ctx, "deleteDeployment", "delete", "deployment", name, "-n", a.namespace, "--ignore-not-found")
	return err
}

// ApplyCronjob renders and applies a CronJob manifest.
func (a *Adapter) ApplyCronjob(ctx context.Context, spec CronJobSpec) error {
	slugName := strings.ToLower(spec.RobotName)
	manifest := buildCronJobManifest(spec, slugName)
	data, err := manifestYAML(manifest)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "rendering cronjob manifest")
	}
	return a.applyYAML(ctx, "applyCronjob", data)
}

// ApplyDeployment renders and applies a Deployment manifest.
func (a *Adapter) ApplyDeployment(ctx context.Context, spec DeploymentSpec) error {
	slugName := strings.ToLower(spec.RobotName)
	manifest := buildDeploymentManifest(spec, slugName)
	data, err := manifestYAML(manifest)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindInternal, "rendering deployment manifest")
	}
	return a.applyYAML(ctx, "applyDeployment", data)
}

// applyYAML streams manifest bytes to `kubectl apply -f -` via a remote
// heredoc, since the SSH exec channel in this system carries a command
// string, not a stdin pipe.
func (a *Adapter) applyYAML(ctx context.Context, op string, manifest []byte) error {
	cmd := fmt.Sprintf("kubectl apply -f - <<'ROBOTPLANE_EOF'\n%s\nROBOTPLANE_EOF", string(manifest))
	res, err := a.ssh.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.NewKubectlExitError(op, string(res.Stderr))
	}
	return nil
}

// SuspendCronjob sets spec.suspend via a JSON patch.
func (a *Adapter) SuspendCronjob(ctx context.Context, name string) error {
	return a.patchSuspend(ctx, name, true)
}

// UnsuspendCronjob clears spec.suspend via a JSON patch.
func (a *Adapter) UnsuspendCronjob(ctx context.Context, name string) error {
	return a.patchSuspend(ctx, name, false)
}

func (a *Adapter) patchSuspend(ctx context.Context, name string, suspend bool) error {
	patch := fmt.Sprintf(`{"spec":{"suspend":%t}}`, suspend)
	_, err := a.run(ctx, "suspendCronjob", "patch", "cronjob", name, "-n", a.namespace, "--type=merge", "-p", "'"+patch+"'")
	return err
}

// CreateJobFromCronjob triggers a manual run of a CronJob.
func (a *Adapter) CreateJobFromCronjob(ctx context.Context, cronjobName string, epoch int64) error {
	jobName := fmt.Sprintf("%s-manual-%s", cronjobName, strconv.FormatInt(epoch, 10))
	_, err := a.run(ctx, "createJobFromCronjob", "create", "job", "--from=cronjob/"+cronjobName, jobName, "-n", a.namespace)
	return err
}

// PodLogs fetches the last `tail` lines of a pod's logs.
func (a *Adapter) PodLogs(ctx context.Context, name string, tail int) (string, error) {
	res, err := a.run(ctx, "podLogs", "logs", name, "-n", a.namespace, "--tail="+strconv.Itoa(tail))
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// DeleteBotResources cascades a delete across a robot's jobs/cronjob/
// deployment, aggregating partial failures the way the teacher's runtime
// collects cleanup errors across multiple resource kinds. jobSlugs names
// the robots whose running Jobs must be torn down by the `nome_robo`
// label selector, not by literal Job name (see DeleteJobsBySelector).
func (a *Adapter) DeleteBotResources(ctx context.Context, jobSlugs, cronjobNames, deploymentNames []string) error {
	var result *multierror.Error
	for _, slugName := range jobSlugs {
		if _, err := a.DeleteJobsBySelector(ctx, "nome_robo="+strings.ToLower(slugName)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, n := range cronjobNames {
		if err := a.DeleteCronjob(ctx, n); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, n := range deploymentNames {
		if err := a.DeleteDeployment(ctx, n); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
