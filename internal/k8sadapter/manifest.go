package k8sadapter

import (
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const externalFilesHostPath = "/opt/robotplane/rpa-files"
const imageRegistry = "rpaglobal"
const pullSecretName = "docker-hub-secret"

// memLimitMiB converts a memory limit given in MB to MiB using the exact
// conversion spec.md §4.3 specifies: floor(memMB * 1000 / 1024).
func memLimitMiB(memMB int) int64 {
	return int64(memMB) * 1000 / 1024
}

// JobSpec carries the parameters needed to render one RPA Job manifest.
type JobSpec struct {
	RobotName     string
	ImageTag      string
	MemLimitMB    int
	Instance      int
	ExternalFiles bool
	LifetimeSec   int64
	Namespace     string

	// maxInstances bounds admission and is set only via SetMaxInstances;
	// left unset it is zero, which CreateJob reads as "no capacity".
	maxInstances int
}

// buildJobManifest renders one Kubernetes Job per spec.md §4.3: generateName
// rpa-job-<slug>-, labels {nome_robo, instancia}, activeDeadlineSeconds,
// ttlSecondsAfterFinished:10, image rpaglobal/<name>:<tag>, env NOME_ROBO.
func buildJobManifest(spec JobSpec, slugName string) *batchv1.Job {
	memMiB := memLimitMiB(spec.MemLimitMB)
	quantity := resource.MustParse(formatMiB(memMiB))

	volumes := []corev1.Volume{}
	mounts := []corev1.VolumeMount{}
	if spec.ExternalFiles {
		volumes = append(volumes, corev1.Volume{
			Name: "external-files",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: externalFilesHostPath},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "external-files", MountPath: externalFilesHostPath})
	}

	activeDeadline := spec.LifetimeSec
	ttl := int32(10)

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "rpa-job-" + slugName + "-",
			Namespace:    spec.Namespace,
			Labels: map[string]string{
				"nome_robo": slugName,
				"instancia": itoa(spec.Instance),
			},
		},
		Spec: batchv1.JobSpec{
			ActiveDeadlineSeconds:   &activeDeadline,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"nome_robo": slugName,
						"instancia": itoa(spec.Instance),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:    corev1.RestartPolicyNever,
					ImagePullSecrets: []corev1.LocalObjectReference{{Name: pullSecretName}},
					Containers: []corev1.Container{
						{
							Name:  "rpa",
							Image: imageRegistry + "/" + spec.RobotName + ":" + spec.ImageTag,
							Env: []corev1.EnvVar{
								{Name: "NOME_ROBO", Value: spec.RobotName},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: quantity,
								},
							},
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}
}

// CronJobSpec carries the parameters needed to render a CronJob manifest.
type CronJobSpec struct {
	RobotName   string
	ImageTag    string
	MemLimitMB  int
	Schedule    string
	TTLSec      int32
	Namespace   string
	Suspended   bool
}

func buildCronJobManifest(spec CronJobSpec, slugName string) *batchv1.CronJob {
	memMiB := memLimitMiB(spec.MemLimitMB)
	quantity := resource.MustParse(formatMiB(memMiB))
	ttl := spec.TTLSec
	suspend := spec.Suspended

	return &batchv1.CronJob{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "CronJob"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      "rpa-cronjob-" + slugName,
			Namespace: spec.Namespace,
			Labels:    map[string]string{"nome_robo": slugName},
		},
		Spec: batchv1.CronJobSpec{
			Schedule: spec.Schedule,
			Suspend:  &suspend,
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					TTLSecondsAfterFinished: &ttl,
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"nome_robo": slugName}},
						Spec: corev1.PodSpec{
							RestartPolicy:    corev1.RestartPolicyNever,
							ImagePullSecrets: []corev1.LocalObjectReference{{Name: pullSecretName}},
							Containers: []corev1.Container{
								{
									Name:  "rpa",
									Image: imageRegistry + "/" + spec.RobotName + ":" + spec.ImageTag,
									Env:   []corev1.EnvVar{{Name: "NOME_ROBO", Value: spec.RobotName}},
									Resources: corev1.ResourceRequirements{
										Limits: corev1.ResourceList{corev1.ResourceMemory: quantity},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// DeploymentSpec carries the parameters needed to render a Deployment manifest.
type DeploymentSpec struct {
	RobotName  string
	ImageTag   string
	MemLimitMB int
	Replicas   int32
	Namespace  string
}

func buildDeploymentManifest(spec DeploymentSpec, slugName string) *appsv1.Deployment {
	memMiB := memLimitMiB(spec.MemLimitMB)
	quantity := resource.MustParse(formatMiB(memMiB))
	replicas := spec.Replicas

	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      "rpa-deployment-" + slugName,
			Namespace: spec.Namespace,
			Labels:    map[string]string{"nome_robo": slugName},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"nome_robo": slugName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"nome_robo": slugName}},
				Spec: corev1.PodSpec{
					ImagePullSecrets: []corev1.LocalObjectReference{{Name: pullSecretName}},
					Containers: []corev1.Container{
						{
							Name:  "rpa",
							Image: imageRegistry + "/" + spec.RobotName + ":" + spec.ImageTag,
							Env:   []corev1.EnvVar{{Name: "NOME_ROBO", Value: spec.RobotName}},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{corev1.ResourceMemory: quantity},
							},
						},
					},
					RestartPolicy: corev1.RestartPolicyAlways,
				},
			},
		},
	}
}

// manifestYAML marshals a typed manifest struct to YAML for `kubectl
// apply -f -`, per spec.md §4.3's apply operations.
func manifestYAML(obj interface{}) ([]byte, error) {
	return yaml.Marshal(obj)
}

func formatMiB(v int64) string {
	return strconv.FormatInt(v, 10) + "Mi"
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
