// Package kube runs each task attempt as a Kubernetes Job via client-go.
// Task resources map to container limits and the task timeout maps to the
// Job's active deadline. Outputs land on a shared work volume visible to
// the scheduler.
package kube

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

func init() {
	backend.RegisterFactory(backend.ProviderKubernetes, func(cfg backend.Config, providerCfg any, log *logger.Logger) (backend.Backend, error) {
		c := &Config{}
		if providerCfg != nil {
			pc, ok := providerCfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("kube: expected *kube.Config, got %T", providerCfg)
			}
			c = pc
		}
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewRunner(c, cfg.DefaultLabels, log)
	})
}

// Runner implements backend.Backend using Kubernetes Jobs.
type Runner struct {
	client        kubernetes.Interface
	cfg           *Config
	defaultLabels map[string]string
	log           *logger.Logger

	mu          sync.Mutex
	submissions map[string]*task.Resolved
}

// NewRunner creates a Kubernetes-backed runner.
func NewRunner(cfg *Config, defaultLabels map[string]string, log *logger.Logger) (*Runner, error) {
	restCfg, err := buildRestConfig(cfg)
	if err != nil {
		return nil, errors.BackendUnavailable(backend.ProviderKubernetes, fmt.Errorf("build config: %w", err))
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errors.BackendUnavailable(backend.ProviderKubernetes, fmt.Errorf("create clientset: %w", err))
	}

	return newRunner(clientset, cfg, defaultLabels, log), nil
}

func newRunner(client kubernetes.Interface, cfg *Config, defaultLabels map[string]string, log *logger.Logger) *Runner {
	return &Runner{
		client:        client,
		cfg:           cfg,
		defaultLabels: defaultLabels,
		log:           log.WithComponent("backend.kube"),
		submissions:   make(map[string]*task.Resolved),
	}
}

// Submit creates one Job for the attempt.
func (r *Runner) Submit(ctx context.Context, resolved *task.Resolved, res task.Resources) (backend.Handle, error) {
	img := resolved.Image
	if img == "" {
		img = r.cfg.DefaultImage
	}
	if img == "" {
		return backend.Handle{}, errors.Configuration(
			fmt.Sprintf("kube: task %q declares no image and no default_image is configured", resolved.TaskID))
	}

	job := r.buildJob(resolved, res, img)

	created, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return backend.Handle{}, errors.BackendUnavailable(backend.ProviderKubernetes, fmt.Errorf("create job: %w", err))
	}

	id := fmt.Sprintf("%s/%s", r.cfg.Namespace, created.Name)
	r.mu.Lock()
	r.submissions[id] = resolved
	r.mu.Unlock()

	r.log.Debug("job created", map[string]interface{}{
		logger.FieldInstance: resolved.Name(),
		"job":                created.Name,
		"namespace":          r.cfg.Namespace,
	})

	return backend.Handle{ID: id, Provider: backend.ProviderKubernetes}, nil
}

// Poll maps the Job status to an attempt phase.
func (r *Runner) Poll(ctx context.Context, h backend.Handle) (backend.PollResult, error) {
	ns, name := r.parseID(h.ID)

	job, err := r.client.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.PollResult{
				Phase:    backend.PhaseFailed,
				ExitCode: -1,
				Message:  "job removed out of band",
			}, nil
		}
		return backend.PollResult{}, errors.BackendUnavailable(backend.ProviderKubernetes, fmt.Errorf("get job: %w", err))
	}

	switch {
	case job.Status.Succeeded > 0:
		return backend.PollResult{Phase: backend.PhaseSucceeded}, nil
	case jobFailed(job):
		code, msg := r.failureDetail(ctx, ns, name, job)
		return backend.PollResult{Phase: backend.PhaseFailed, ExitCode: code, Message: msg}, nil
	case job.Status.Active > 0:
		return backend.PollResult{Phase: backend.PhaseRunning}, nil
	default:
		return backend.PollResult{Phase: backend.PhasePending}, nil
	}
}

// Cancel deletes the Job and its pods.
func (r *Runner) Cancel(ctx context.Context, h backend.Handle) error {
	if err := r.deleteJob(ctx, h.ID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.submissions, h.ID)
	r.mu.Unlock()
	return nil
}

// CollectOutputs maps declared outputs to shared-volume locations and
// deletes the Job.
func (r *Runner) CollectOutputs(ctx context.Context, h backend.Handle) (map[string]string, error) {
	r.mu.Lock()
	resolved, ok := r.submissions[h.ID]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Internal(fmt.Errorf("kube: unknown handle %s", h.ID))
	}

	outputs := backend.CollectFromDir(resolved)

	if r.cfg.TTLAfterFinished == nil {
		if err := r.deleteJob(ctx, h.ID); err != nil {
			r.log.Warn("failed to clean up job", map[string]interface{}{
				logger.FieldHandle: h.ID,
				logger.FieldError:  err.Error(),
			})
		}
	}

	r.mu.Lock()
	delete(r.submissions, h.ID)
	r.mu.Unlock()

	return outputs, nil
}

func (r *Runner) deleteJob(ctx context.Context, id string) error {
	ns, name := r.parseID(id)
	propagation := metav1.DeletePropagationForeground
	err := r.client.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.BackendUnavailable(backend.ProviderKubernetes, fmt.Errorf("delete job: %w", err))
	}
	return nil
}

func (r *Runner) buildJob(resolved *task.Resolved, res task.Resources, img string) *batchv1.Job {
	name := jobName(resolved)

	labels := make(map[string]string, len(r.defaultLabels)+2)
	for k, v := range r.defaultLabels {
		labels[k] = v
	}
	labels["managed-by"] = "flowrun"
	labels["flowrun.task"] = resolved.TaskID

	container := corev1.Container{
		Name:            "task",
		Image:           img,
		ImagePullPolicy: corev1.PullPolicy(r.cfg.ImagePullPolicy),
		Command:         []string{r.cfg.Shell, "-c", resolved.Command},
		WorkingDir:      resolved.OutputDir,
		Resources:       buildResourceRequirements(res),
	}

	spec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}

	if r.cfg.WorkClaim != "" {
		spec.Volumes = []corev1.Volume{{
			Name: "work",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: r.cfg.WorkClaim,
				},
			},
		}}
		spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "work",
			MountPath: r.cfg.WorkMountPath,
		}}
	} else {
		hostPathType := corev1.HostPathDirectoryOrCreate
		spec.Volumes = []corev1.Volume{{
			Name: "outdir",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: resolved.OutputDir,
					Type: &hostPathType,
				},
			},
		}}
		spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "outdir",
			MountPath: resolved.OutputDir,
		}}
	}

	if r.cfg.ServiceAccount != "" {
		spec.ServiceAccountName = r.cfg.ServiceAccount
	}
	for _, s := range r.cfg.ImagePullSecrets {
		spec.ImagePullSecrets = append(spec.ImagePullSecrets, corev1.LocalObjectReference{Name: s})
	}

	// The scheduler owns retries; the Job must not restart on its own.
	var backoffLimit int32 = 0
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: r.cfg.TTLAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       spec,
			},
		},
	}

	if res.Timeout > 0 {
		deadline := int64(res.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	return job
}

// failureDetail digs the container exit code and reason out of the Job's
// pods. Best effort, a missing pod still yields a usable message.
func (r *Runner) failureDetail(ctx context.Context, ns, name string, job *batchv1.Job) (int, string) {
	msg := ""
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			msg = cond.Reason
			if cond.Message != "" {
				msg = cond.Message
			}
			break
		}
	}

	pods, err := r.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", name),
	})
	if err != nil || len(pods.Items) == 0 {
		return -1, msg
	}

	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				if msg == "" {
					msg = cs.State.Terminated.Reason
				}
				return int(cs.State.Terminated.ExitCode), msg
			}
		}
	}
	return -1, msg
}

func jobFailed(job *batchv1.Job) bool {
	if job.Status.Failed > 0 {
		return true
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// parseID splits "namespace/name" into parts. If no slash, uses the
// configured namespace.
func (r *Runner) parseID(id string) (namespace, name string) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return r.cfg.Namespace, id
}

func buildResourceRequirements(res task.Resources) corev1.ResourceRequirements {
	reqs := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	if res.CPU > 0 {
		q := *resource.NewMilliQuantity(res.CPU/1e6, resource.DecimalSI)
		reqs.Limits[corev1.ResourceCPU] = q
		reqs.Requests[corev1.ResourceCPU] = q
	}
	if res.Memory > 0 {
		q := *resource.NewQuantity(res.Memory, resource.BinarySI)
		reqs.Limits[corev1.ResourceMemory] = q
		reqs.Requests[corev1.ResourceMemory] = q
	}
	return reqs
}

// jobName builds an RFC 1123 compatible Job name for an attempt.
func jobName(resolved *task.Resolved) string {
	name := "flowrun-" + resolved.TaskID
	if resolved.Key != "" {
		name += "-" + resolved.Key
	}
	name = strings.ToLower(name)
	name = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			return c
		}
		return '-'
	}, name)
	if len(name) > 52 {
		name = name[:52]
	}
	return strings.Trim(name, "-") + "-" + uuid.NewString()[:8]
}

// buildRestConfig creates a Kubernetes REST config from kubeconfig or
// in-cluster.
func buildRestConfig(cfg *Config) (*rest.Config, error) {
	if cfg.Kubeconfig != "" {
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: cfg.Kubeconfig},
			&clientcmd.ConfigOverrides{CurrentContext: cfg.Context},
		).ClientConfig()
	}
	return rest.InClusterConfig()
}

var _ backend.Backend = (*Runner)(nil)
