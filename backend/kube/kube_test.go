package kube

import (
	"context"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

func newTestRunner() *Runner {
	cfg := &Config{DefaultImage: "biotools:1.2"}
	cfg.ApplyDefaults()
	return newRunner(fake.NewSimpleClientset(), cfg, map[string]string{"team": "rnaseq"}, logger.Nop())
}

func TestRunner_SubmitCreatesJob(t *testing.T) {
	r := newTestRunner()

	resolved := &task.Resolved{
		TaskID:    "align",
		Key:       "s1",
		Command:   "align -o out.bam reads.fq",
		OutputDir: "/work/align/s1",
	}
	res := task.Resources{CPU: 4e9, Memory: 8 << 30, Timeout: 30 * time.Minute}

	h, err := r.Submit(context.Background(), resolved, res)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.Provider != backend.ProviderKubernetes || !strings.HasPrefix(h.ID, "default/flowrun-align-s1-") {
		t.Fatalf("unexpected handle: %+v", h)
	}

	_, name := r.parseID(h.ID)
	job, err := r.client.BatchV1().Jobs("default").Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}

	if *job.Spec.BackoffLimit != 0 {
		t.Fatal("scheduler owns retries; job backoff limit must be 0")
	}
	if *job.Spec.ActiveDeadlineSeconds != 1800 {
		t.Fatalf("timeout not mapped to active deadline: %d", *job.Spec.ActiveDeadlineSeconds)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if c.Image != "biotools:1.2" {
		t.Fatalf("unexpected image: %s", c.Image)
	}
	if cpu := c.Resources.Limits.Cpu(); cpu.MilliValue() != 4000 {
		t.Fatalf("cpu limit = %dm", cpu.MilliValue())
	}
	if mem := c.Resources.Limits.Memory(); mem.Value() != 8<<30 {
		t.Fatalf("memory limit = %d", mem.Value())
	}
	if job.Labels["team"] != "rnaseq" || job.Labels["managed-by"] != "flowrun" {
		t.Fatalf("unexpected labels: %v", job.Labels)
	}
}

func TestRunner_PollPhases(t *testing.T) {
	r := newTestRunner()
	resolved := &task.Resolved{TaskID: "trim", Command: "trim", OutputDir: "/work/trim/global"}

	h, err := r.Submit(context.Background(), resolved, task.Resources{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Phase != backend.PhasePending {
		t.Fatalf("fresh job should be pending, got %s", res.Phase)
	}

	ns, name := r.parseID(h.ID)
	job, _ := r.client.BatchV1().Jobs(ns).Get(context.Background(), name, metav1.GetOptions{})

	job.Status.Active = 1
	_, _ = r.client.BatchV1().Jobs(ns).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	res, _ = r.Poll(context.Background(), h)
	if res.Phase != backend.PhaseRunning {
		t.Fatalf("active job should be running, got %s", res.Phase)
	}

	job.Status.Active = 0
	job.Status.Succeeded = 1
	_, _ = r.client.BatchV1().Jobs(ns).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	res, _ = r.Poll(context.Background(), h)
	if res.Phase != backend.PhaseSucceeded {
		t.Fatalf("succeeded job should report succeeded, got %s", res.Phase)
	}
}

func TestRunner_PollFailedJob(t *testing.T) {
	r := newTestRunner()
	resolved := &task.Resolved{TaskID: "align", Command: "align", OutputDir: "/work/align/global"}

	h, _ := r.Submit(context.Background(), resolved, task.Resources{})
	ns, name := r.parseID(h.ID)
	job, _ := r.client.BatchV1().Jobs(ns).Get(context.Background(), name, metav1.GetOptions{})
	job.Status.Failed = 1
	job.Status.Conditions = []batchv1.JobCondition{{
		Type:    batchv1.JobFailed,
		Status:  "True",
		Reason:  "BackoffLimitExceeded",
		Message: "Job has reached the specified backoff limit",
	}}
	_, _ = r.client.BatchV1().Jobs(ns).UpdateStatus(context.Background(), job, metav1.UpdateOptions{})

	res, err := r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Phase != backend.PhaseFailed {
		t.Fatalf("expected failed phase, got %s", res.Phase)
	}
	if res.Message == "" {
		t.Fatal("expected failure message from job condition")
	}
}

func TestRunner_CancelDeletesJob(t *testing.T) {
	r := newTestRunner()
	resolved := &task.Resolved{TaskID: "trim", Command: "trim", OutputDir: "/work/trim/global"}

	h, _ := r.Submit(context.Background(), resolved, task.Resources{})
	if err := r.Cancel(context.Background(), h); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ns, name := r.parseID(h.ID)
	if _, err := r.client.BatchV1().Jobs(ns).Get(context.Background(), name, metav1.GetOptions{}); err == nil {
		t.Fatal("job should be deleted after cancel")
	}
}

func TestJobName_RFC1123(t *testing.T) {
	name := jobName(&task.Resolved{TaskID: "Build_Index", Key: "Ref.38"})
	if !strings.HasPrefix(name, "flowrun-build-index-ref-38-") {
		t.Fatalf("unexpected name: %s", name)
	}
	if strings.ToLower(name) != name {
		t.Fatalf("name must be lowercase: %s", name)
	}
}
