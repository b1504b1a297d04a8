package local

import (
	"context"
	"testing"
	"time"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := &Config{}
	cfg.ApplyDefaults()
	return NewRunner(cfg, 2*time.Second, logger.Nop())
}

func pollUntilTerminal(t *testing.T, r *Runner, h backend.Handle) backend.PollResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := r.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if res.Terminal() {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("attempt did not reach a terminal phase")
	return backend.PollResult{}
}

func TestRunner_SubmitPollCollect(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()

	resolved := &task.Resolved{
		TaskID:      "trim",
		Key:         "s1",
		Command:     "echo trimmed > out.txt",
		OutputDir:   dir,
		OutputNames: []string{"out.txt"},
	}

	h, err := r.Submit(context.Background(), resolved, task.Resources{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.Provider != backend.ProviderLocal || h.ID == "" {
		t.Fatalf("unexpected handle: %+v", h)
	}

	res := pollUntilTerminal(t, r, h)
	if res.Phase != backend.PhaseSucceeded || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	outputs, err := r.CollectOutputs(context.Background(), h)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if outputs["out.txt"] == "" {
		t.Fatalf("missing output location: %+v", outputs)
	}

	// Handle is released after collection.
	if _, err := r.Poll(context.Background(), h); err == nil {
		t.Fatal("expected unknown-handle error after collect")
	}
}

func TestRunner_NonZeroExit(t *testing.T) {
	r := newTestRunner(t)

	resolved := &task.Resolved{
		TaskID:    "align",
		Command:   "echo boom >&2; exit 3",
		OutputDir: t.TempDir(),
	}
	h, err := r.Submit(context.Background(), resolved, task.Resources{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := pollUntilTerminal(t, r, h)
	if res.Phase != backend.PhaseFailed {
		t.Fatalf("expected failed phase, got %+v", res)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Message == "" {
		t.Fatal("expected stderr tail in message")
	}
}

func TestRunner_Cancel(t *testing.T) {
	r := newTestRunner(t)

	resolved := &task.Resolved{
		TaskID:    "sleepy",
		Command:   "sleep 60",
		OutputDir: t.TempDir(),
	}
	h, err := r.Submit(context.Background(), resolved, task.Resources{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	start := time.Now()
	if err := r.Cancel(context.Background(), h); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancel took longer than the grace period allows")
	}

	res, err := r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Phase != backend.PhaseFailed || res.ExitCode != -1 {
		t.Fatalf("cancelled attempt should report killed: %+v", res)
	}
}

func TestStderrTail(t *testing.T) {
	if got := stderrTail("  \n"); got != "" {
		t.Fatalf("blank stderr should give empty tail, got %q", got)
	}
	got := stderrTail("l1\nl2\nl3\nl4\nl5\nl6\nl7")
	if got != "l3\nl4\nl5\nl6\nl7" {
		t.Fatalf("unexpected tail: %q", got)
	}
}
