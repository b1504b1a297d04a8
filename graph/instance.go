package graph

import (
	"sort"
	"time"

	"github.com/kbukum/flowrun/task"
)

// Task instance statuses.
const (
	StatusPending   = "pending"
	StatusReady     = "ready"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Skip causes. Condition skips satisfy downstream readiness; upstream-failure
// skips propagate further downstream.
const (
	SkipCondition       = "condition"
	SkipUpstreamFailure = "upstream_failure"
	SkipCancelled       = "cancelled"
)

// Failure causes, reported distinctly in the run summary.
const (
	CauseExit    = "exit"
	CauseTimeout = "timeout"
	CauseSubmit  = "submit"
)

// Instance is one concrete scheduled execution of a task descriptor for a
// specific scatter key (or the single global execution of a singleton task).
type Instance struct {
	// Name is "task" for singletons and "task:key" for scatter instances.
	Name string
	// Task is the owning descriptor.
	Task *task.Descriptor
	// Key is the scatter key, empty for singletons.
	Key string
	// OutputDir is where this instance writes its declared outputs.
	OutputDir string

	// Status is the current lifecycle state. Mutated only inside the
	// scheduler's coordinating loop.
	Status string
	// SkipCause distinguishes condition skips from upstream-failure skips.
	SkipCause string
	// FailureCause distinguishes timeouts from crashes.
	FailureCause string
	// Attempts counts dispatches including retries.
	Attempts int
	// Err is the last error for a failed instance.
	Err error
	// FromCache marks instances satisfied by the resume cache.
	FromCache bool
	// Outputs maps declared output names to artifact locations.
	Outputs map[string]string

	StartedAt  time.Time
	FinishedAt time.Time

	deps       map[string]*Instance
	dependents map[string]*Instance
}

func newInstance(d *task.Descriptor, key, outputDir string) *Instance {
	name := d.ID
	if key != "" {
		name = d.ID + ":" + key
	}
	return &Instance{
		Name:       name,
		Task:       d,
		Key:        key,
		OutputDir:  outputDir,
		Status:     StatusPending,
		deps:       make(map[string]*Instance),
		dependents: make(map[string]*Instance),
	}
}

func (i *Instance) addDep(dep *Instance) {
	if dep == nil || dep == i {
		return
	}
	i.deps[dep.Name] = dep
	dep.dependents[i.Name] = i
}

// Deps returns the producer instances this instance waits on, sorted by name.
func (i *Instance) Deps() []*Instance { return sortedInstances(i.deps) }

// Dependents returns the instances waiting on this instance, sorted by name.
func (i *Instance) Dependents() []*Instance { return sortedInstances(i.dependents) }

// Terminal reports whether the instance has reached a terminal state.
func (i *Instance) Terminal() bool {
	switch i.Status {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Satisfies reports whether this instance's terminal state unblocks a
// dependent: Succeeded, or Skipped by a build-time condition (the fallback
// output stands in for the real one).
func (i *Instance) Satisfies() bool {
	if i.Status == StatusSucceeded {
		return true
	}
	return i.Status == StatusSkipped && i.SkipCause == SkipCondition
}

// Duration returns the wall-clock execution time, zero until finished.
func (i *Instance) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.FinishedAt.IsZero() {
		return 0
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

func sortedInstances(m map[string]*Instance) []*Instance {
	out := make([]*Instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
