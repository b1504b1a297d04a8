// Package backend provides a provider-based execution backend for running
// task attempts across different runtimes (local subprocesses, Docker,
// Kubernetes). The scheduler drives every backend through the same
// four-operation contract and never learns runtime specifics.
package backend

import (
	"context"

	"github.com/kbukum/flowrun/task"
)

// Backend runs task attempts. All providers must implement this interface.
//
// The scheduler owns the attempt lifecycle: it submits, polls until a
// terminal phase, collects outputs on success, and cancels on timeout or
// run cancellation. Backends hold per-handle state between Submit and
// CollectOutputs and must be safe for concurrent use.
type Backend interface {
	// Submit starts one attempt of a resolved task and returns a handle.
	Submit(ctx context.Context, r *task.Resolved, res task.Resources) (Handle, error)

	// Poll returns the current phase of an attempt. Non-blocking.
	Poll(ctx context.Context, h Handle) (PollResult, error)

	// Cancel stops a running attempt. Providers terminate gracefully first
	// and escalate after their configured grace period.
	Cancel(ctx context.Context, h Handle) error

	// CollectOutputs retrieves the artifact locations a succeeded attempt
	// produced, keyed by declared output name. Also releases any runtime
	// resources held for the handle.
	CollectOutputs(ctx context.Context, h Handle) (map[string]string, error)
}

// Attempt phases reported by Poll.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// Provider constants for well-known runtimes.
const (
	ProviderLocal      = "local"
	ProviderDocker     = "docker"
	ProviderKubernetes = "kubernetes"
)

// Handle is an opaque reference to a submitted attempt.
type Handle struct {
	// ID identifies the attempt within its provider (a UUID for local
	// processes, a container ID, a "namespace/name" Job reference).
	ID string
	// Provider is the runtime that owns the attempt.
	Provider string
}

// PollResult is the observed state of an attempt.
type PollResult struct {
	// Phase is one of the Phase constants.
	Phase string
	// ExitCode is the process exit code once terminal. -1 if killed or
	// unknown.
	ExitCode int
	// Message carries a short diagnostic for failed attempts, typically a
	// stderr tail or a runtime condition reason.
	Message string
}

// Terminal reports whether the result's phase is terminal.
func (p PollResult) Terminal() bool {
	return p.Phase == PhaseSucceeded || p.Phase == PhaseFailed
}
