// Package task defines the static description of one unit of work: its
// channel bindings, resource requirements, command template, and the
// fingerprint rule used for caching and resume.
package task

import (
	"fmt"

	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/validation"
)

// Input arity constants.
const (
	// AritySingle consumes one value per invocation, matched by key.
	AritySingle = "single"
	// ArityCollect consumes the aggregate of all upstream items at once.
	ArityCollect = "collect"
)

// Condition kinds evaluated once at graph-build time.
const (
	// ConditionUnlessExists skips the task if the path already exists,
	// publishing the output fallback instead.
	ConditionUnlessExists = "unless_exists"
)

// InputRef binds a task to a channel it consumes.
type InputRef struct {
	// Channel is the name of the consumed channel.
	Channel string `yaml:"channel" validate:"required"`
	// Arity is how values are delivered: single (per key) or collect.
	Arity string `yaml:"arity" validate:"oneof=single collect"`
}

// OutputRef binds a task to a channel it produces.
type OutputRef struct {
	// Channel is the name of the produced channel.
	Channel string `yaml:"channel" validate:"required"`
	// Fallback values are published at build time when the task's
	// condition evaluates false. Empty means no fallback.
	Fallback []string `yaml:"fallback,omitempty"`
}

// Condition is a pure predicate evaluated once during graph construction,
// never inside the scheduler.
type Condition struct {
	Kind string `yaml:"kind" validate:"oneof=unless_exists"`
	Path string `yaml:"path" validate:"required"`
}

// Descriptor is the static definition of one unit of work.
type Descriptor struct {
	// ID is the unique stable task name.
	ID string `yaml:"id" validate:"required"`
	// Scatter materializes one instance per distinct key on the driving
	// channel. False means a single global instance.
	Scatter bool `yaml:"scatter"`
	// Inputs are the consumed channels, in declaration order.
	Inputs []InputRef `yaml:"inputs" validate:"dive"`
	// Outputs are the produced channels.
	Outputs []OutputRef `yaml:"outputs" validate:"dive"`
	// Command is the opaque executable template. The engine only
	// substitutes input paths; it never interprets the command.
	Command string `yaml:"command" validate:"required"`
	// Image is the container image for container backends. Ignored by
	// the local backend.
	Image string `yaml:"image,omitempty"`
	// Resources are the per-instance resource requirements.
	Resources Resources `yaml:"resources"`
	// Retries is the per-instance retry budget after the first attempt.
	Retries int `yaml:"retries" validate:"gte=0,max=10"`
	// Condition optionally skips the task at build time.
	Condition *Condition `yaml:"condition,omitempty"`
}

// Validate checks the descriptor's structural invariants.
func (d *Descriptor) Validate() error {
	if err := validation.Validate(d); err != nil {
		return err
	}

	seen := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		if seen[in.Channel] {
			return errors.Configuration(fmt.Sprintf("task %q consumes channel %q twice", d.ID, in.Channel))
		}
		seen[in.Channel] = true
	}
	for _, out := range d.Outputs {
		if seen[out.Channel] {
			return errors.Configuration(fmt.Sprintf("task %q both consumes and produces channel %q", d.ID, out.Channel))
		}
	}
	if d.Condition != nil {
		for _, out := range d.Outputs {
			if len(out.Fallback) == 0 {
				return errors.Configuration(fmt.Sprintf("conditional task %q output %q declares no fallback", d.ID, out.Channel))
			}
		}
	}
	return nil
}

// DrivingInput returns the first single-arity input, which determines the
// scatter keys for per-sample tasks. Returns false for pure collect tasks.
func (d *Descriptor) DrivingInput() (InputRef, bool) {
	for _, in := range d.Inputs {
		if in.Arity == AritySingle {
			return in, true
		}
	}
	return InputRef{}, false
}
