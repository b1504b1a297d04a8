// Package pipeline is the declarative YAML surface: pipeline files declare
// params, input sources, and tasks, and compose through includes. Resolving a
// pipeline yields the descriptors and sources graph construction consumes.
package pipeline

import (
	"fmt"

	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/task"
)

// Pipeline is a composable, YAML-defined workflow definition.
type Pipeline struct {
	// Name is the pipeline identifier, used by includes.
	Name string `yaml:"name"`
	// Includes lists sub-pipeline names to compose (recursive).
	Includes []string `yaml:"includes,omitempty"`
	// Params are default substitution values; run configuration overrides
	// them per invocation.
	Params map[string]string `yaml:"params,omitempty"`
	// Sources feed channels from configuration instead of from tasks.
	Sources []SourceDef `yaml:"sources,omitempty"`
	// Profiles are named parameter/resource presets selected at run time.
	Profiles map[string]Profile `yaml:"profiles,omitempty"`
	// Tasks are the work definitions.
	Tasks []*task.Descriptor `yaml:"tasks"`
}

// Profile is a named preset layered between pipeline defaults and run
// overrides.
type Profile struct {
	// Params override the pipeline's default params.
	Params map[string]string `yaml:"params,omitempty"`
	// Resources override per-task resource declarations, keyed by task ID.
	Resources map[string]task.Resources `yaml:"resources,omitempty"`
}

// SourceDef declares a configuration-fed channel.
type SourceDef struct {
	// Channel is the name tasks consume.
	Channel string `yaml:"channel"`
	// Pattern is a path or glob, with {param} placeholders.
	Pattern string `yaml:"pattern"`
	// Kind is "stream" (one item per key, the default) or "value".
	Kind string `yaml:"kind,omitempty"`
	// GroupBy is a regexp whose first capture group extracts the item key
	// from a matched filename; files sharing a key become one multi-value
	// item. Empty means one item per file, keyed by stripped basename.
	GroupBy string `yaml:"group_by,omitempty"`
}

// MergedParams layers overrides from the run configuration on top of the
// pipeline's declared defaults.
func (p *Pipeline) MergedParams(overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(p.Params)+len(overrides))
	for k, v := range p.Params {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// ApplyProfile folds a named profile into the pipeline: profile params
// override defaults (run overrides still win via MergedParams), and resource
// presets replace the named tasks' declarations field by field.
func (p *Pipeline) ApplyProfile(name string) error {
	if name == "" {
		return nil
	}
	prof, ok := p.Profiles[name]
	if !ok {
		return errors.Configuration(fmt.Sprintf("pipeline %q has no profile %q", p.Name, name))
	}

	for k, v := range prof.Params {
		if p.Params == nil {
			p.Params = make(map[string]string)
		}
		p.Params[k] = v
	}

	for id, res := range prof.Resources {
		d := p.task(id)
		if d == nil {
			return errors.Configuration(fmt.Sprintf("profile %q overrides unknown task %q", name, id))
		}
		if res.CPURaw != "" {
			d.Resources.CPURaw = res.CPURaw
		}
		if res.MemoryRaw != "" {
			d.Resources.MemoryRaw = res.MemoryRaw
		}
		if res.Timeout != 0 {
			d.Resources.Timeout = res.Timeout
		}
	}
	return nil
}

func (p *Pipeline) task(id string) *task.Descriptor {
	for _, d := range p.Tasks {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// merge folds an included sub-pipeline into p. Tasks and sources already
// present win, so diamond includes stay deduplicated; parent params override
// included defaults.
func (p *Pipeline) merge(sub *Pipeline) error {
	haveTask := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		haveTask[t.ID] = true
	}
	for _, t := range sub.Tasks {
		if haveTask[t.ID] {
			continue
		}
		haveTask[t.ID] = true
		p.Tasks = append(p.Tasks, t)
	}

	haveSource := make(map[string]bool, len(p.Sources))
	for _, s := range p.Sources {
		haveSource[s.Channel] = true
	}
	for _, s := range sub.Sources {
		if haveSource[s.Channel] {
			continue
		}
		haveSource[s.Channel] = true
		p.Sources = append(p.Sources, s)
	}

	for k, v := range sub.Params {
		if _, ok := p.Params[k]; !ok {
			if p.Params == nil {
				p.Params = make(map[string]string)
			}
			p.Params[k] = v
		}
	}

	for name, prof := range sub.Profiles {
		if _, ok := p.Profiles[name]; !ok {
			if p.Profiles == nil {
				p.Profiles = make(map[string]Profile)
			}
			p.Profiles[name] = prof
		}
	}
	return nil
}

// Validate checks the structural parts yaml decoding cannot.
func (p *Pipeline) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.Configuration(fmt.Sprintf("pipeline %q defines no tasks", p.Name))
	}
	for _, s := range p.Sources {
		if s.Channel == "" || s.Pattern == "" {
			return errors.Configuration(fmt.Sprintf("pipeline %q: source needs channel and pattern", p.Name))
		}
	}
	return nil
}
