// Package cache persists completed task outputs keyed by resolved
// fingerprint, so an unchanged rerun dispatches nothing. Entries are only
// trusted once their completion marker exists; a crash mid-write leaves a
// miss, never a corrupt hit.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/task"
)

const (
	cacheDirName = ".cache"
	outputsFile  = "outputs.yaml"
	markerFile   = "COMPLETE"
)

// entry is the on-disk record of one completed instance.
type entry struct {
	TaskID  string            `yaml:"task"`
	Key     string            `yaml:"key,omitempty"`
	Command string            `yaml:"command"`
	Outputs map[string]string `yaml:"outputs"`
}

// Dir is a filesystem-backed resume cache rooted under a run's work
// directory, laid out as .cache/<taskID>/<fingerprint>/.
type Dir struct {
	root string
	log  *logger.Logger
}

// New opens (creating if needed) the cache under workdir.
func New(workdir string, log *logger.Logger) (*Dir, error) {
	root := filepath.Join(workdir, cacheDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", root, err)
	}
	return &Dir{root: root, log: log.WithComponent("cache")}, nil
}

// Lookup returns the stored outputs for a resolved instance. A hit requires
// the completion marker and every recorded artifact still on disk; anything
// less is a miss and the instance runs normally.
func (d *Dir) Lookup(r *task.Resolved) (map[string]string, bool) {
	dir := d.entryDir(r)
	if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(dir, outputsFile))
	if err != nil {
		return nil, false
	}
	var e entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		d.log.Warn("discarding unreadable cache entry", map[string]interface{}{
			logger.FieldInstance: r.Name(),
			logger.FieldError:    err.Error(),
		})
		return nil, false
	}

	for name, loc := range e.Outputs {
		if _, err := os.Stat(loc); err != nil {
			d.log.Debug("cache entry stale, artifact missing", map[string]interface{}{
				logger.FieldInstance: r.Name(),
				"output":             name,
				"location":           loc,
			})
			return nil, false
		}
	}

	d.log.Debug("cache hit", map[string]interface{}{
		logger.FieldInstance: r.Name(),
		"fingerprint":        r.Fingerprint(),
	})
	return e.Outputs, true
}

// Store records a completed instance's outputs. The marker is written last;
// entries without it are never served.
func (d *Dir) Store(r *task.Resolved, outputs map[string]string) error {
	dir := d.entryDir(r)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: create entry dir: %w", err)
	}

	data, err := yaml.Marshal(entry{
		TaskID:  r.TaskID,
		Key:     r.Key,
		Command: r.Command,
		Outputs: outputs,
	})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	tmp := filepath.Join(dir, outputsFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write entry: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, outputsFile)); err != nil {
		return fmt.Errorf("cache: finalize entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerFile), nil, 0o644); err != nil {
		return fmt.Errorf("cache: write completion marker: %w", err)
	}
	return nil
}

// Invalidate removes the entry for a resolved instance, forcing a re-run.
func (d *Dir) Invalidate(r *task.Resolved) error {
	return os.RemoveAll(d.entryDir(r))
}

func (d *Dir) entryDir(r *task.Resolved) string {
	return filepath.Join(d.root, r.TaskID, r.Fingerprint())
}
