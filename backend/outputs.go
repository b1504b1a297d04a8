package backend

import (
	"os"
	"path/filepath"

	"github.com/kbukum/flowrun/task"
)

// CollectFromDir maps a succeeded attempt's declared output names to
// locations under its output directory. A file or directory named exactly
// after the output takes that path; otherwise the output directory itself
// stands in, for tasks that write a tree rather than a single artifact.
//
// All providers share this convention: container runtimes mount the output
// directory into the workload, so the paths are visible on the scheduler's
// filesystem either way.
func CollectFromDir(r *task.Resolved) map[string]string {
	outputs := make(map[string]string, len(r.OutputNames))
	for _, name := range r.OutputNames {
		p := filepath.Join(r.OutputDir, name)
		if _, err := os.Stat(p); err == nil {
			outputs[name] = p
			continue
		}
		outputs[name] = r.OutputDir
	}
	return outputs
}
