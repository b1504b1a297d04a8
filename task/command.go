package task

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kbukum/flowrun/errors"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Resolved is a task instance's command after substituting concrete input
// paths. This is the unit of work handed to the execution backend; the
// engine never inspects it further.
type Resolved struct {
	// TaskID is the owning descriptor's ID.
	TaskID string
	// Key is the scatter key, empty for singleton tasks.
	Key string
	// Command is the fully substituted command line.
	Command string
	// Inputs maps channel names to the concrete values bound for this
	// instance. Kept for fingerprinting; the backend only sees Command.
	Inputs map[string][]string
	// OutputDir is where the instance writes its declared outputs.
	OutputDir string
	// OutputNames are the declared output channel names, used by
	// backends to collect artifacts after completion.
	OutputNames []string
	// Image is the container image for container backends.
	Image string
}

// Name returns the instance identifier "task" or "task:key".
func (r *Resolved) Name() string {
	if r.Key == "" {
		return r.TaskID
	}
	return r.TaskID + ":" + r.Key
}

// Substitute replaces {name} placeholders in a command template.
// Every placeholder must have a binding; an unresolved placeholder is a
// configuration error, never passed through to the backend.
func Substitute(template string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", errors.Configuration(
			fmt.Sprintf("command template references unbound placeholders: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

// Placeholders lists the distinct placeholder names in a template.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
