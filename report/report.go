// Package report summarizes the state of a run for operators. Snapshots are
// pure reads over the graph, so they can be taken mid-run for progress output
// and again at completion.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kbukum/flowrun/graph"
)

// InstanceReport is the reported state of one task instance.
type InstanceReport struct {
	Name         string            `json:"name"`
	TaskID       string            `json:"task_id"`
	Key          string            `json:"key,omitempty"`
	Status       string            `json:"status"`
	SkipCause    string            `json:"skip_cause,omitempty"`
	FailureCause string            `json:"failure_cause,omitempty"`
	Attempts     int               `json:"attempts"`
	FromCache    bool              `json:"from_cache,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Error        string            `json:"error,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// Summary is one snapshot of a run.
type Summary struct {
	TakenAt   time.Time        `json:"taken_at"`
	Total     int              `json:"total"`
	Counts    map[string]int   `json:"counts"`
	WallClock time.Duration    `json:"wall_clock"`
	Instances []InstanceReport `json:"instances"`
	Failed    []InstanceReport `json:"failed,omitempty"`
}

// Done reports whether every instance has reached a terminal state.
func (s Summary) Done() bool {
	terminal := s.Counts[graph.StatusSucceeded] + s.Counts[graph.StatusFailed] + s.Counts[graph.StatusSkipped]
	return terminal == s.Total
}

// Succeeded reports whether the run as a whole succeeded: no failures, no
// cancellation skips, everything terminal.
func (s Summary) Succeeded() bool {
	if !s.Done() || s.Counts[graph.StatusFailed] > 0 {
		return false
	}
	for _, inst := range s.Instances {
		if inst.Status == graph.StatusSkipped && inst.SkipCause != graph.SkipCondition {
			return false
		}
	}
	return true
}

// Snapshot captures the current state of a graph. Safe to call before, during
// (from the coordinating goroutine or after Run returns), and after a run;
// calling it twice on a quiet graph yields the same summary apart from
// TakenAt.
func Snapshot(g *graph.Graph) Summary {
	now := time.Now()
	s := Summary{
		TakenAt: now,
		Total:   g.Len(),
		Counts:  make(map[string]int),
	}

	var earliest, latest time.Time
	anyRunning := false

	for _, inst := range g.Instances() {
		s.Counts[inst.Status]++

		ir := InstanceReport{
			Name:         inst.Name,
			TaskID:       inst.Task.ID,
			Key:          inst.Key,
			Status:       inst.Status,
			SkipCause:    inst.SkipCause,
			FailureCause: inst.FailureCause,
			Attempts:     inst.Attempts,
			FromCache:    inst.FromCache,
			StartedAt:    inst.StartedAt,
			FinishedAt:   inst.FinishedAt,
			Duration:     inst.Duration(),
			Outputs:      inst.Outputs,
		}
		if inst.Err != nil {
			ir.Error = inst.Err.Error()
		}
		s.Instances = append(s.Instances, ir)

		if inst.Status == graph.StatusFailed {
			s.Failed = append(s.Failed, ir)
		}
		if inst.Status == graph.StatusRunning {
			anyRunning = true
		}
		if !inst.StartedAt.IsZero() && (earliest.IsZero() || inst.StartedAt.Before(earliest)) {
			earliest = inst.StartedAt
		}
		if inst.FinishedAt.After(latest) {
			latest = inst.FinishedAt
		}
	}

	sort.Slice(s.Failed, func(a, b int) bool { return s.Failed[a].Name < s.Failed[b].Name })

	if !earliest.IsZero() {
		end := latest
		if anyRunning || end.IsZero() {
			end = now
		}
		s.WallClock = end.Sub(earliest)
	}
	return s
}

// Render writes a human-readable run summary.
func Render(w io.Writer, s Summary) {
	fmt.Fprintf(w, "run %s: %d instances in %s\n",
		overallLabel(s), s.Total, s.WallClock.Round(time.Millisecond))

	order := []string{
		graph.StatusSucceeded, graph.StatusFailed, graph.StatusSkipped,
		graph.StatusRunning, graph.StatusReady, graph.StatusPending,
	}
	var parts []string
	for _, status := range order {
		if n := s.Counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	fmt.Fprintf(w, "  %s\n", strings.Join(parts, ", "))

	for _, inst := range s.Instances {
		line := fmt.Sprintf("  %-30s %-9s", inst.Name, inst.Status)
		switch inst.Status {
		case graph.StatusSucceeded:
			if inst.FromCache {
				line += " (cached)"
			} else {
				line += fmt.Sprintf(" %s, %d attempt(s)", inst.Duration.Round(time.Millisecond), inst.Attempts)
			}
		case graph.StatusFailed:
			line += fmt.Sprintf(" cause=%s after %d attempt(s)", inst.FailureCause, inst.Attempts)
		case graph.StatusSkipped:
			line += fmt.Sprintf(" (%s)", inst.SkipCause)
		}
		fmt.Fprintln(w, line)
	}

	for _, f := range s.Failed {
		if f.Error != "" {
			fmt.Fprintf(w, "  error %s: %s\n", f.Name, f.Error)
		}
	}
}

func overallLabel(s Summary) string {
	switch {
	case !s.Done():
		return "in progress"
	case s.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}
