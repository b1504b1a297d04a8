package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/graph"
	"github.com/kbukum/flowrun/task"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	trim := &task.Descriptor{
		ID:      "trim",
		Scatter: true,
		Inputs:  []task.InputRef{{Channel: "reads", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "trimmed"}},
		Command: "trim {reads}",
	}
	merge := &task.Descriptor{
		ID:      "merge",
		Inputs:  []task.InputRef{{Channel: "trimmed", Arity: task.ArityCollect}},
		Outputs: []task.OutputRef{{Channel: "merged"}},
		Command: "merge {trimmed}",
	}
	src := graph.Source{Name: "reads", Kind: channel.KindStream, Pattern: "*.fq", Items: []channel.Item{
		{Key: "s1", Values: []string{"s1.fq"}},
		{Key: "s2", Values: []string{"s2.fq"}},
	}}
	g, err := graph.Build([]*task.Descriptor{trim, merge}, []graph.Source{src}, nil, "/work")
	require.NoError(t, err)
	return g
}

func setStatus(t *testing.T, g *graph.Graph, name, status string) *graph.Instance {
	t.Helper()
	inst, ok := g.Instance(name)
	require.True(t, ok, "instance %s", name)
	inst.Status = status
	return inst
}

func TestSnapshot_PartialRun(t *testing.T) {
	g := buildGraph(t)

	done := setStatus(t, g, "trim:s1", graph.StatusSucceeded)
	done.Attempts = 1
	done.StartedAt = time.Now().Add(-2 * time.Second)
	done.FinishedAt = time.Now().Add(-time.Second)

	running := setStatus(t, g, "trim:s2", graph.StatusRunning)
	running.StartedAt = time.Now().Add(-time.Second)

	s := Snapshot(g)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Counts[graph.StatusSucceeded])
	assert.Equal(t, 1, s.Counts[graph.StatusRunning])
	assert.Equal(t, 1, s.Counts[graph.StatusPending])
	assert.False(t, s.Done())
	assert.Empty(t, s.Failed)
	// Wall clock keeps growing while anything is still running.
	assert.Greater(t, s.WallClock, time.Second)
}

func TestSnapshot_FailedRun(t *testing.T) {
	g := buildGraph(t)

	ok := setStatus(t, g, "trim:s1", graph.StatusSucceeded)
	ok.Attempts = 1

	failed := setStatus(t, g, "trim:s2", graph.StatusFailed)
	failed.FailureCause = graph.CauseExit
	failed.Attempts = 3
	failed.Err = errors.TaskFailed("trim:s2", 1, "boom")

	skipped := setStatus(t, g, "merge", graph.StatusSkipped)
	skipped.SkipCause = graph.SkipUpstreamFailure

	s := Snapshot(g)
	assert.True(t, s.Done())
	assert.False(t, s.Succeeded())
	require.Len(t, s.Failed, 1)
	assert.Equal(t, "trim:s2", s.Failed[0].Name)
	assert.Equal(t, graph.CauseExit, s.Failed[0].FailureCause)
	assert.Equal(t, 3, s.Failed[0].Attempts)
	assert.Contains(t, s.Failed[0].Error, "boom")
}

func TestSnapshot_ConditionSkipStillSucceeds(t *testing.T) {
	g := buildGraph(t)
	for _, name := range []string{"trim:s1", "trim:s2"} {
		setStatus(t, g, name, graph.StatusSucceeded).Attempts = 1
	}
	inst := setStatus(t, g, "merge", graph.StatusSkipped)
	inst.SkipCause = graph.SkipCondition

	s := Snapshot(g)
	assert.True(t, s.Done())
	assert.True(t, s.Succeeded())
}

func TestSnapshot_Idempotent(t *testing.T) {
	g := buildGraph(t)
	setStatus(t, g, "trim:s1", graph.StatusSucceeded)

	a := Snapshot(g)
	b := Snapshot(g)
	a.TakenAt, b.TakenAt = time.Time{}, time.Time{}
	assert.Equal(t, a, b)
}

func TestRender(t *testing.T) {
	g := buildGraph(t)
	ok := setStatus(t, g, "trim:s1", graph.StatusSucceeded)
	ok.Attempts = 1
	cached := setStatus(t, g, "trim:s2", graph.StatusSucceeded)
	cached.FromCache = true
	failed := setStatus(t, g, "merge", graph.StatusFailed)
	failed.FailureCause = graph.CauseTimeout
	failed.Attempts = 2
	failed.Err = errors.TaskTimeout("merge", "30m")

	var buf bytes.Buffer
	Render(&buf, Snapshot(g))
	out := buf.String()

	assert.Contains(t, out, "run failed: 3 instances")
	assert.Contains(t, out, "2 succeeded, 1 failed")
	assert.Contains(t, out, "(cached)")
	assert.Contains(t, out, "cause=timeout after 2 attempt(s)")
	assert.Contains(t, out, "error merge:")
}
