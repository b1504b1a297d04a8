// Package graph derives a DAG of task instances from declared channel
// producer/consumer relationships. Cycles and dangling channel references
// are hard failures at build time; nothing is ever scheduled from a graph
// that failed to build.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/task"
)

// Graph is the fully materialized dependency graph of task instances.
type Graph struct {
	// Wiring holds the channels instances publish to and consume from.
	Wiring *channel.Wiring
	// Params are the substitution variables threaded through from the
	// run configuration. Task bodies never read configuration ambiently.
	Params map[string]string

	instances map[string]*Instance
	order     []string
}

// Instances returns all instances in deterministic materialization order.
func (g *Graph) Instances() []*Instance {
	out := make([]*Instance, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.instances[name])
	}
	return out
}

// Instance returns an instance by name.
func (g *Graph) Instance(name string) (*Instance, bool) {
	inst, ok := g.instances[name]
	return inst, ok
}

// Len returns the number of instances.
func (g *Graph) Len() int { return len(g.instances) }

// Resolve substitutes an instance's concrete input values into its command
// template, producing the opaque unit of work handed to the backend.
func (g *Graph) Resolve(inst *Instance) (*task.Resolved, error) {
	vars := make(map[string]string, len(g.Params)+len(inst.Task.Inputs)+2)
	for k, v := range g.Params {
		vars[k] = v
	}

	inputs := make(map[string][]string, len(inst.Task.Inputs))
	for _, in := range inst.Task.Inputs {
		ch, ok := g.Wiring.Get(in.Channel)
		if !ok {
			return nil, errors.Internal(fmt.Errorf("graph: instance %s references unknown channel %q", inst.Name, in.Channel))
		}

		values, err := bindInput(inst, in, ch)
		if err != nil {
			return nil, err
		}
		inputs[in.Channel] = values
		vars[in.Channel] = strings.Join(values, " ")
	}

	vars["key"] = inst.Key
	vars["outdir"] = inst.OutputDir

	cmd, err := task.Substitute(inst.Task.Command, vars)
	if err != nil {
		return nil, err
	}

	outputNames := make([]string, 0, len(inst.Task.Outputs))
	for _, out := range inst.Task.Outputs {
		outputNames = append(outputNames, out.Channel)
	}

	return &task.Resolved{
		TaskID:      inst.Task.ID,
		Key:         inst.Key,
		Command:     cmd,
		Inputs:      inputs,
		OutputDir:   inst.OutputDir,
		OutputNames: outputNames,
		Image:       inst.Task.Image,
	}, nil
}

// bindInput selects the concrete values one instance consumes from a channel.
func bindInput(inst *Instance, in task.InputRef, ch *channel.Channel) ([]string, error) {
	switch {
	case in.Arity == task.ArityCollect:
		items := ch.Items()
		sort.Slice(items, func(a, b int) bool { return items[a].Key < items[b].Key })
		var values []string
		for _, it := range items {
			values = append(values, it.Values...)
		}
		return values, nil

	case ch.Kind() == channel.KindValue:
		items := ch.Items()
		if len(items) != 1 {
			return nil, errors.Internal(fmt.Errorf("graph: value channel %q has %d items at bind time", ch.Name(), len(items)))
		}
		return items[0].Values, nil

	default:
		it, ok := ch.Get(inst.Key)
		if !ok {
			return nil, errors.Internal(fmt.Errorf("graph: channel %q has no item for key %q", ch.Name(), inst.Key))
		}
		return it.Values, nil
	}
}

// buildLevels groups task descriptors by dependency level using Kahn's
// algorithm. Returns an error naming the offending tasks if a cycle exists.
func buildLevels(ids []string, edges map[string][]string) ([][]string, error) {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, tos := range edges {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var levels [][]string
	visited := 0

	for len(queue) > 0 {
		levels = append(levels, queue)
		visited += len(queue)

		var next []string
		for _, id := range queue {
			for _, dep := range edges[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		queue = next
	}

	if visited != len(ids) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Configuration(
			fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(stuck, ", ")))
	}

	return levels, nil
}
