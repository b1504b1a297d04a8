package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/task"
)

// Source feeds a channel from configuration (an input glob, a reference
// path) rather than from a task.
type Source struct {
	// Name is the channel name tasks consume.
	Name string
	// Kind is the channel kind.
	Kind string
	// Pattern is the original glob/path, kept for error reporting.
	Pattern string
	// Items are the resolved values, one per key.
	Items []channel.Item
}

// Builder constructs dependency graphs. The zero value probes the real
// filesystem for condition predicates.
type Builder struct {
	// Exists is the predicate probe for unless_exists conditions.
	// Defaults to os.Stat. Overridable in tests.
	Exists func(path string) bool
}

// Build materializes a dependency graph with the default builder.
func Build(descriptors []*task.Descriptor, sources []Source, params map[string]string, workdir string) (*Graph, error) {
	return (&Builder{}).Build(descriptors, sources, params, workdir)
}

// Build validates the descriptors, wires channels, detects cycles, evaluates
// build-time conditions, and materializes one instance per scatter key (one
// global instance for singletons). Any failure here aborts before a single
// task dispatches.
func (b *Builder) Build(descriptors []*task.Descriptor, sources []Source, params map[string]string, workdir string) (*Graph, error) {
	exists := b.Exists
	if exists == nil {
		exists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	g := &Graph{
		Wiring:    channel.NewWiring(),
		Params:    copyParams(params),
		instances: make(map[string]*Instance),
	}

	byID := make(map[string]*task.Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if err := d.Resources.Parse(); err != nil {
			return nil, err
		}
		if _, dup := byID[d.ID]; dup {
			return nil, errors.Configuration(fmt.Sprintf("duplicate task id %q", d.ID))
		}
		byID[d.ID] = d
	}

	// Source channels are complete at build time. An empty source fails
	// the run before scheduling begins.
	chKeys := make(map[string][]string)
	for _, src := range sources {
		if len(src.Items) == 0 {
			return nil, errors.InputNotFound(src.Name, src.Pattern)
		}
		if _, err := g.Wiring.Declare(src.Name, src.Kind, channel.SourceProducer); err != nil {
			return nil, err
		}
		ch, _ := g.Wiring.Get(src.Name)
		for _, it := range src.Items {
			if err := ch.Publish(it); err != nil {
				return nil, err
			}
		}
		ch.Close()
		chKeys[src.Name] = ch.Keys()
	}

	// Producers first, then consumers, so dangling references surface
	// with the consumer named.
	for _, d := range descriptors {
		for _, out := range d.Outputs {
			kind := channel.KindStream
			if !d.Scatter {
				kind = channel.KindValue
			}
			if _, err := g.Wiring.Declare(out.Channel, kind, d.ID); err != nil {
				return nil, err
			}
		}
	}
	edges := make(map[string][]string)
	seenEdge := make(map[string]bool)
	for _, d := range descriptors {
		for _, in := range d.Inputs {
			if _, err := g.Wiring.Consume(in.Channel, d.ID); err != nil {
				return nil, err
			}
			ch, _ := g.Wiring.Get(in.Channel)
			if ch.Producer() == channel.SourceProducer {
				continue
			}
			key := ch.Producer() + "->" + d.ID
			if !seenEdge[key] {
				seenEdge[key] = true
				edges[ch.Producer()] = append(edges[ch.Producer()], d.ID)
			}
		}
	}

	ids := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		ids = append(ids, d.ID)
	}
	levels, err := buildLevels(ids, edges)
	if err != nil {
		return nil, err
	}

	producers := make(map[string][]*Instance)
	byChanKey := make(map[string]map[string]*Instance)

	for _, level := range levels {
		for _, id := range level {
			d := byID[id]
			if err := b.materialize(g, d, params, workdir, exists, chKeys, producers, byChanKey); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func (b *Builder) materialize(
	g *Graph,
	d *task.Descriptor,
	params map[string]string,
	workdir string,
	exists func(string) bool,
	chKeys map[string][]string,
	producers map[string][]*Instance,
	byChanKey map[string]map[string]*Instance,
) error {
	// Conditions are pure predicates evaluated exactly once, here. The
	// build-vs-reuse decision is made before any scheduling; the
	// scheduler never branches on it.
	if d.Condition != nil {
		path, err := task.Substitute(d.Condition.Path, params)
		if err != nil {
			return err
		}
		if d.Condition.Kind == task.ConditionUnlessExists && exists(path) {
			return b.skipAtBuild(g, d, params, chKeys, producers, byChanKey)
		}
	}

	var keys []string
	if d.Scatter {
		driving, ok := d.DrivingInput()
		if !ok {
			return errors.Configuration(fmt.Sprintf("scatter task %q has no single-arity input to drive it", d.ID))
		}
		ks, ok := chKeys[driving.Channel]
		if !ok {
			return errors.Internal(fmt.Errorf("graph: no key set for channel %q", driving.Channel))
		}
		keys = ks
	} else {
		for _, in := range d.Inputs {
			ch, _ := g.Wiring.Get(in.Channel)
			if in.Arity == task.AritySingle && ch.Kind() == channel.KindStream && len(chKeys[in.Channel]) > 1 {
				return errors.Configuration(fmt.Sprintf(
					"singleton task %q consumes multi-key channel %q with arity single; declare arity collect", d.ID, in.Channel))
			}
			keys = nil
		}
	}

	var insts []*Instance
	if d.Scatter {
		for _, key := range keys {
			insts = append(insts, newInstance(d, key, filepath.Join(workdir, d.ID, key)))
		}
	} else {
		insts = append(insts, newInstance(d, "", filepath.Join(workdir, d.ID, "global")))
	}

	for _, inst := range insts {
		for _, in := range d.Inputs {
			ch, _ := g.Wiring.Get(in.Channel)
			if ch.Producer() == channel.SourceProducer {
				continue
			}
			switch {
			case in.Arity == task.ArityCollect:
				for _, p := range producers[in.Channel] {
					inst.addDep(p)
				}
			case ch.Kind() == channel.KindValue:
				for _, p := range producers[in.Channel] {
					inst.addDep(p)
				}
			default:
				p, ok := byChanKey[in.Channel][inst.Key]
				if !ok {
					return errors.Configuration(fmt.Sprintf(
						"task %q expects key %q on channel %q but its producer %q never emits it",
						d.ID, inst.Key, in.Channel, ch.Producer()))
				}
				inst.addDep(p)
			}
		}
		g.instances[inst.Name] = inst
		g.order = append(g.order, inst.Name)
	}

	outKeys := []string{d.ID}
	if d.Scatter {
		outKeys = keys
	}
	for _, out := range d.Outputs {
		producers[out.Channel] = insts
		chKeys[out.Channel] = outKeys
		index := make(map[string]*Instance, len(insts))
		for i, inst := range insts {
			index[outKeys[i]] = inst
		}
		byChanKey[out.Channel] = index
	}
	return nil
}

// skipAtBuild creates the node for a condition-skipped task and publishes
// its declared fallback on every output channel. Downstream readiness sees
// the skip as satisfied; no new output is ever produced by this node.
func (b *Builder) skipAtBuild(
	g *Graph,
	d *task.Descriptor,
	params map[string]string,
	chKeys map[string][]string,
	producers map[string][]*Instance,
	byChanKey map[string]map[string]*Instance,
) error {
	inst := newInstance(d, "", "")
	inst.Status = StatusSkipped
	inst.SkipCause = SkipCondition
	g.instances[inst.Name] = inst
	g.order = append(g.order, inst.Name)

	for _, out := range d.Outputs {
		ch, ok := g.Wiring.Get(out.Channel)
		if !ok {
			return errors.Internal(fmt.Errorf("graph: skipped task %q output channel %q not declared", d.ID, out.Channel))
		}
		values := make([]string, 0, len(out.Fallback))
		for _, f := range out.Fallback {
			v, err := task.Substitute(f, params)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		if err := ch.Publish(channel.Item{Key: d.ID, Values: values}); err != nil {
			return err
		}
		ch.Close()
		chKeys[out.Channel] = []string{d.ID}
		producers[out.Channel] = []*Instance{inst}
		byChanKey[out.Channel] = map[string]*Instance{d.ID: inst}
	}
	return nil
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
