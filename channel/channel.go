// Package channel models the typed data-flow edges between tasks. A channel
// has exactly one producer and any number of consumers; fan-out duplicates
// delivery per consumer. Collect channels buffer every upstream item and are
// released only once the scheduler has observed all producer terminal states.
package channel

import (
	"fmt"
	"sort"

	"github.com/kbukum/flowrun/errors"
)

// Channel kinds.
const (
	// KindValue emits exactly one item.
	KindValue = "value"
	// KindStream emits zero or more items and closes when its producer
	// side is exhausted.
	KindStream = "stream"
	// KindCollect buffers all upstream items and emits one aggregate after
	// every producing path has terminated. This is the fan-in
	// synchronization point for aggregation stages.
	KindCollect = "collect"
)

// SourceProducer marks channels fed from configuration (input globs,
// reference paths) rather than from a task.
const SourceProducer = "<source>"

// Item is one tagged element on a channel: a key and its value set,
// e.g. ("s1", ["s1_1.fq.gz", "s1_2.fq.gz"]). Collect aggregates keep the
// per-item tags rather than flattening into an untyped pile.
type Item struct {
	Key    string
	Values []string
}

// Handle is a typed reference to a declared channel. Task wiring passes
// handles, not bare names, so a reference to an undeclared channel cannot
// survive graph construction.
type Handle struct {
	Name string
	Kind string
}

// Channel is a data-flow edge. Exactly one producer statement; any number
// of consumer statements.
type Channel struct {
	name      string
	kind      string
	producer  string
	consumers []string
	items     []Item
	closed    bool
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Kind returns the channel kind.
func (c *Channel) Kind() string { return c.kind }

// Producer returns the producing task ID, or SourceProducer.
func (c *Channel) Producer() string { return c.producer }

// Consumers returns the consuming task IDs in registration order.
func (c *Channel) Consumers() []string { return append([]string(nil), c.consumers...) }

// Publish appends an item. A value channel rejects a second item; a closed
// channel rejects everything.
func (c *Channel) Publish(item Item) error {
	if c.closed {
		return errors.Internal(fmt.Errorf("channel %q: publish after close", c.name))
	}
	if c.kind == KindValue && len(c.items) > 0 {
		return errors.Configuration(fmt.Sprintf("value channel %q received a second item (key %q)", c.name, item.Key))
	}
	c.items = append(c.items, item)
	return nil
}

// Close marks the channel exhausted.
func (c *Channel) Close() { c.closed = true }

// Closed reports whether the channel is exhausted.
func (c *Channel) Closed() bool { return c.closed }

// Items returns a copy of all delivered items.
func (c *Channel) Items() []Item {
	return append([]Item(nil), c.items...)
}

// Get returns the item for a key.
func (c *Channel) Get(key string) (Item, bool) {
	for _, it := range c.items {
		if it.Key == key {
			return it, true
		}
	}
	return Item{}, false
}

// Keys returns the sorted distinct keys observed on the channel.
func (c *Channel) Keys() []string {
	seen := make(map[string]bool, len(c.items))
	var keys []string
	for _, it := range c.items {
		if !seen[it.Key] {
			seen[it.Key] = true
			keys = append(keys, it.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Wiring is the build-time registry of channels. All mutation after graph
// construction happens inside the scheduler's single coordinating loop, so
// Wiring carries no locking.
type Wiring struct {
	channels map[string]*Channel
}

// NewWiring creates an empty wiring.
func NewWiring() *Wiring {
	return &Wiring{channels: make(map[string]*Channel)}
}

// Declare registers a channel with its producer. Declaring a second producer
// for the same name is a configuration error: a channel has exactly one
// producer statement.
func (w *Wiring) Declare(name, kind, producer string) (Handle, error) {
	if existing, ok := w.channels[name]; ok {
		return Handle{}, errors.Configuration(
			fmt.Sprintf("channel %q already produced by %q; second producer %q", name, existing.producer, producer))
	}
	switch kind {
	case KindValue, KindStream, KindCollect:
	default:
		return Handle{}, errors.Configuration(fmt.Sprintf("channel %q: unknown kind %q", name, kind))
	}
	w.channels[name] = &Channel{name: name, kind: kind, producer: producer}
	return Handle{Name: name, Kind: kind}, nil
}

// Consume registers a consumer on an existing channel and returns its handle.
// A reference to an undeclared channel fails immediately.
func (w *Wiring) Consume(name, consumer string) (Handle, error) {
	ch, ok := w.channels[name]
	if !ok {
		return Handle{}, errors.Configuration(
			fmt.Sprintf("task %q consumes channel %q which has no producer", consumer, name))
	}
	ch.consumers = append(ch.consumers, consumer)
	return Handle{Name: name, Kind: ch.kind}, nil
}

// Get returns a channel by name.
func (w *Wiring) Get(name string) (*Channel, bool) {
	ch, ok := w.channels[name]
	return ch, ok
}

// Names returns the sorted channel names.
func (w *Wiring) Names() []string {
	names := make([]string, 0, len(w.channels))
	for n := range w.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
