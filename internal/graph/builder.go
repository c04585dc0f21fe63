package graph

import (
	"fmt"
	"slices"
	"strconv"
)

// Builder accumulates nodes and produces an immutable Graph.
type Builder struct {
	order []string
	nodes map[string]*Node
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*Node)}
}

// Add appends a node. Names must be unique.
func (b *Builder) Add(n *Node) error {
	if n.Name == "" {
		return fmt.Errorf("graph: node with op %v has no name", n.Op)
	}
	if _, ok := b.nodes[n.Name]; ok {
		return fmt.Errorf("graph: duplicate node name %q", n.Name)
	}
	if n.Attrs == nil {
		n.Attrs = Attrs{}
	}
	b.order = append(b.order, n.Name)
	b.nodes[n.Name] = n
	return nil
}

// Node returns the mutable node with the given name, or nil.
func (b *Builder) Node(name string) *Node {
	return b.nodes[name]
}

// Has reports whether a node exists.
func (b *Builder) Has(name string) bool {
	_, ok := b.nodes[name]
	return ok
}

// Nodes returns the nodes in insertion order.
func (b *Builder) Nodes() []*Node {
	out := make([]*Node, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.nodes[name])
	}
	return out
}

// Replace swaps the node of the same name for n, keeping its position.
func (b *Builder) Replace(n *Node) error {
	old, ok := b.nodes[n.Name]
	if !ok {
		return fmt.Errorf("graph: replace unknown node %q", n.Name)
	}
	if old.Value != nil && old.Value != n.Value {
		old.Value.Release()
	}
	if n.Attrs == nil {
		n.Attrs = Attrs{}
	}
	b.nodes[n.Name] = n
	return nil
}

// Remove deletes a node. Dangling references are reported by Build.
func (b *Builder) Remove(name string) {
	n, ok := b.nodes[name]
	if !ok {
		return
	}
	if n.Value != nil {
		n.Value.Release()
	}
	delete(b.nodes, name)
	b.order = slices.DeleteFunc(b.order, func(s string) bool { return s == name })
}

// Discard releases the values held by the builder. It is used instead of
// Build when an edit is abandoned.
func (b *Builder) Discard() {
	for _, n := range b.nodes {
		if n.Value != nil {
			n.Value.Release()
		}
	}
	b.nodes = nil
	b.order = nil
}

// RewireInputs points every use of ref "from" at "to" and returns the
// number of inputs changed.
func (b *Builder) RewireInputs(from, to string) int {
	fromNode, fromIdx := ParseRef(from)
	changed := 0
	for _, name := range b.order {
		n := b.nodes[name]
		for i, in := range n.Inputs {
			if src, idx := ParseRef(in); src == fromNode && idx == fromIdx {
				n.Inputs[i] = to
				changed++
			}
		}
	}
	return changed
}

// UniqueName returns base, or base_N for the first N that is free.
func (b *Builder) UniqueName(base string) string {
	if !b.Has(base) {
		return base
	}
	for i := 1; ; i++ {
		name := base + "_" + strconv.Itoa(i)
		if !b.Has(name) {
			return name
		}
	}
}

// Build validates references and returns a topologically sorted Graph.
// The builder must not be used afterwards.
func (b *Builder) Build() (*Graph, error) {
	for _, name := range b.order {
		n := b.nodes[name]
		for _, in := range n.Inputs {
			src, idx := ParseRef(in)
			producer, ok := b.nodes[src]
			if !ok {
				return nil, fmt.Errorf("graph: node %q: unknown input %q", name, in)
			}
			if idx < 0 || idx >= producer.Op.NumOutputs() {
				return nil, fmt.Errorf("graph: node %q: input %q: %v has %d outputs", name, in, producer.Op, producer.Op.NumOutputs())
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(b.order))
	sorted := make([]*Node, 0, len(b.order))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("graph: cycle through node %q", name)
		}
		state[name] = visiting

		// Visit dependencies first
		n := b.nodes[name]
		for _, in := range n.Inputs {
			src, _ := ParseRef(in)
			if err := visit(src); err != nil {
				return err
			}
		}

		state[name] = done
		sorted = append(sorted, n)
		return nil
	}

	for _, name := range b.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	g := &Graph{nodes: sorted, index: make(map[string]int, len(sorted))}
	for i, n := range sorted {
		g.index[n.Name] = i
	}
	return g, nil
}
