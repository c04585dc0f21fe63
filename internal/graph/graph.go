// Package graph is the export-time computation graph: an immutable,
// topologically ordered snapshot of nodes plus a Builder used to derive new
// snapshots. Every pipeline stage consumes one Graph and produces another.
package graph

import (
	"fmt"
	"sort"
)

// Graph is an immutable, topologically sorted set of nodes.
// Nodes returned by its accessors must not be modified; use Edit.
type Graph struct {
	nodes []*Node
	index map[string]int
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns the nodes in topological order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Consumers returns the nodes that read any output of name.
func (g *Graph) Consumers(name string) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if src, _ := ParseRef(in); src == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// CountOps returns how many nodes of each op the graph holds.
func (g *Graph) CountOps() map[Op]int {
	counts := make(map[Op]int)
	for _, n := range g.nodes {
		counts[n.Op]++
	}
	return counts
}

// Edit returns a Builder holding a deep copy of the graph.
func (g *Graph) Edit() *Builder {
	b := NewBuilder()
	for _, n := range g.nodes {
		b.order = append(b.order, n.Name)
		b.nodes[n.Name] = n.Clone()
	}
	return b
}

// Extract returns the subgraph of nodes reachable backwards from outputs.
func (g *Graph) Extract(outputs []string) (*Graph, error) {
	keep := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if keep[name] {
			return nil
		}
		n, ok := g.Node(name)
		if !ok {
			return fmt.Errorf("extract: unknown node %q", name)
		}
		keep[name] = true
		for _, in := range n.Inputs {
			src, _ := ParseRef(in)
			if err := visit(src); err != nil {
				return err
			}
		}
		return nil
	}
	for _, out := range outputs {
		src, _ := ParseRef(out)
		if err := visit(src); err != nil {
			return nil, err
		}
	}

	b := NewBuilder()
	for _, n := range g.nodes {
		if keep[n.Name] {
			b.order = append(b.order, n.Name)
			b.nodes[n.Name] = n.Clone()
		}
	}
	return b.Build()
}

// Release drops this snapshot's references to constant buffers.
func (g *Graph) Release() {
	for _, n := range g.nodes {
		if n.Value != nil {
			n.Value.Release()
		}
	}
}

// ByOp returns the names of nodes with the given op, sorted.
func (g *Graph) ByOp(op Op) []string {
	var names []string
	for _, n := range g.nodes {
		if n.Op == op {
			names = append(names, n.Name)
		}
	}
	sort.Strings(names)
	return names
}
