package kernels

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Run evaluates the nodes needed for fetches. Placeholders and variables
// read their value from feeds; constants read their payload. The returned
// tensors are owned by the caller.
func (r *Registry) Run(ctx *Context, g *graph.Graph, feeds map[string]*tensor.RawTensor, fetches []string) (map[string]*tensor.RawTensor, error) {
	needed := make(map[string]bool)
	var mark func(name string) error
	mark = func(name string) error {
		if needed[name] {
			return nil
		}
		n, ok := g.Node(name)
		if !ok {
			return fmt.Errorf("run: unknown node %q", name)
		}
		needed[name] = true
		for _, in := range n.Inputs {
			src, _ := graph.ParseRef(in)
			if err := mark(src); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ref := range fetches {
		src, _ := graph.ParseRef(ref)
		if err := mark(src); err != nil {
			return nil, err
		}
	}

	values := make(map[string][]*tensor.RawTensor, len(needed))
	defer func() {
		for _, outs := range values {
			for _, t := range outs {
				t.Release()
			}
		}
	}()

	for _, n := range g.Nodes() {
		if !needed[n.Name] {
			continue
		}
		switch n.Op {
		case graph.OpPlaceholder, graph.OpVariable:
			v, ok := feeds[n.Name]
			if !ok {
				return nil, fmt.Errorf("run: no value fed for %v %q", n.Op, n.Name)
			}
			values[n.Name] = []*tensor.RawTensor{v.Clone()}
			continue
		case graph.OpConst:
			values[n.Name] = []*tensor.RawTensor{n.Value.Clone()}
			continue
		}

		inputs := make([]*tensor.RawTensor, len(n.Inputs))
		for i, ref := range n.Inputs {
			src, idx := graph.ParseRef(ref)
			inputs[i] = values[src][idx]
		}
		out, err := r.Execute(ctx, n, inputs)
		if err != nil {
			return nil, err
		}
		values[n.Name] = out
	}

	result := make(map[string]*tensor.RawTensor, len(fetches))
	for _, ref := range fetches {
		src, idx := graph.ParseRef(ref)
		outs := values[src]
		if idx >= len(outs) {
			for _, t := range result {
				t.Release()
			}
			return nil, fmt.Errorf("run: %q has %d outputs", ref, len(outs))
		}
		result[ref] = outs[idx].Clone()
	}
	return result, nil
}
