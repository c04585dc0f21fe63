package optimize

import (
	"slices"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

var (
	toNCHW = []int64{0, 3, 1, 2}
	toNHWC = []int64{0, 2, 3, 1}
)

// layout moves spatial ops to NCHW when targeting CUDA. Each converted op
// is wrapped in transposes, then back-to-back transposes that cancel are
// removed so only the layout boundaries keep one.
func (o *optimizer) layout(g *graph.Graph) (*graph.Graph, int, error) {
	if o.opts.Device != tensor.CUDA {
		out, err := g.Edit().Build()
		return out, 0, err
	}
	specs, err := graph.InferShapes(g)
	if err != nil {
		return nil, 0, err
	}

	b := g.Edit()
	changed := 0
	for _, n := range b.Nodes() {
		data := layoutInputs(n, specs)
		if data == nil {
			continue
		}

		inner := n.Clone()
		inner.Name = b.UniqueName(n.Name + ".nchw")
		if n.Op == graph.OpConcat {
			inner.Attrs["axis"] = int64(1)
		} else {
			inner.Attrs["data_format"] = graph.NCHW
		}
		for _, i := range data {
			t := b.UniqueName(n.Name + ".to_nchw")
			if err := b.Add(transposeNode(t, n.Inputs[i], toNCHW, n.Device)); err != nil {
				return nil, 0, err
			}
			inner.Inputs[i] = t
		}
		if err := b.Add(inner); err != nil {
			return nil, 0, err
		}
		if err := b.Replace(transposeNode(n.Name, inner.Name, toNHWC, n.Device)); err != nil {
			return nil, 0, err
		}
		changed++
	}

	cancelTransposes(b, o.protected)
	out, err := b.Build()
	return out, changed, err
}

// layoutInputs returns the indices of the NHWC data inputs of a node that
// has an NCHW form, or nil.
func layoutInputs(n *graph.Node, specs graph.Specs) []int {
	rank4 := func(ref string) bool {
		s, ok := specs.Lookup(ref)
		return ok && len(s.Shape) == 4
	}
	switch n.Op {
	case graph.OpConv2D, graph.OpMaxPool, graph.OpBiasAdd, graph.OpFusedBatchNorm, graph.OpSpaceToDepth:
		if n.DataFormat() != graph.NHWC || len(n.Inputs) == 0 || !rank4(n.Inputs[0]) {
			return nil
		}
		return []int{0}
	case graph.OpConcat:
		if axis := n.Attrs.Int("axis", -1); axis != 3 && axis != -1 {
			return nil
		}
		idx := make([]int, len(n.Inputs))
		for i, ref := range n.Inputs {
			if !rank4(ref) {
				return nil
			}
			idx[i] = i
		}
		return idx
	}
	return nil
}

func transposeNode(name, input string, perm []int64, device string) *graph.Node {
	return &graph.Node{
		Name:   name,
		Op:     graph.OpTranspose,
		Inputs: []string{input},
		Attrs:  graph.Attrs{"perm": slices.Clone(perm)},
		Device: device,
	}
}

func isTranspose(n *graph.Node, perm []int64) bool {
	return n != nil && n.Op == graph.OpTranspose && slices.Equal(n.Attrs.Ints("perm"), perm)
}

// cancelTransposes rewires readers of to_nchw(to_nhwc(x)) to x and drops
// transposes nothing reads.
func cancelTransposes(b *graph.Builder, protected func(string) bool) {
	for _, t := range b.Nodes() {
		if !isTranspose(t, toNCHW) {
			continue
		}
		src := b.Node(nodeName(t.Inputs[0]))
		if !isTranspose(src, toNHWC) {
			continue
		}
		b.RewireInputs(t.Name, src.Inputs[0])
	}
	for removed := true; removed; {
		removed = false
		for _, n := range b.Nodes() {
			if n.Op == graph.OpTranspose && !protected(n.Name) && len(b.Consumers(n.Name)) == 0 {
				b.Remove(n.Name)
				removed = true
			}
		}
	}
}
