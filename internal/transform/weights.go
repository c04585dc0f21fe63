package transform

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/quant"
	"github.com/tbdy/yolov2/internal/tensor"
)

// addDefaultAttributes fills every attribute a node omits with its op
// default, so later stages never depend on implicit values.
func addDefaultAttributes(_ *Context, g *graph.Graph) (*graph.Graph, int, error) {
	b := g.Edit()
	changed := 0
	for _, n := range b.Nodes() {
		touched := false
		for k, v := range graph.Defaults(n.Op) {
			if !n.Attrs.Has(k) {
				n.Attrs[k] = v
				touched = true
			}
		}
		if touched {
			changed++
		}
	}
	out, err := b.Build()
	return out, changed, err
}

// largeFloatConsts returns float32 constants with at least minSize
// elements in topological order.
func largeFloatConsts(g *graph.Graph, minSize int) []*graph.Node {
	var out []*graph.Node
	for _, n := range g.Nodes() {
		if constFloat(n) && n.Value.NumElements() >= minSize {
			out = append(out, n)
		}
	}
	return out
}

// quantizeWeights stores every float constant with at least minimum_size
// elements (default 1024) as uint8 codes. Node X becomes
//
//	X = Dequantize(X.quantized, X.min, X.max)
//
// so consumers keep their input references.
func quantizeWeights(ctx *Context, g *graph.Graph) (*graph.Graph, int, error) {
	minSize, err := ctx.Params.Int("minimum_size", 1024)
	if err != nil {
		return nil, 0, err
	}
	cands := largeFloatConsts(g, max(minSize, 1))

	type encoded struct {
		q      *tensor.RawTensor
		lo, hi float32
	}
	enc := make([]encoded, len(cands))
	err = parallel.ForErr(len(cands), func(i int) error {
		q, lo, hi, err := quant.Quantize(cands[i].Value)
		if err != nil {
			return fmt.Errorf("%s: %w", cands[i].Name, err)
		}
		enc[i] = encoded{q, lo, hi}
		return nil
	}, ctx.Parallel)
	if err != nil {
		for _, e := range enc {
			if e.q != nil {
				e.q.Release()
			}
		}
		return nil, 0, err
	}

	b := g.Edit()
	// abort releases the builder and the codes it has not taken yet.
	abort := func(from int, err error) (*graph.Graph, int, error) {
		b.Discard()
		for _, e := range enc[from:] {
			e.q.Release()
		}
		return nil, 0, err
	}
	for i, n := range cands {
		e := enc[i]
		parts := []struct {
			suffix string
			value  *tensor.RawTensor
		}{
			{".quantized", e.q},
			{".min", tensor.Scalar(e.lo)},
			{".max", tensor.Scalar(e.hi)},
		}
		names := make([]string, len(parts))
		for j, part := range parts {
			names[j] = b.UniqueName(n.Name + part.suffix)
			if err := b.Add(&graph.Node{
				Name:   names[j],
				Op:     graph.OpConst,
				Attrs:  graph.Attrs{"dtype": part.value.DType().String()},
				Value:  part.value,
				Device: n.Device,
			}); err != nil {
				for _, rest := range parts[max(j, 1):] {
					rest.value.Release()
				}
				if j == 0 {
					return abort(i, err)
				}
				return abort(i+1, err)
			}
		}
		if err := b.Replace(&graph.Node{
			Name:   n.Name,
			Op:     graph.OpDequantize,
			Inputs: names,
			Attrs:  graph.Attrs{"mode": "MIN_COMBINED", "T": "quint8"},
			Device: n.Device,
		}); err != nil {
			return abort(i+1, err)
		}
	}
	out, err := b.Build()
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	return out, len(cands), nil
}

// roundWeights snaps float constants to num_steps (default 256) evenly
// spaced values while keeping them float32. Scalars are left alone.
func roundWeights(ctx *Context, g *graph.Graph) (*graph.Graph, int, error) {
	steps, err := ctx.Params.Int("num_steps", quant.Levels)
	if err != nil {
		return nil, 0, err
	}
	cands := largeFloatConsts(g, 2)
	rounded := make([]*tensor.RawTensor, len(cands))
	err = parallel.ForErr(len(cands), func(i int) error {
		r, err := quant.RoundSteps(cands[i].Value, steps)
		if err != nil {
			return fmt.Errorf("%s: %w", cands[i].Name, err)
		}
		rounded[i] = r
		return nil
	}, ctx.Parallel)
	if err != nil {
		for _, r := range rounded {
			if r != nil {
				r.Release()
			}
		}
		return nil, 0, err
	}

	b := g.Edit()
	for i, n := range cands {
		c := b.Node(n.Name)
		if err := b.Replace(&graph.Node{Name: c.Name, Op: c.Op, Attrs: c.Attrs, Value: rounded[i], Device: c.Device}); err != nil {
			return nil, 0, err
		}
	}
	out, err := b.Build()
	return out, len(cands), err
}
