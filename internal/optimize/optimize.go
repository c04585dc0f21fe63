// Package optimize applies device and layout level rewrites to a quantized
// graph: dead node pruning, constant folding, tensor layout assignment and
// shape annotation. The result computes the same outputs as its input.
package optimize

import (
	"slices"
	"strings"
	"time"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/kernels"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Optimizer names.
const (
	Pruning     = "pruning"
	ConstFold   = "constfold"
	Layout      = "layout"
	InferShapes = "infer_shapes"
)

// DefaultOptimizers mirrors a rewriter configured with pruning, constant
// folding and layout optimization, followed by shape annotation.
func DefaultOptimizers() []string {
	return []string{Pruning, ConstFold, Layout, InferShapes}
}

// CheckSequence verifies that names equal DefaultOptimizers.
func CheckSequence(names []string) error {
	if want := DefaultOptimizers(); !slices.Equal(names, want) {
		return errs.Mismatch(errs.Transform, "optimize", "optimizers",
			strings.Join(want, ", "), strings.Join(names, ", "))
	}
	return nil
}

// ShapesAttr is the attribute infer_shapes writes on every node.
const ShapesAttr = "_output_shapes"

// Options configure Optimize.
type Options struct {
	Optimizers []string
	// Device selects the preferred layout: NCHW for CUDA, NHWC otherwise.
	Device   tensor.Device
	Parallel parallel.Config
}

// Report summarizes one optimizer pass.
type Report struct {
	Name     string
	Changed  int
	Nodes    int
	Duration time.Duration
}

type pass func(o *optimizer, g *graph.Graph) (*graph.Graph, int, error)

var passes = map[string]pass{
	Pruning:     (*optimizer).prune,
	ConstFold:   (*optimizer).constFold,
	Layout:      (*optimizer).layout,
	InferShapes: (*optimizer).annotate,
}

// Names returns the known optimizer names, sorted.
func Names() []string {
	names := make([]string, 0, len(passes))
	for name := range passes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type optimizer struct {
	inputs  []string
	outputs []string
	opts    Options
	kernels *kernels.Registry
}

// Optimize runs the configured optimizers in order. The input graph is not
// modified. Failures are TransformErrors naming the optimizer.
func Optimize(g *graph.Graph, inputs, outputs []string, opts Options) (*graph.Graph, []Report, error) {
	if opts.Optimizers == nil {
		opts.Optimizers = DefaultOptimizers()
	}
	for _, name := range opts.Optimizers {
		if _, ok := passes[name]; !ok {
			return nil, nil, errs.Newf(errs.Transform, name, "optimizers", "unknown optimizer (have %v)", Names())
		}
	}
	o := &optimizer{inputs: inputs, outputs: outputs, opts: opts, kernels: kernels.NewRegistry()}

	cur := g
	var reports []Report
	for _, name := range opts.Optimizers {
		start := time.Now()
		next, changed, err := passes[name](o, cur)
		if err == nil {
			if _, err = graph.InferShapes(next); err != nil && next != cur && next != g {
				next.Release()
			}
		}
		if err != nil {
			if cur != g {
				cur.Release()
			}
			return nil, nil, errs.Wrap(errs.Transform, name, "graph", err)
		}
		if cur != g {
			cur.Release()
		}
		cur = next
		reports = append(reports, Report{Name: name, Changed: changed, Nodes: cur.Len(), Duration: time.Since(start)})
	}
	if cur == g {
		out, err := g.Edit().Build()
		if err != nil {
			return nil, nil, errs.Wrap(errs.Transform, "optimize", "graph", err)
		}
		cur = out
	}
	return cur, reports, nil
}

// protected reports whether a node name is part of the graph interface.
func (o *optimizer) protected(name string) bool {
	if slices.Contains(o.inputs, name) {
		return true
	}
	for _, ref := range o.outputs {
		if n, _ := graph.ParseRef(ref); n == name {
			return true
		}
	}
	return false
}

// prune drops nodes no output depends on and bypasses Identity nodes that
// are not outputs.
func (o *optimizer) prune(g *graph.Graph) (*graph.Graph, int, error) {
	b := g.Edit()
	changed := 0
	for _, n := range b.Nodes() {
		if n.Op != graph.OpIdentity || o.protected(n.Name) || len(n.Inputs) != 1 {
			continue
		}
		b.RewireInputs(n.Name, n.Inputs[0])
		b.Remove(n.Name)
		changed++
	}
	bypassed, err := b.Build()
	if err != nil {
		return nil, 0, err
	}
	defer bypassed.Release()

	roots := append(slices.Clone(o.outputs), o.inputs...)
	out, err := bypassed.Extract(roots)
	if err != nil {
		return nil, 0, err
	}
	return out, changed + bypassed.Len() - out.Len(), nil
}

// constFold evaluates nodes whose inputs are all constant and replaces them
// with their value. Folds that would grow the graph, such as expanding a
// quantized weight back to float, are skipped.
func (o *optimizer) constFold(g *graph.Graph) (*graph.Graph, int, error) {
	b := g.Edit()
	ctx := &kernels.Context{Parallel: o.opts.Parallel}
	changed := 0
	for _, n := range b.Nodes() {
		if n.Op == graph.OpConst || n.Op.NumOutputs() != 1 || o.protected(n.Name) ||
			len(n.Inputs) == 0 || !o.kernels.Supports(n.Op) {
			continue
		}
		inputs := make([]*tensor.RawTensor, len(n.Inputs))
		size := 0
		foldable := true
		for i, ref := range n.Inputs {
			src := b.Node(nodeName(ref))
			if src == nil || src.Op != graph.OpConst || src.Value == nil {
				foldable = false
				break
			}
			inputs[i] = src.Value
			size += src.Value.ByteSize()
		}
		if !foldable {
			continue
		}
		out, err := o.kernels.Execute(ctx, n, inputs)
		if err != nil {
			return nil, 0, err
		}
		if out[0].ByteSize() > size {
			out[0].Release()
			continue
		}
		if err := b.Replace(&graph.Node{Name: n.Name, Op: graph.OpConst,
			Attrs: graph.Attrs{"dtype": out[0].DType().String()}, Value: out[0], Device: n.Device}); err != nil {
			return nil, 0, err
		}
		for _, ref := range n.Inputs {
			if name := nodeName(ref); len(b.Consumers(name)) == 0 && !o.protected(name) {
				b.Remove(name)
			}
		}
		changed++
	}
	out, err := b.Build()
	return out, changed, err
}

// annotate records the inferred output shapes of every node.
func (o *optimizer) annotate(g *graph.Graph) (*graph.Graph, int, error) {
	specs, err := graph.InferShapes(g)
	if err != nil {
		return nil, 0, err
	}
	b := g.Edit()
	for _, n := range b.Nodes() {
		n.Attrs[ShapesAttr] = FormatSpecs(specs[n.Name])
	}
	out, err := b.Build()
	return out, out.Len(), err
}

// FormatSpecs renders output shapes as "(d0, d1);(d0)".
func FormatSpecs(specs []graph.TensorSpec) string {
	s := ""
	for i, spec := range specs {
		if i > 0 {
			s += ";"
		}
		s += spec.Shape.String()
	}
	return s
}

func nodeName(ref string) string {
	name, _ := graph.ParseRef(ref)
	return name
}
