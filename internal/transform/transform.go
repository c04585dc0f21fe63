// Package transform applies named graph rewrites to a frozen graph:
// default attribute insertion, weight quantization and rounding, and batch
// norm folding. Transforms run in the order given and every intermediate
// graph is shape-checked.
package transform

import (
	"slices"
	"strings"
	"time"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Transform names in export order.
const (
	AddDefaultAttributes = "add_default_attributes"
	QuantizeWeights      = "quantize_weights"
	RoundWeights         = "round_weights"
	FoldBatchNorms       = "fold_batch_norms"
	FoldOldBatchNorms    = "fold_old_batch_norms"
)

// DefaultSequence is the export transform order. Folding runs after
// quantization and understands quantized weights.
func DefaultSequence() []string {
	return []string{AddDefaultAttributes, QuantizeWeights, RoundWeights, FoldBatchNorms, FoldOldBatchNorms}
}

// CheckSequence verifies that specs name exactly the transforms of
// DefaultSequence in that order. Parameters are not constrained.
func CheckSequence(specs []string) error {
	names := make([]string, len(specs))
	for i, s := range specs {
		spec, err := Parse(s)
		if err != nil {
			return errs.Wrap(errs.Transform, "parse", s, err)
		}
		names[i] = spec.Name
	}
	if want := DefaultSequence(); !slices.Equal(names, want) {
		return errs.Mismatch(errs.Transform, "quantize", "transforms",
			strings.Join(want, ", "), strings.Join(names, ", "))
	}
	return nil
}

// Context is passed to every transform.
type Context struct {
	Inputs   []string
	Outputs  []string
	Params   Params
	Parallel parallel.Config
}

// Func rewrites g and reports how many nodes it changed.
type Func func(ctx *Context, g *graph.Graph) (*graph.Graph, int, error)

// Registry maps transform names to implementations.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates a registry with the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register(AddDefaultAttributes, addDefaultAttributes)
	r.Register(QuantizeWeights, quantizeWeights)
	r.Register(RoundWeights, roundWeights)
	r.Register(FoldBatchNorms, foldBatchNorms)
	r.Register(FoldOldBatchNorms, foldOldBatchNorms)
	return r
}

// Register adds or replaces a transform.
func (r *Registry) Register(name string, f Func) {
	r.funcs[name] = f
}

// Names returns the registered transform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Report summarizes one applied transform.
type Report struct {
	Spec     Spec
	Changed  int
	Nodes    int
	Duration time.Duration
}

// Options configure Apply.
type Options struct {
	Parallel parallel.Config
}

// Apply runs specs against g in order. The input graph is not modified.
// Unknown transforms, failing transforms and transforms that leave an
// invalid graph are TransformErrors naming the transform.
func (r *Registry) Apply(g *graph.Graph, inputs, outputs, specs []string, opts Options) (*graph.Graph, []Report, error) {
	if err := checkEndpoints("apply", g, inputs, outputs); err != nil {
		return nil, nil, err
	}

	parsed := make([]Spec, len(specs))
	for i, s := range specs {
		spec, err := Parse(s)
		if err != nil {
			return nil, nil, errs.Wrap(errs.Transform, "parse", s, err)
		}
		if _, ok := r.funcs[spec.Name]; !ok {
			return nil, nil, errs.Newf(errs.Transform, spec.Name, s, "unknown transform (have %v)", r.Names())
		}
		parsed[i] = spec
	}

	reports := make([]Report, 0, len(parsed))
	cur := g
	release := func() {
		if cur != g {
			cur.Release()
		}
	}
	for _, spec := range parsed {
		start := time.Now()
		ctx := &Context{Inputs: inputs, Outputs: outputs, Params: spec.Params, Parallel: opts.Parallel}
		next, changed, err := r.funcs[spec.Name](ctx, cur)
		if err != nil {
			release()
			return nil, nil, errs.Wrap(errs.Transform, spec.Name, spec.String(), err)
		}
		if err := validate(spec.Name, next, inputs, outputs); err != nil {
			if next != cur {
				next.Release()
			}
			release()
			return nil, nil, err
		}
		if next != cur {
			release()
			cur = next
		}
		reports = append(reports, Report{Spec: spec, Changed: changed, Nodes: cur.Len(), Duration: time.Since(start)})
	}
	if cur == g {
		// The result is owned by the caller independently of g.
		out, err := g.Edit().Build()
		if err != nil {
			return nil, nil, errs.Wrap(errs.Transform, "apply", "graph", err)
		}
		cur = out
	}
	return cur, reports, nil
}

// Apply runs specs with the built-in registry.
func Apply(g *graph.Graph, inputs, outputs, specs []string, opts Options) (*graph.Graph, []Report, error) {
	return NewRegistry().Apply(g, inputs, outputs, specs, opts)
}

func checkEndpoints(stage string, g *graph.Graph, inputs, outputs []string) error {
	for _, name := range inputs {
		n, ok := g.Node(name)
		if !ok || n.Op != graph.OpPlaceholder {
			return errs.Mismatch(errs.Transform, stage, name, "input placeholder", "missing")
		}
	}
	for _, ref := range outputs {
		name, _ := graph.ParseRef(ref)
		if _, ok := g.Node(name); !ok {
			return errs.Mismatch(errs.Transform, stage, ref, "output node", "missing")
		}
	}
	return nil
}

func validate(stage string, g *graph.Graph, inputs, outputs []string) error {
	if err := checkEndpoints(stage, g, inputs, outputs); err != nil {
		return err
	}
	if _, err := graph.InferShapes(g); err != nil {
		return errs.Wrap(errs.Transform, stage, "produced an invalid graph", err)
	}
	return nil
}

func constFloat(n *graph.Node) bool {
	return n != nil && n.Op == graph.OpConst && n.Value != nil && n.Value.DType() == tensor.Float32
}
