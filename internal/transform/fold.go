package transform

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/kernels"
	"github.com/tbdy/yolov2/internal/quant"
	"github.com/tbdy/yolov2/internal/tensor"
)

// normForm locates the parameters of one batch norm op.
type normForm struct {
	op                          graph.Op
	gamma, beta, mean, variance int
	epsilonAttr                 string
	gammaOptional               bool
}

var (
	fusedNorm = normForm{
		op:          graph.OpFusedBatchNorm,
		gamma:       1,
		beta:        2,
		mean:        3,
		variance:    4,
		epsilonAttr: "epsilon",
	}
	legacyNorm = normForm{
		op:            graph.OpBatchNormGlobal,
		mean:          1,
		variance:      2,
		beta:          3,
		gamma:         4,
		epsilonAttr:   "variance_epsilon",
		gammaOptional: true,
	}
)

// foldBatchNorms folds FusedBatchNorm, and Mul by a per-channel constant,
// into the weights of the preceding convolution.
func foldBatchNorms(_ *Context, g *graph.Graph) (*graph.Graph, int, error) {
	b := g.Edit()
	changed, err := foldNorms(b, fusedNorm)
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	muls, err := foldMuls(b)
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	out, err := b.Build()
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	return out, changed + muls, nil
}

// foldOldBatchNorms folds BatchNormWithGlobalNormalization.
func foldOldBatchNorms(_ *Context, g *graph.Graph) (*graph.Graph, int, error) {
	b := g.Edit()
	changed, err := foldNorms(b, legacyNorm)
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	out, err := b.Build()
	if err != nil {
		b.Discard()
		return nil, 0, err
	}
	return out, changed, nil
}

// foldNorms rewrites
//
//	BN(Conv2D(x, W), params)  ->  BiasAdd(Conv2D(x, W*scale), shift)
//
// The BiasAdd keeps the batch norm's name. Patterns whose conv or weights
// are shared, or whose parameters are not constant, are left unchanged.
func foldNorms(b *graph.Builder, form normForm) (int, error) {
	changed := 0
	for _, bn := range b.Nodes() {
		if bn.Op != form.op || len(bn.Inputs) != 5 {
			continue
		}
		attrs := graph.Defaults(bn.Op)
		for k, v := range bn.Attrs {
			attrs[k] = v
		}
		if form.op == graph.OpFusedBatchNorm && attrs.Bool("is_training", true) {
			continue
		}

		convName, idx := graph.ParseRef(bn.Inputs[0])
		conv := b.Node(convName)
		if conv == nil || conv.Op != graph.OpConv2D || idx != 0 || len(b.Consumers(convName)) != 1 {
			continue
		}
		w, ok := readWeights(b, conv.Inputs[1])
		if !ok {
			continue
		}

		p := make([][]float32, 5)
		resolved := true
		for _, i := range []int{form.gamma, form.beta, form.mean, form.variance} {
			v, ok := readConst(b, bn.Inputs[i])
			if !ok {
				resolved = false
				break
			}
			p[i] = v
		}
		if !resolved {
			w.release()
			continue
		}
		gamma := p[form.gamma]
		if form.gammaOptional && !attrs.Bool("scale_after_normalization", true) {
			gamma = nil
		}
		scale, shift, err := kernels.NormScaleShift(gamma, p[form.beta], p[form.mean], p[form.variance],
			attrs.Float(form.epsilonAttr, 0))
		if err != nil {
			w.release()
			return 0, fmt.Errorf("%s: %w", bn.Name, err)
		}

		if err := w.scale(b, scale); err != nil {
			return 0, fmt.Errorf("%s: %w", bn.Name, err)
		}
		offset, err := tensor.FromFloat32(tensor.Shape{len(shift)}, shift)
		if err != nil {
			return 0, err
		}
		offsetName := b.UniqueName(bn.Name + ".offset")
		if err := b.Add(&graph.Node{Name: offsetName, Op: graph.OpConst,
			Attrs: graph.Attrs{"dtype": tensor.Float32.String()}, Value: offset, Device: bn.Device}); err != nil {
			offset.Release()
			return 0, err
		}

		paramRefs := make([]string, 0, 4)
		for i, ref := range bn.Inputs {
			if i != 0 {
				paramRefs = append(paramRefs, ref)
			}
		}
		if err := b.Replace(&graph.Node{
			Name:   bn.Name,
			Op:     graph.OpBiasAdd,
			Inputs: []string{bn.Inputs[0], offsetName},
			Attrs:  graph.Attrs{"data_format": attrs.String("data_format", graph.NHWC)},
			Device: bn.Device,
		}); err != nil {
			return 0, err
		}
		for _, ref := range paramRefs {
			removeDead(b, ref)
		}
		changed++
	}
	return changed, nil
}

// foldMuls rewrites Mul(Conv2D(x, W), c) with a per-output-channel
// constant c into Identity(Conv2D(x, W*c)).
func foldMuls(b *graph.Builder) (int, error) {
	changed := 0
	for _, mul := range b.Nodes() {
		if mul.Op != graph.OpMul || len(mul.Inputs) != 2 {
			continue
		}
		convName, idx := graph.ParseRef(mul.Inputs[0])
		conv := b.Node(convName)
		if conv == nil || conv.Op != graph.OpConv2D || idx != 0 || len(b.Consumers(convName)) != 1 {
			continue
		}
		c, ok := readConst(b, mul.Inputs[1])
		if !ok {
			continue
		}
		w, ok := readWeights(b, conv.Inputs[1])
		if !ok {
			continue
		}
		if len(c) != w.outChannels() {
			w.release()
			continue
		}
		if err := w.scale(b, c); err != nil {
			return 0, fmt.Errorf("%s: %w", mul.Name, err)
		}
		factor := mul.Inputs[1]
		if err := b.Replace(&graph.Node{Name: mul.Name, Op: graph.OpIdentity, Inputs: []string{mul.Inputs[0]},
			Attrs: graph.Attrs{}, Device: mul.Device}); err != nil {
			return 0, err
		}
		removeDead(b, factor)
		changed++
	}
	return changed, nil
}

// readConst returns the float values of a Const, or of a Dequantize whose
// operands are Consts.
func readConst(b *graph.Builder, ref string) ([]float32, bool) {
	name, idx := graph.ParseRef(ref)
	n := b.Node(name)
	if n == nil || idx != 0 {
		return nil, false
	}
	if constFloat(n) {
		return n.Value.AsFloat32(), true
	}
	if n.Op != graph.OpDequantize || len(n.Inputs) != 3 {
		return nil, false
	}
	q, lo, hi, ok := dequantizeOperands(b, n)
	if !ok {
		return nil, false
	}
	v, err := quant.Dequantize(q.Value, lo, hi)
	if err != nil {
		return nil, false
	}
	defer v.Release()
	return append([]float32(nil), v.AsFloat32()...), true
}

func dequantizeOperands(b *graph.Builder, n *graph.Node) (q *graph.Node, lo, hi float32, ok bool) {
	nodes := make([]*graph.Node, 3)
	for i, ref := range n.Inputs {
		name, idx := graph.ParseRef(ref)
		nodes[i] = b.Node(name)
		if nodes[i] == nil || idx != 0 || nodes[i].Op != graph.OpConst || nodes[i].Value == nil {
			return nil, 0, 0, false
		}
	}
	if nodes[0].Value.DType() != tensor.Uint8 {
		return nil, 0, 0, false
	}
	lo, err := quant.ScalarValue(nodes[1].Value)
	if err != nil {
		return nil, 0, 0, false
	}
	hi, err = quant.ScalarValue(nodes[2].Value)
	if err != nil {
		return nil, 0, 0, false
	}
	return nodes[0], lo, hi, true
}

// weights is a conv filter that can be rewritten in place: either a float
// Const or a Dequantize of Consts.
type weights struct {
	node  *graph.Node
	value *tensor.RawTensor // float32 HWIO
	deq   []*graph.Node     // quantized, min, max when dequantized
}

// release frees the float copy of a dequantized filter. A float Const
// filter shares its value with the builder and is left alone.
func (w *weights) release() {
	if w.deq != nil {
		w.value.Release()
	}
}

func (w *weights) outChannels() int {
	s := w.value.Shape()
	return s[len(s)-1]
}

// readWeights resolves a conv filter that only this conv consumes.
func readWeights(b *graph.Builder, ref string) (*weights, bool) {
	name, idx := graph.ParseRef(ref)
	n := b.Node(name)
	if n == nil || idx != 0 || len(b.Consumers(name)) != 1 {
		return nil, false
	}
	if constFloat(n) {
		if len(n.Value.Shape()) != 4 {
			return nil, false
		}
		return &weights{node: n, value: n.Value}, true
	}
	if n.Op != graph.OpDequantize {
		return nil, false
	}
	q, lo, hi, ok := dequantizeOperands(b, n)
	if !ok || len(q.Value.Shape()) != 4 {
		return nil, false
	}
	deq := make([]*graph.Node, 3)
	for i, in := range n.Inputs {
		deq[i] = b.Node(in)
		if len(b.Consumers(in)) != 1 {
			return nil, false
		}
	}
	v, err := quant.Dequantize(q.Value, lo, hi)
	if err != nil {
		return nil, false
	}
	return &weights{node: n, value: v, deq: deq}, true
}

// scale multiplies output channel f of the filter by s[f] and writes the
// result back, re-quantizing dequantized filters.
func (w *weights) scale(b *graph.Builder, s []float32) error {
	defer w.release()
	if len(s) != w.outChannels() {
		return fmt.Errorf("scale of length %d for filter %v", len(s), w.value.Shape())
	}
	scaled := w.value.Copy()
	data := scaled.AsFloat32()
	for i := range data {
		data[i] *= s[i%len(s)]
	}

	if w.deq == nil {
		err := b.Replace(&graph.Node{Name: w.node.Name, Op: graph.OpConst, Attrs: w.node.Attrs.Clone(),
			Value: scaled, Device: w.node.Device})
		if err != nil {
			scaled.Release()
		}
		return err
	}

	defer scaled.Release()
	q, lo, hi, err := quant.Quantize(scaled)
	if err != nil {
		return err
	}
	values := []*tensor.RawTensor{q, tensor.Scalar(lo), tensor.Scalar(hi)}
	for i, v := range values {
		old := w.deq[i]
		if err := b.Replace(&graph.Node{Name: old.Name, Op: graph.OpConst, Attrs: old.Attrs.Clone(),
			Value: v, Device: old.Device}); err != nil {
			for _, rest := range values[i:] {
				rest.Release()
			}
			return err
		}
	}
	return nil
}

// removeDead deletes a Const or Dequantize no node reads any more, and the
// constants feeding a removed Dequantize.
func removeDead(b *graph.Builder, ref string) {
	name, _ := graph.ParseRef(ref)
	n := b.Node(name)
	if n == nil || len(b.Consumers(name)) > 0 {
		return
	}
	switch n.Op {
	case graph.OpConst:
		b.Remove(name)
	case graph.OpDequantize:
		inputs := append([]string(nil), n.Inputs...)
		b.Remove(name)
		for _, in := range inputs {
			removeDead(b, in)
		}
	}
}
