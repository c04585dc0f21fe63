package kernels

import (
	"fmt"
	"math"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/quant"
	"github.com/tbdy/yolov2/internal/tensor"
)

// withDefaults returns n's attributes with the op defaults filled in.
func withDefaults(n *graph.Node) graph.Attrs {
	a := graph.Defaults(n.Op)
	for k, v := range n.Attrs {
		a[k] = v
	}
	return a
}

func identity(_ *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(in))
	}
	return []*tensor.RawTensor{in[0].Clone()}, nil
}

func binary(op func(a, b *tensor.RawTensor) (*tensor.RawTensor, error)) Kernel {
	return func(_ *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(in) != 2 {
			return nil, fmt.Errorf("expected 2 inputs, got %d", len(in))
		}
		return single(op(in[0], in[1]))
	}
}

func leakyRelu(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(in))
	}
	return single(tensor.LeakyReLU(in[0], withDefaults(n).Float("alpha", 0)))
}

func biasAdd(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("expected 2 inputs, got %d", len(in))
	}
	if in[1].DType() != tensor.Float32 {
		return nil, fmt.Errorf("unsupported bias dtype %v", in[1].DType())
	}
	bias := in[1].AsFloat32()
	ones := make([]float32, len(bias))
	for i := range ones {
		ones[i] = 1
	}
	return single(scaleShift(in[0], ones, bias, n.DataFormat()))
}

// NormScaleShift reduces inference batch normalization to a per-channel
// affine map y = x*scale + shift with
//
//	scale = gamma / sqrt(variance + eps)
//	shift = beta - mean*scale
//
// A nil gamma is treated as all ones.
func NormScaleShift(gamma, beta, mean, variance []float32, eps float32) (scale, shift []float32, err error) {
	c := len(beta)
	if len(mean) != c || len(variance) != c || (gamma != nil && len(gamma) != c) {
		return nil, nil, fmt.Errorf("batch norm parameter lengths differ: gamma %d, beta %d, mean %d, variance %d",
			len(gamma), c, len(mean), len(variance))
	}
	scale = make([]float32, c)
	shift = make([]float32, c)
	for i := range c {
		g := float32(1)
		if gamma != nil {
			g = gamma[i]
		}
		scale[i] = g / float32(math.Sqrt(float64(variance[i])+float64(eps)))
		shift[i] = beta[i] - mean[i]*scale[i]
	}
	return scale, shift, nil
}

func floats(ts ...*tensor.RawTensor) ([][]float32, error) {
	out := make([][]float32, len(ts))
	for i, t := range ts {
		if t.DType() != tensor.Float32 {
			return nil, fmt.Errorf("input %d: unsupported dtype %v", i, t.DType())
		}
		out[i] = t.AsFloat32()
	}
	return out, nil
}

// fusedBatchNorm inputs: x, gamma, beta, mean, variance.
func fusedBatchNorm(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 5 {
		return nil, fmt.Errorf("expected 5 inputs, got %d", len(in))
	}
	a := withDefaults(n)
	if a.Bool("is_training", true) {
		return nil, fmt.Errorf("training mode batch norm cannot be evaluated")
	}
	p, err := floats(in[1:]...)
	if err != nil {
		return nil, err
	}
	scale, shift, err := NormScaleShift(p[0], p[1], p[2], p[3], a.Float("epsilon", 0))
	if err != nil {
		return nil, err
	}
	return single(scaleShift(in[0], scale, shift, n.DataFormat()))
}

// batchNormGlobal inputs: x, mean, variance, beta, gamma.
func batchNormGlobal(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 5 {
		return nil, fmt.Errorf("expected 5 inputs, got %d", len(in))
	}
	p, err := floats(in[1:]...)
	if err != nil {
		return nil, err
	}
	a := withDefaults(n)
	gamma := p[3]
	if !a.Bool("scale_after_normalization", true) {
		gamma = nil
	}
	scale, shift, err := NormScaleShift(gamma, p[2], p[0], p[1], a.Float("variance_epsilon", 0))
	if err != nil {
		return nil, err
	}
	return single(scaleShift(in[0], scale, shift, n.DataFormat()))
}

// scaleShift computes x*scale[c] + shift[c] along the channel axis.
func scaleShift(x *tensor.RawTensor, scale, shift []float32, format string) (*tensor.RawTensor, error) {
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("unsupported dtype %v", x.DType())
	}
	s := x.Shape()
	if len(s) == 0 {
		return nil, fmt.Errorf("scalar input")
	}
	cAx, inner := len(s)-1, 1
	if format == graph.NCHW && len(s) == 4 {
		cAx, _, _ = graph.SpatialAxes(graph.NCHW)
		inner = s[2] * s[3]
	}
	if s[cAx] != len(scale) {
		return nil, fmt.Errorf("channel vector of length %d for input %v", len(scale), s)
	}

	out, err := tensor.NewRaw(s, tensor.Float32)
	if err != nil {
		return nil, err
	}
	c := len(scale)
	src, dst := x.AsFloat32(), out.AsFloat32()
	for i, v := range src {
		k := (i / inner) % c
		dst[i] = v*scale[k] + shift[k]
	}
	return out, nil
}

func spaceToDepth(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(in))
	}
	block := int(n.Attrs.Int("block_size", 2))
	return single(withNHWC(n, in[0], func(x *tensor.RawTensor) (*tensor.RawTensor, error) {
		return nn.Reorganize(x, block)
	}))
}

func concat(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	axis := int(n.Attrs.Int("axis", -1))
	if axis < 0 {
		axis += len(in[0].Shape())
	}
	return single(tensor.Concat(in, axis))
}

func transpose(_ *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(in))
	}
	perm := n.Attrs.Ints("perm")
	axes := make([]int, len(perm))
	for i, p := range perm {
		axes[i] = int(p)
	}
	return single(tensor.TransposeAxes(in[0], axes...))
}

// dequantize inputs: uint8 codes, min scalar, max scalar.
func dequantize(_ *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("expected 3 inputs, got %d", len(in))
	}
	lo, err := quant.ScalarValue(in[1])
	if err != nil {
		return nil, fmt.Errorf("min: %w", err)
	}
	hi, err := quant.ScalarValue(in[2])
	if err != nil {
		return nil, fmt.Errorf("max: %w", err)
	}
	return single(quant.Dequantize(in[0], lo, hi))
}
