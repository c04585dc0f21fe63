// Package nn defines the layer variants of the detection network and
// emits them into export graphs. Layers are a closed tagged set (conv
// block, max pool, reorganize, concatenate), each with an explicit output
// shape rule, so shapes are checked before any node is emitted.
package nn

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Darknet conv block constants.
const (
	BatchNormEpsilon = 1e-3
	LeakyAlpha       = 0.1
)

// Kind tags a Layer variant.
type Kind int

// Layer variants.
const (
	KindConvBlock Kind = iota + 1
	KindMaxPool
	KindReorganize
	KindConcatenate
)

// String returns the variant name used in model summaries.
func (k Kind) String() string {
	switch k {
	case KindConvBlock:
		return "ConvBlock"
	case KindMaxPool:
		return "MaxPool"
	case KindReorganize:
		return "Reorganize"
	case KindConcatenate:
		return "Concatenate"
	default:
		return "Unknown"
	}
}

// Endpoint is a graph reference together with its static shape.
type Endpoint struct {
	Ref   string
	Shape tensor.Shape
}

// Param describes one trainable parameter a layer declares.
type Param struct {
	Name  string
	Shape tensor.Shape
}

// Layer is one of a closed set of variants, selected by Kind.
// Only the fields relevant to the kind are read.
//
// A ConvBlock is the darknet building block:
//
//	Conv2D (SAME, no bias) -> FusedBatchNorm (inference) -> LeakyRelu(0.1)
//
// With Linear set it is a plain Conv2D + BiasAdd (the prediction layer).
// With LegacyNorm set the normalization is emitted as
// BatchNormWithGlobalNormalization.
type Layer struct {
	Kind Kind
	Name string

	// ConvBlock
	Filters    int
	Kernel     int
	Linear     bool
	LegacyNorm bool

	// MaxPool
	Size   int
	Stride int

	// Reorganize
	Block int
}

// ConvBlock creates a conv + batch norm + leaky ReLU layer.
func ConvBlock(name string, filters, kernel int) Layer {
	return Layer{Kind: KindConvBlock, Name: name, Filters: filters, Kernel: kernel}
}

// LinearConv creates a conv layer with bias and no activation.
func LinearConv(name string, filters, kernel int) Layer {
	return Layer{Kind: KindConvBlock, Name: name, Filters: filters, Kernel: kernel, Linear: true}
}

// MaxPool creates a max pooling layer with SAME padding.
func MaxPool(name string, size, stride int) Layer {
	return Layer{Kind: KindMaxPool, Name: name, Size: size, Stride: stride}
}

// Reorg creates a reorganize (space-to-depth) layer.
func Reorg(name string, block int) Layer {
	return Layer{Kind: KindReorganize, Name: name, Block: block}
}

// Concatenate creates a channel-axis concatenation layer.
func Concatenate(name string) Layer {
	return Layer{Kind: KindConcatenate, Name: name}
}

// OutputShape computes the layer output shape for NHWC inputs.
// Every failure is a ShapeError naming the layer.
func (l Layer) OutputShape(in ...tensor.Shape) (tensor.Shape, error) {
	mismatch := func(expected, actual any) error {
		return errs.Mismatch(errs.Shape, l.Name, l.Kind.String(), expected, actual)
	}

	if l.Kind != KindConcatenate && len(in) != 1 {
		return nil, mismatch("1 input", len(in))
	}

	switch l.Kind {
	case KindConvBlock:
		x := in[0]
		if len(x) != 4 {
			return nil, mismatch("4-D input", x)
		}
		if l.Filters < 1 || l.Kernel < 1 {
			return nil, mismatch("positive filters and kernel", fmt.Sprintf("%d filters, kernel %d", l.Filters, l.Kernel))
		}
		return tensor.Shape{x[0], x[1], x[2], l.Filters}, nil

	case KindMaxPool:
		x := in[0]
		if len(x) != 4 {
			return nil, mismatch("4-D input", x)
		}
		h, err := graph.SpatialOut(x[1], l.Size, l.Stride, "SAME")
		if err != nil {
			return nil, errs.Wrap(errs.Shape, l.Name, l.Kind.String(), err)
		}
		w, err := graph.SpatialOut(x[2], l.Size, l.Stride, "SAME")
		if err != nil {
			return nil, errs.Wrap(errs.Shape, l.Name, l.Kind.String(), err)
		}
		return tensor.Shape{x[0], h, w, x[3]}, nil

	case KindReorganize:
		out, err := graph.SpaceToDepthShape(in[0], l.Block, graph.NHWC)
		if err != nil {
			return nil, errs.Wrap(errs.Shape, l.Name, l.Kind.String(), err)
		}
		return out, nil

	case KindConcatenate:
		if len(in) == 0 {
			return nil, mismatch("at least 1 input", 0)
		}
		first := in[0]
		if len(first) != 4 {
			return nil, mismatch("4-D inputs", first)
		}
		out := first.Clone()
		for _, s := range in[1:] {
			// Spatial dims must agree exactly; nothing is broadcast.
			if len(s) != 4 || s[0] != first[0] || s[1] != first[1] || s[2] != first[2] {
				return nil, mismatch(fmt.Sprintf("spatial (%d, %d, %d, *)", first[0], first[1], first[2]), s)
			}
			out[3] += s[3]
		}
		return out, nil

	default:
		return nil, mismatch("known layer kind", l.Kind)
	}
}

// Params lists the trainable parameters of the layer for the given input.
func (l Layer) Params(in tensor.Shape) []Param {
	if l.Kind != KindConvBlock || len(in) != 4 {
		return nil
	}
	f := l.Filters
	params := []Param{{Name: l.Name + ".kernel", Shape: tensor.Shape{l.Kernel, l.Kernel, in[3], f}}}
	if l.Linear {
		return append(params, Param{Name: l.Name + ".bias", Shape: tensor.Shape{f}})
	}
	for _, p := range []string{"gamma", "beta", "moving_mean", "moving_variance"} {
		params = append(params, Param{Name: l.Name + ".bn." + p, Shape: tensor.Shape{f}})
	}
	return params
}

// Emit adds the layer's nodes to b and returns the output endpoint.
// Node names are prefixed with the layer name and use "." separators.
func (l Layer) Emit(b *graph.Builder, in ...Endpoint) (Endpoint, error) {
	shapes := make([]tensor.Shape, len(in))
	for i, e := range in {
		shapes[i] = e.Shape
	}
	out, err := l.OutputShape(shapes...)
	if err != nil {
		return Endpoint{}, err
	}

	add := func(n *graph.Node) error {
		if err := b.Add(n); err != nil {
			return fmt.Errorf("layer %s: %w", l.Name, err)
		}
		return nil
	}

	switch l.Kind {
	case KindConvBlock:
		ref, err := l.emitConv(add, in[0])
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Ref: ref, Shape: out}, nil

	case KindMaxPool:
		err = add(&graph.Node{Name: l.Name, Op: graph.OpMaxPool, Inputs: []string{in[0].Ref}, Attrs: graph.Attrs{
			"ksize":       []int64{int64(l.Size), int64(l.Size)},
			"strides":     []int64{int64(l.Stride), int64(l.Stride)},
			"padding":     "SAME",
			"data_format": graph.NHWC,
		}})

	case KindReorganize:
		err = add(&graph.Node{Name: l.Name, Op: graph.OpSpaceToDepth, Inputs: []string{in[0].Ref}, Attrs: graph.Attrs{
			"block_size":  int64(l.Block),
			"data_format": graph.NHWC,
		}})

	case KindConcatenate:
		refs := make([]string, len(in))
		for i, e := range in {
			refs[i] = e.Ref
		}
		err = add(&graph.Node{Name: l.Name, Op: graph.OpConcat, Inputs: refs, Attrs: graph.Attrs{"axis": int64(3)}})
	}
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Ref: l.Name, Shape: out}, nil
}

func (l Layer) emitConv(add func(*graph.Node) error, in Endpoint) (string, error) {
	params := l.Params(in.Shape)
	for _, p := range params {
		if err := add(Variable(p)); err != nil {
			return "", err
		}
	}

	conv := l.Name + ".conv"
	if err := add(&graph.Node{Name: conv, Op: graph.OpConv2D, Inputs: []string{in.Ref, params[0].Name}, Attrs: graph.Attrs{
		"strides":     []int64{1, 1},
		"padding":     "SAME",
		"data_format": graph.NHWC,
	}}); err != nil {
		return "", err
	}

	if l.Linear {
		biasAdd := l.Name + ".bias_add"
		err := add(&graph.Node{Name: biasAdd, Op: graph.OpBiasAdd, Inputs: []string{conv, params[1].Name},
			Attrs: graph.Attrs{"data_format": graph.NHWC}})
		return biasAdd, err
	}

	gamma, beta, mean, variance := params[1].Name, params[2].Name, params[3].Name, params[4].Name
	bn := &graph.Node{Name: l.Name + ".bn", Op: graph.OpFusedBatchNorm,
		Inputs: []string{conv, gamma, beta, mean, variance},
		Attrs: graph.Attrs{
			"epsilon":     float32(BatchNormEpsilon),
			"is_training": false,
			"data_format": graph.NHWC,
		}}
	if l.LegacyNorm {
		bn = &graph.Node{Name: l.Name + ".bn", Op: graph.OpBatchNormGlobal,
			Inputs: []string{conv, mean, variance, beta, gamma},
			Attrs: graph.Attrs{
				"variance_epsilon":          float32(BatchNormEpsilon),
				"scale_after_normalization": true,
			}}
	}
	if err := add(bn); err != nil {
		return "", err
	}

	act := l.Name + ".leaky_relu"
	err := add(&graph.Node{Name: act, Op: graph.OpLeakyRelu, Inputs: []string{bn.Name},
		Attrs: graph.Attrs{"alpha": float32(LeakyAlpha)}})
	return act, err
}

// Variable returns a float32 variable node for the parameter.
func Variable(p Param) *graph.Node {
	return &graph.Node{Name: p.Name, Op: graph.OpVariable, Attrs: graph.Attrs{
		"shape": p.Shape.Int64s(),
		"dtype": tensor.Float32.String(),
	}}
}
