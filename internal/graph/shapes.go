package graph

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Unknown marks a dimension whose size is only fixed at run time (the batch).
const Unknown = -1

// TensorSpec is the static type of one node output.
type TensorSpec struct {
	Shape tensor.Shape
	DType tensor.DataType
}

// Specs maps node name to the specs of its outputs.
type Specs map[string][]TensorSpec

// Lookup resolves a reference ("name" or "name:k").
func (s Specs) Lookup(ref string) (TensorSpec, bool) {
	name, idx := ParseRef(ref)
	outs, ok := s[name]
	if !ok || idx >= len(outs) {
		return TensorSpec{}, false
	}
	return outs[idx], true
}

// InferShapes computes the output shape and dtype of every node.
// Failures are errs.ErrShape errors naming the node and the mismatch.
func InferShapes(g *Graph) (Specs, error) {
	specs := make(Specs, g.Len())
	for _, n := range g.Nodes() {
		in := make([]TensorSpec, len(n.Inputs))
		for i, ref := range n.Inputs {
			s, ok := specs.Lookup(ref)
			if !ok {
				return nil, errs.Newf(errs.Shape, "infer_shapes", n.Name, "input %q has no inferred shape", ref)
			}
			in[i] = s
		}
		out, err := InferNode(n, in)
		if err != nil {
			return nil, err
		}
		specs[n.Name] = out
	}
	return specs, nil
}

// SpatialAxes returns the (channel, height, width) axes for a data format.
func SpatialAxes(format string) (c, h, w int) {
	if format == NCHW {
		return 1, 2, 3
	}
	return 3, 1, 2
}

// SpatialOut computes the output length of a windowed op along one axis.
// Unknown input sizes stay unknown.
func SpatialOut(in, k, stride int, padding string) (int, error) {
	if in == Unknown {
		return Unknown, nil
	}
	if stride < 1 {
		return 0, fmt.Errorf("stride %d < 1", stride)
	}
	switch padding {
	case "SAME":
		return (in + stride - 1) / stride, nil
	case "VALID":
		if in < k {
			return 0, fmt.Errorf("input %d smaller than window %d", in, k)
		}
		return (in-k)/stride + 1, nil
	default:
		return 0, fmt.Errorf("unknown padding %q", padding)
	}
}

// InferNode computes the output specs of a single node from its input specs.
//
//nolint:gocyclo,cyclop // one case per op
func InferNode(n *Node, in []TensorSpec) ([]TensorSpec, error) {
	shapeErr := func(expected, actual any) error {
		return errs.Mismatch(errs.Shape, n.Op.String(), n.Name, expected, actual)
	}
	need := func(k int) error {
		if len(in) != k {
			return shapeErr(fmt.Sprintf("%d inputs", k), fmt.Sprintf("%d inputs", len(in)))
		}
		return nil
	}

	switch n.Op {
	case OpPlaceholder, OpVariable:
		dt, err := tensor.ParseDataType(n.Attrs.String("dtype", "float32"))
		if err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		return []TensorSpec{{Shape: tensor.ShapeOf(n.Attrs.Ints("shape")), DType: dt}}, nil

	case OpConst:
		if n.Value == nil {
			return nil, shapeErr("constant value", "nil")
		}
		return []TensorSpec{{Shape: n.Value.Shape().Clone(), DType: n.Value.DType()}}, nil

	case OpIdentity, OpLeakyRelu:
		if err := need(1); err != nil {
			return nil, err
		}
		return []TensorSpec{in[0]}, nil

	case OpConv2D:
		if err := need(2); err != nil {
			return nil, err
		}
		x, f := in[0].Shape, in[1].Shape
		if len(x) != 4 || len(f) != 4 {
			return nil, shapeErr("4-D input and HWIO filter", fmt.Sprintf("%v and %v", x, f))
		}
		cAx, hAx, wAx := SpatialAxes(n.DataFormat())
		if x[cAx] != f[2] {
			return nil, shapeErr(fmt.Sprintf("%d input channels", f[2]), fmt.Sprintf("%d in %v", x[cAx], x))
		}
		strides := n.Attrs.Ints("strides")
		sh, sw := 1, 1
		if len(strides) == 2 {
			sh, sw = int(strides[0]), int(strides[1])
		}
		padding := n.Attrs.String("padding", "SAME")
		out := x.Clone()
		var err error
		if out[hAx], err = SpatialOut(x[hAx], f[0], sh, padding); err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		if out[wAx], err = SpatialOut(x[wAx], f[1], sw, padding); err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		out[cAx] = f[3]
		return []TensorSpec{{Shape: out, DType: tensor.Float32}}, nil

	case OpBiasAdd:
		if err := need(2); err != nil {
			return nil, err
		}
		cAx, _, _ := SpatialAxes(n.DataFormat())
		if err := checkChannelVector(n, in[0].Shape, cAx, in[1].Shape); err != nil {
			return nil, err
		}
		return []TensorSpec{in[0]}, nil

	case OpFusedBatchNorm, OpBatchNormGlobal:
		if err := need(5); err != nil {
			return nil, err
		}
		cAx, _, _ := SpatialAxes(n.DataFormat())
		if len(in[0].Shape) != 4 {
			return nil, shapeErr("4-D input", in[0].Shape)
		}
		for _, p := range in[1:] {
			if err := checkChannelVector(n, in[0].Shape, cAx, p.Shape); err != nil {
				return nil, err
			}
		}
		return []TensorSpec{in[0]}, nil

	case OpMul, OpAdd:
		if err := need(2); err != nil {
			return nil, err
		}
		out, _, err := tensor.BroadcastShapes(in[0].Shape, in[1].Shape)
		if err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		return []TensorSpec{{Shape: out, DType: in[0].DType}}, nil

	case OpMaxPool:
		if err := need(1); err != nil {
			return nil, err
		}
		x := in[0].Shape
		if len(x) != 4 {
			return nil, shapeErr("4-D input", x)
		}
		_, hAx, wAx := SpatialAxes(n.DataFormat())
		ksize, strides := n.Attrs.Ints("ksize"), n.Attrs.Ints("strides")
		if len(ksize) != 2 || len(strides) != 2 {
			return nil, shapeErr("2-element ksize and strides", fmt.Sprintf("%v and %v", ksize, strides))
		}
		padding := n.Attrs.String("padding", "VALID")
		out := x.Clone()
		var err error
		if out[hAx], err = SpatialOut(x[hAx], int(ksize[0]), int(strides[0]), padding); err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		if out[wAx], err = SpatialOut(x[wAx], int(ksize[1]), int(strides[1]), padding); err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		return []TensorSpec{{Shape: out, DType: in[0].DType}}, nil

	case OpSpaceToDepth:
		if err := need(1); err != nil {
			return nil, err
		}
		out, err := SpaceToDepthShape(in[0].Shape, int(n.Attrs.Int("block_size", 2)), n.DataFormat())
		if err != nil {
			return nil, errs.Wrap(errs.Shape, n.Op.String(), n.Name, err)
		}
		return []TensorSpec{{Shape: out, DType: in[0].DType}}, nil

	case OpConcat:
		if len(in) == 0 {
			return nil, shapeErr("at least 1 input", "0 inputs")
		}
		first := in[0].Shape
		axis := int(n.Attrs.Int("axis", -1))
		if axis < 0 {
			axis += len(first)
		}
		if axis < 0 || axis >= len(first) {
			return nil, shapeErr(fmt.Sprintf("axis in [0, %d)", len(first)), axis)
		}
		out := first.Clone()
		for i, s := range in[1:] {
			if len(s.Shape) != len(first) {
				return nil, shapeErr(fmt.Sprintf("input %d of rank %d", i+1, len(first)), s.Shape)
			}
			for d := range first {
				if d != axis && s.Shape[d] != first[d] {
					return nil, shapeErr(
						fmt.Sprintf("input %d to match %v off axis %d", i+1, first, axis), s.Shape)
				}
			}
			out[axis] += s.Shape[axis]
		}
		return []TensorSpec{{Shape: out, DType: in[0].DType}}, nil

	case OpTranspose:
		if err := need(1); err != nil {
			return nil, err
		}
		perm := n.Attrs.Ints("perm")
		x := in[0].Shape
		if len(perm) != len(x) {
			return nil, shapeErr(fmt.Sprintf("perm of length %d", len(x)), perm)
		}
		out := make(tensor.Shape, len(x))
		for i, p := range perm {
			if p < 0 || int(p) >= len(x) {
				return nil, shapeErr("valid permutation", perm)
			}
			out[i] = x[p]
		}
		return []TensorSpec{{Shape: out, DType: in[0].DType}}, nil

	case OpDequantize:
		if err := need(3); err != nil {
			return nil, err
		}
		if in[0].DType != tensor.Uint8 {
			return nil, shapeErr("uint8 quantized input", in[0].DType)
		}
		return []TensorSpec{{Shape: in[0].Shape, DType: tensor.Float32}}, nil

	case OpYoloDecode:
		if err := need(1); err != nil {
			return nil, err
		}
		x := in[0].Shape
		if len(x) != 4 {
			return nil, shapeErr("4-D input", x)
		}
		cAx, _, _ := SpatialAxes(n.DataFormat())
		numAnchors := len(n.Attrs.Floats("anchors")) / 2
		classes := int(n.Attrs.Int("num_classes", 0))
		if want := numAnchors * (5 + classes); x[cAx] != want {
			return nil, shapeErr(fmt.Sprintf("%d channels (%d anchors x (5+%d))", want, numAnchors, classes), x[cAx])
		}
		maxBoxes := int(n.Attrs.Int("max_boxes", 100))
		return []TensorSpec{
			{Shape: tensor.Shape{maxBoxes, 4}, DType: tensor.Float32},
			{Shape: tensor.Shape{maxBoxes}, DType: tensor.Float32},
			{Shape: tensor.Shape{maxBoxes}, DType: tensor.Int64},
		}, nil

	default:
		return nil, shapeErr("known op", n.Op)
	}
}

// SpaceToDepthShape applies the reorganize shape rule: spatial dims divide
// by block, channels multiply by block².
func SpaceToDepthShape(x tensor.Shape, block int, format string) (tensor.Shape, error) {
	if len(x) != 4 {
		return nil, fmt.Errorf("reorganize needs a 4-D input, got %v", x)
	}
	if block < 1 {
		return nil, fmt.Errorf("block size %d < 1", block)
	}
	cAx, hAx, wAx := SpatialAxes(format)
	if x[hAx]%block != 0 || x[wAx]%block != 0 {
		return nil, fmt.Errorf("spatial dims %dx%d not divisible by block size %d", x[hAx], x[wAx], block)
	}
	out := x.Clone()
	out[hAx] = x[hAx] / block
	out[wAx] = x[wAx] / block
	out[cAx] = x[cAx] * block * block
	return out, nil
}

func checkChannelVector(n *Node, x tensor.Shape, cAx int, v tensor.Shape) error {
	if len(x) <= cAx {
		return errs.Mismatch(errs.Shape, n.Op.String(), n.Name, fmt.Sprintf("rank > %d", cAx), x)
	}
	if len(v) != 1 || v[0] != x[cAx] {
		return errs.Mismatch(errs.Shape, n.Op.String(), n.Name, tensor.Shape{x[cAx]}, v)
	}
	return nil
}
