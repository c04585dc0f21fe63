package tensor

import "fmt"

// LeakyReLU applies leaky ReLU: max(x, alpha*x).
func LeakyReLU(x *RawTensor, alpha float32) (*RawTensor, error) {
	if x == nil {
		return nil, fmt.Errorf("LeakyReLU: input tensor is nil")
	}
	if x.dtype != Float32 {
		return nil, fmt.Errorf("LeakyReLU: unsupported dtype %v", x.dtype)
	}
	result, err := NewRaw(x.shape, Float32)
	if err != nil {
		return nil, fmt.Errorf("LeakyReLU: %w", err)
	}

	in := x.AsFloat32()
	out := result.AsFloat32()
	for i := range in {
		if in[i] > 0 {
			out[i] = in[i]
		} else {
			out[i] = alpha * in[i]
		}
	}
	return result, nil
}

// TransposeAxes transposes dimensions according to the given permutation.
func TransposeAxes(x *RawTensor, axes ...int) (*RawTensor, error) {
	if x == nil {
		return nil, fmt.Errorf("TransposeAxes: input tensor is nil")
	}

	ndim := len(x.shape)

	// Default: reverse all dimensions
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}

	if len(axes) != ndim {
		return nil, fmt.Errorf("TransposeAxes: axes length %d must match tensor dimensions %d", len(axes), ndim)
	}

	newShape := make(Shape, ndim)
	seen := make([]bool, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			return nil, fmt.Errorf("TransposeAxes: invalid permutation %v", axes)
		}
		seen[ax] = true
		newShape[i] = x.shape[ax]
	}

	result, err := NewRaw(newShape, x.dtype)
	if err != nil {
		return nil, fmt.Errorf("TransposeAxes: %w", err)
	}

	// Byte-level gather works for every dtype.
	elem := x.dtype.Size()
	in := x.Data()
	out := result.Data()
	oldStrides := x.shape.ComputeStrides()
	newStrides := newShape.ComputeStrides()
	n := newShape.NumElements()
	for newIdx := 0; newIdx < n; newIdx++ {
		oldIdx := 0
		rem := newIdx
		for i := 0; i < ndim; i++ {
			coord := rem / newStrides[i]
			rem %= newStrides[i]
			oldIdx += coord * oldStrides[axes[i]]
		}
		copy(out[newIdx*elem:(newIdx+1)*elem], in[oldIdx*elem:(oldIdx+1)*elem])
	}
	return result, nil
}

// Concat concatenates tensors along the specified dimension.
// Every non-axis dimension must match exactly; no broadcasting is attempted.
func Concat(tensors []*RawTensor, axis int) (*RawTensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat: no tensors provided")
	}

	first := tensors[0]
	ndim := len(first.shape)

	// Handle negative axis
	if axis < 0 {
		axis = ndim + axis
	}
	if axis < 0 || axis >= ndim {
		return nil, fmt.Errorf("Concat: axis %d out of range for %d dimensions", axis, ndim)
	}

	for i, t := range tensors[1:] {
		if len(t.shape) != ndim {
			return nil, fmt.Errorf("Concat: tensor %d has %d dimensions, expected %d", i+1, len(t.shape), ndim)
		}
		if t.dtype != first.dtype {
			return nil, fmt.Errorf("Concat: tensor %d has dtype %v, expected %v", i+1, t.dtype, first.dtype)
		}
		for j := 0; j < ndim; j++ {
			if j != axis && t.shape[j] != first.shape[j] {
				return nil, fmt.Errorf("Concat: tensor %d has shape %v, incompatible with %v on axis %d", i+1, t.shape, first.shape, axis)
			}
		}
	}

	newShape := first.shape.Clone()
	for _, t := range tensors[1:] {
		newShape[axis] += t.shape[axis]
	}

	result, err := NewRaw(newShape, first.dtype)
	if err != nil {
		return nil, fmt.Errorf("Concat: %w", err)
	}

	innerSize := first.dtype.Size()
	for i := axis + 1; i < ndim; i++ {
		innerSize *= newShape[i]
	}
	outerSize := 1
	for i := 0; i < axis; i++ {
		outerSize *= newShape[i]
	}

	outData := result.Data()
	offset := 0
	for outer := 0; outer < outerSize; outer++ {
		for _, t := range tensors {
			copyLen := t.shape[axis] * innerSize
			inStart := outer * copyLen
			copy(outData[offset:offset+copyLen], t.Data()[inStart:inStart+copyLen])
			offset += copyLen
		}
	}
	return result, nil
}

// Add computes a + b element-wise with NumPy broadcasting (float32 only).
func Add(a, b *RawTensor) (*RawTensor, error) {
	return binaryFloat32("Add", a, b, func(x, y float32) float32 { return x + y })
}

// Mul computes a * b element-wise with NumPy broadcasting (float32 only).
func Mul(a, b *RawTensor) (*RawTensor, error) {
	return binaryFloat32("Mul", a, b, func(x, y float32) float32 { return x * y })
}

func binaryFloat32(name string, a, b *RawTensor, op func(x, y float32) float32) (*RawTensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%s: input tensor is nil", name)
	}
	if a.dtype != Float32 || b.dtype != Float32 {
		return nil, fmt.Errorf("%s: unsupported dtypes %v, %v", name, a.dtype, b.dtype)
	}
	outShape, _, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	result, err := NewRaw(outShape, Float32)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	aData, bData, out := a.AsFloat32(), b.AsFloat32(), result.AsFloat32()
	aStrides := broadcastStrides(a.shape, outShape)
	bStrides := broadcastStrides(b.shape, outShape)
	outStrides := outShape.ComputeStrides()
	for i := range out {
		ai, bi, rem := 0, 0, i
		for d := range outShape {
			coord := rem / outStrides[d]
			rem %= outStrides[d]
			ai += coord * aStrides[d]
			bi += coord * bStrides[d]
		}
		out[i] = op(aData[ai], bData[bi])
	}
	return result, nil
}

// broadcastStrides returns strides of src aligned to dst, with 0 on broadcast axes.
func broadcastStrides(src, dst Shape) []int {
	out := make([]int, len(dst))
	srcStrides := src.ComputeStrides()
	offset := len(dst) - len(src)
	for i := range src {
		if src[i] != 1 {
			out[offset+i] = srcStrides[i]
		}
	}
	return out
}
