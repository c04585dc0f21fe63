// Package quant implements 8-bit min/max weight quantization.
//
// A float tensor with range [min, max] is stored as uint8 codes:
//
//	q = round((v - min) / (max - min) * 255)
//	v ≈ min + q * (max - min) / 255
package quant

import (
	"fmt"
	"math"

	"github.com/tbdy/yolov2/internal/tensor"
)

// Levels is the number of representable values per tensor.
const Levels = 256

// Range returns the minimum and maximum of data. A degenerate range is
// widened so that the scale is never zero.
func Range(data []float32) (lo, hi float32) {
	if len(data) == 0 {
		return 0, 1
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi == lo {
		hi = lo + 1
	}
	return lo, hi
}

// Quantize encodes a float32 tensor as uint8 codes plus its range.
func Quantize(x *tensor.RawTensor) (q *tensor.RawTensor, lo, hi float32, err error) {
	if x.DType() != tensor.Float32 {
		return nil, 0, 0, fmt.Errorf("quantize: unsupported dtype %v", x.DType())
	}
	in := x.AsFloat32()
	for i, v := range in {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, 0, 0, fmt.Errorf("quantize: non-finite value %v at index %d", v, i)
		}
	}
	lo, hi = Range(in)

	q, err = tensor.NewRaw(x.Shape(), tensor.Uint8)
	if err != nil {
		return nil, 0, 0, err
	}
	out := q.AsUint8()
	scale := float64(Levels-1) / (float64(hi) - float64(lo))
	for i, v := range in {
		code := math.Round((float64(v) - float64(lo)) * scale)
		out[i] = uint8(min(max(code, 0), Levels-1))
	}
	return q, lo, hi, nil
}

// Dequantize decodes uint8 codes back to float32.
func Dequantize(q *tensor.RawTensor, lo, hi float32) (*tensor.RawTensor, error) {
	if q.DType() != tensor.Uint8 {
		return nil, fmt.Errorf("dequantize: unsupported dtype %v", q.DType())
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("dequantize: empty range [%v, %v]", lo, hi)
	}
	out, err := tensor.NewRaw(q.Shape(), tensor.Float32)
	if err != nil {
		return nil, err
	}
	step := (float64(hi) - float64(lo)) / float64(Levels-1)
	dst := out.AsFloat32()
	for i, c := range q.AsUint8() {
		dst[i] = float32(float64(lo) + float64(c)*step)
	}
	return out, nil
}

// Round snaps every value of a float32 tensor to the nearest of Levels
// evenly spaced values in its range. The result stays float32.
func Round(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	return RoundSteps(x, Levels)
}

// RoundSteps is Round with a custom number of steps in [2, Levels].
func RoundSteps(x *tensor.RawTensor, steps int) (*tensor.RawTensor, error) {
	if steps < 2 || steps > Levels {
		return nil, fmt.Errorf("round: steps %d outside [2, %d]", steps, Levels)
	}
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("round: unsupported dtype %v", x.DType())
	}
	in := x.AsFloat32()
	lo, hi := Range(in)
	out, err := tensor.NewRaw(x.Shape(), tensor.Float32)
	if err != nil {
		return nil, err
	}
	step := (float64(hi) - float64(lo)) / float64(steps-1)
	dst := out.AsFloat32()
	for i, v := range in {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			out.Release()
			return nil, fmt.Errorf("round: non-finite value %v at index %d", v, i)
		}
		k := math.Round((float64(v) - float64(lo)) / step)
		dst[i] = float32(float64(lo) + k*step)
	}
	return out, nil
}

// ScalarValue reads a 1-element float32 tensor.
func ScalarValue(t *tensor.RawTensor) (float32, error) {
	if t == nil || t.DType() != tensor.Float32 || t.NumElements() != 1 {
		return 0, fmt.Errorf("expected a float32 scalar, got %v", t)
	}
	return t.AsFloat32()[0], nil
}
