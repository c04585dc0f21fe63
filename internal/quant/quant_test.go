package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/tensor"
)

func TestQuantizeRoundTripError(t *testing.T) {
	data := []float32{-1, -0.5, 0, 0.25, 0.9, 2}
	x, err := tensor.FromFloat32(tensor.Shape{2, 3}, data)
	require.NoError(t, err)

	q, lo, hi, err := Quantize(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Uint8, q.DType())
	assert.Equal(t, float32(-1), lo)
	assert.Equal(t, float32(2), hi)
	assert.Equal(t, uint8(0), q.AsUint8()[0])
	assert.Equal(t, uint8(255), q.AsUint8()[5])

	back, err := Dequantize(q, lo, hi)
	require.NoError(t, err)
	step := float64(hi-lo) / 255
	for i, v := range back.AsFloat32() {
		assert.InDelta(t, data[i], v, step/2+1e-6)
	}
}

func TestRoundIsIdempotent(t *testing.T) {
	data := make([]float32, 1000)
	for i := range data {
		data[i] = float32(math.Sin(float64(i)))
	}
	x, _ := tensor.FromFloat32(tensor.Shape{1000}, data)

	once, err := Round(x)
	require.NoError(t, err)
	twice, err := Round(once)
	require.NoError(t, err)
	assert.InDeltaSlice(t, once.AsFloat32(), twice.AsFloat32(), 1e-6)

	distinct := make(map[float32]bool)
	for _, v := range once.AsFloat32() {
		distinct[v] = true
	}
	assert.LessOrEqual(t, len(distinct), Levels)
}

func TestQuantizeConstantTensor(t *testing.T) {
	x, _ := tensor.FromFloat32(tensor.Shape{3}, []float32{0.5, 0.5, 0.5})
	q, lo, hi, err := Quantize(x)
	require.NoError(t, err)
	assert.Greater(t, hi, lo)

	back, err := Dequantize(q, lo, hi)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, back.AsFloat32())
}

func TestQuantizeRejects(t *testing.T) {
	nan, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, float32(math.NaN())})
	_, _, _, err := Quantize(nan)
	assert.Error(t, err)

	u, _ := tensor.NewRaw(tensor.Shape{2}, tensor.Uint8)
	_, _, _, err = Quantize(u)
	assert.Error(t, err)

	_, err = Dequantize(u, 1, 1)
	assert.Error(t, err)
}

func TestScalarValue(t *testing.T) {
	v, err := ScalarValue(tensor.Scalar(3.5))
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), v)

	_, err = ScalarValue(nil)
	assert.Error(t, err)
}

func TestRoundSteps(t *testing.T) {
	x, _ := tensor.FromFloat32(tensor.Shape{4}, []float32{0, 0.3, 0.7, 1})
	out, err := RoundSteps(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1}, out.AsFloat32())

	_, err = RoundSteps(x, 1)
	assert.Error(t, err)
	_, err = RoundSteps(x, Levels+1)
	assert.Error(t, err)
}
