package kernels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/quant"
	"github.com/tbdy/yolov2/internal/tensor"
)

func seq() *Context {
	return &Context{Parallel: parallel.Sequential()}
}

func filled(t *testing.T, shape tensor.Shape, f func(i int) float32) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = f(i)
	}
	x, err := tensor.FromFloat32(shape, data)
	require.NoError(t, err)
	return x
}

func ones(t *testing.T, shape tensor.Shape) *tensor.RawTensor {
	return filled(t, shape, func(int) float32 { return 1 })
}

func TestConv2DPadding(t *testing.T) {
	r := NewRegistry()
	x := ones(t, tensor.Shape{1, 3, 3, 1})
	f := ones(t, tensor.Shape{3, 3, 1, 1})

	tests := []struct {
		name  string
		attrs graph.Attrs
		shape tensor.Shape
		want  []float32
	}{
		{"same", graph.Attrs{"padding": "SAME"}, tensor.Shape{1, 3, 3, 1}, []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}},
		{"valid", graph.Attrs{"padding": "VALID"}, tensor.Shape{1, 1, 1, 1}, []float32{9}},
		{"same stride 2", graph.Attrs{"padding": "SAME", "strides": []int64{2, 2}}, tensor.Shape{1, 2, 2, 1}, []float32{4, 4, 4, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &graph.Node{Name: "conv", Op: graph.OpConv2D, Attrs: tt.attrs}
			out, err := r.Execute(seq(), n, []*tensor.RawTensor{x, f})
			require.NoError(t, err)
			assert.Equal(t, tt.shape, out[0].Shape())
			assert.Equal(t, tt.want, out[0].AsFloat32())
		})
	}
}

func TestConv2DLayoutsAgree(t *testing.T) {
	r := NewRegistry()
	x := filled(t, tensor.Shape{2, 4, 4, 3}, func(i int) float32 { return float32(i%7) - 3 })
	f := filled(t, tensor.Shape{3, 3, 3, 5}, func(i int) float32 { return float32(i%5) * 0.25 })

	nhwc := &graph.Node{Name: "a", Op: graph.OpConv2D, Attrs: graph.Attrs{"padding": "SAME"}}
	want, err := r.Execute(DefaultContext(), nhwc, []*tensor.RawTensor{x, f})
	require.NoError(t, err)

	xc, err := tensor.TransposeAxes(x, 0, 3, 1, 2)
	require.NoError(t, err)
	nchw := &graph.Node{Name: "b", Op: graph.OpConv2D, Attrs: graph.Attrs{"padding": "SAME", "data_format": graph.NCHW}}
	got, err := r.Execute(seq(), nchw, []*tensor.RawTensor{xc, f})
	require.NoError(t, err)

	back, err := tensor.TransposeAxes(got[0], 0, 2, 3, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want[0].AsFloat32(), back.AsFloat32(), 1e-5)
}

func TestMaxPoolSame(t *testing.T) {
	x := filled(t, tensor.Shape{1, 3, 3, 1}, func(i int) float32 { return float32(i) })
	n := &graph.Node{Name: "pool", Op: graph.OpMaxPool, Attrs: graph.Attrs{
		"ksize": []int64{2, 2}, "strides": []int64{2, 2}, "padding": "SAME",
	}}
	out, err := NewRegistry().Execute(seq(), n, []*tensor.RawTensor{x})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, out[0].Shape())
	assert.Equal(t, []float32{4, 5, 7, 8}, out[0].AsFloat32())
}

func TestBatchNormForms(t *testing.T) {
	r := NewRegistry()
	x := filled(t, tensor.Shape{1, 1, 2, 2}, func(i int) float32 { return float32(i) })
	gamma, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{2, 1})
	beta, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 0})
	mean, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{0, 1})
	variance, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 4})

	fused := &graph.Node{Name: "bn", Op: graph.OpFusedBatchNorm, Attrs: graph.Attrs{"epsilon": float32(0), "is_training": false}}
	out, err := r.Execute(seq(), fused, []*tensor.RawTensor{x, gamma, beta, mean, variance})
	require.NoError(t, err)
	// channel 0: 2x+1, channel 1: (x-1)/2
	assert.InDeltaSlice(t, []float32{1, 0, 5, 1}, out[0].AsFloat32(), 1e-6)

	legacy := &graph.Node{Name: "old", Op: graph.OpBatchNormGlobal, Attrs: graph.Attrs{
		"variance_epsilon": float32(0), "scale_after_normalization": true,
	}}
	out2, err := r.Execute(seq(), legacy, []*tensor.RawTensor{x, mean, variance, beta, gamma})
	require.NoError(t, err)
	assert.InDeltaSlice(t, out[0].AsFloat32(), out2[0].AsFloat32(), 1e-6)

	training := &graph.Node{Name: "train", Op: graph.OpFusedBatchNorm, Attrs: graph.Attrs{}}
	_, err = r.Execute(seq(), training, []*tensor.RawTensor{x, gamma, beta, mean, variance})
	assert.Error(t, err)
}

func TestBiasAddNCHW(t *testing.T) {
	x := ones(t, tensor.Shape{1, 2, 1, 2})
	bias, _ := tensor.FromFloat32(tensor.Shape{2}, []float32{10, 20})
	n := &graph.Node{Name: "b", Op: graph.OpBiasAdd, Attrs: graph.Attrs{"data_format": graph.NCHW}}
	out, err := NewRegistry().Execute(seq(), n, []*tensor.RawTensor{x, bias})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 11, 21, 21}, out[0].AsFloat32())
}

func TestDequantize(t *testing.T) {
	x, _ := tensor.FromFloat32(tensor.Shape{3}, []float32{-1, 0, 1})
	q, lo, hi, err := quant.Quantize(x)
	require.NoError(t, err)

	n := &graph.Node{Name: "dq", Op: graph.OpDequantize}
	out, err := NewRegistry().Execute(seq(), n, []*tensor.RawTensor{q, tensor.Scalar(lo), tensor.Scalar(hi)})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, 0, 1}, out[0].AsFloat32(), 0.01)
}

func TestRun(t *testing.T) {
	b := graph.NewBuilder()
	require.NoError(t, b.Add(&graph.Node{Name: "in", Op: graph.OpPlaceholder,
		Attrs: graph.Attrs{"shape": []int64{-1, 2, 2, 1}, "dtype": "float32"}}))
	require.NoError(t, b.Add(&graph.Node{Name: "w", Op: graph.OpVariable,
		Attrs: graph.Attrs{"shape": []int64{1, 1, 1, 2}, "dtype": "float32"}}))
	require.NoError(t, b.Add(&graph.Node{Name: "conv", Op: graph.OpConv2D, Inputs: []string{"in", "w"},
		Attrs: graph.Attrs{"padding": "SAME"}}))
	require.NoError(t, b.Add(&graph.Node{Name: "act", Op: graph.OpLeakyRelu, Inputs: []string{"conv"},
		Attrs: graph.Attrs{"alpha": float32(0.1)}}))
	require.NoError(t, b.Add(&graph.Node{Name: "unused", Op: graph.OpYoloDecode, Inputs: []string{"act"}}))
	g, err := b.Build()
	require.NoError(t, err)

	x := filled(t, tensor.Shape{1, 2, 2, 1}, func(i int) float32 { return float32(i) })
	w, _ := tensor.FromFloat32(tensor.Shape{1, 1, 1, 2}, []float32{1, -1})

	r := NewRegistry()
	out, err := r.Run(seq(), g, map[string]*tensor.RawTensor{"in": x, "w": w}, []string{"act"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0, 1, -0.1, 2, -0.2, 3, -0.3}, out["act"].AsFloat32(), 1e-6)

	_, err = r.Run(seq(), g, map[string]*tensor.RawTensor{"in": x}, []string{"act"})
	assert.ErrorContains(t, err, "no value fed")

	_, err = r.Run(seq(), g, map[string]*tensor.RawTensor{"in": x, "w": w}, []string{"unused:1"})
	assert.ErrorContains(t, err, "unsupported operator")

	assert.False(t, r.Supports(graph.OpYoloDecode))
	assert.Contains(t, r.SupportedOps(), graph.OpSpaceToDepth)
}
