package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/kernels"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/quant"
	"github.com/tbdy/yolov2/internal/tensor"
)

type graphBuilder struct {
	t *testing.T
	b *graph.Builder
}

func newGraph(t *testing.T) *graphBuilder {
	t.Helper()
	gb := &graphBuilder{t: t, b: graph.NewBuilder()}
	gb.add(&graph.Node{Name: "in", Op: graph.OpPlaceholder, Attrs: graph.Attrs{"shape": []int64{-1, 4, 4, 2}, "dtype": "float32"}})
	return gb
}

func (gb *graphBuilder) add(n *graph.Node) {
	gb.t.Helper()
	require.NoError(gb.t, gb.b.Add(n))
}

func (gb *graphBuilder) constant(name string, shape tensor.Shape) {
	gb.t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(i%7)/3 - 1
	}
	v, err := tensor.FromFloat32(shape, data)
	require.NoError(gb.t, err)
	gb.add(&graph.Node{Name: name, Op: graph.OpConst, Attrs: graph.Attrs{"dtype": "float32"}, Value: v})
}

func (gb *graphBuilder) build() *graph.Graph {
	gb.t.Helper()
	g, err := gb.b.Build()
	require.NoError(gb.t, err)
	return g
}

func run(t *testing.T, g *graph.Graph, fetch string) []float32 {
	t.Helper()
	data := make([]float32, 32)
	for i := range data {
		data[i] = float32(i%5) - 2
	}
	x, err := tensor.FromFloat32(tensor.Shape{1, 4, 4, 2}, data)
	require.NoError(t, err)
	out, err := kernels.NewRegistry().Run(&kernels.Context{Parallel: parallel.Sequential()}, g,
		map[string]*tensor.RawTensor{"in": x}, []string{fetch})
	require.NoError(t, err)
	return out[fetch].AsFloat32()
}

func opts(device tensor.Device, optimizers ...string) Options {
	return Options{Optimizers: optimizers, Device: device, Parallel: parallel.Sequential()}
}

func TestPruning(t *testing.T) {
	gb := newGraph(t)
	gb.add(&graph.Node{Name: "act", Op: graph.OpLeakyRelu, Inputs: []string{"in"}, Attrs: graph.Attrs{"alpha": float32(0.1)}})
	gb.add(&graph.Node{Name: "alias", Op: graph.OpIdentity, Inputs: []string{"act"}})
	gb.add(&graph.Node{Name: "dead", Op: graph.OpLeakyRelu, Inputs: []string{"alias"}})
	gb.add(&graph.Node{Name: "out", Op: graph.OpIdentity, Inputs: []string{"alias"}})
	g := gb.build()

	out, reports, err := Optimize(g, []string{"in"}, []string{"out"}, opts(tensor.CPU, Pruning))
	require.NoError(t, err)
	assert.Equal(t, 2, reports[0].Changed)

	for _, name := range []string{"alias", "dead"} {
		_, ok := out.Node(name)
		assert.False(t, ok, name)
	}
	o, ok := out.Node("out")
	require.True(t, ok)
	assert.Equal(t, []string{"act"}, o.Inputs)
	assert.Equal(t, run(t, g, "out"), run(t, out, "out"))
}

func TestConstFold(t *testing.T) {
	gb := newGraph(t)
	gb.constant("a", tensor.Shape{2})
	gb.constant("b", tensor.Shape{2})
	gb.add(&graph.Node{Name: "sum", Op: graph.OpAdd, Inputs: []string{"a", "b"}})
	gb.add(&graph.Node{Name: "scaled", Op: graph.OpMul, Inputs: []string{"in", "sum"}})

	w, err := tensor.FromFloat32(tensor.Shape{1, 1, 2, 2}, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	q, lo, hi, err := quant.Quantize(w)
	require.NoError(t, err)
	gb.add(&graph.Node{Name: "w.quantized", Op: graph.OpConst, Value: q})
	gb.add(&graph.Node{Name: "w.min", Op: graph.OpConst, Value: tensor.Scalar(lo)})
	gb.add(&graph.Node{Name: "w.max", Op: graph.OpConst, Value: tensor.Scalar(hi)})
	gb.add(&graph.Node{Name: "w", Op: graph.OpDequantize, Inputs: []string{"w.quantized", "w.min", "w.max"}})
	gb.add(&graph.Node{Name: "conv", Op: graph.OpConv2D, Inputs: []string{"scaled", "w"}})
	gb.add(&graph.Node{Name: "out", Op: graph.OpIdentity, Inputs: []string{"conv"}})
	g := gb.build()

	out, reports, err := Optimize(g, []string{"in"}, []string{"out"}, opts(tensor.CPU, ConstFold))
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].Changed)

	sum, _ := out.Node("sum")
	assert.Equal(t, graph.OpConst, sum.Op)
	_, ok := out.Node("a")
	assert.False(t, ok)

	dq, _ := out.Node("w")
	assert.Equal(t, graph.OpDequantize, dq.Op, "expanding quantized weights is not a fold")
	assert.InDeltaSlice(t, run(t, g, "out"), run(t, out, "out"), 1e-6)
}

func layoutGraph(t *testing.T) *graph.Graph {
	gb := newGraph(t)
	gb.constant("w1", tensor.Shape{3, 3, 2, 4})
	gb.constant("b1", tensor.Shape{4})
	gb.constant("w2", tensor.Shape{1, 1, 4, 2})
	gb.add(&graph.Node{Name: "conv1", Op: graph.OpConv2D, Inputs: []string{"in", "w1"}, Attrs: graph.Attrs{"padding": "SAME"}})
	gb.add(&graph.Node{Name: "bias1", Op: graph.OpBiasAdd, Inputs: []string{"conv1", "b1"}})
	gb.add(&graph.Node{Name: "act1", Op: graph.OpLeakyRelu, Inputs: []string{"bias1"}, Attrs: graph.Attrs{"alpha": float32(0.1)}})
	gb.add(&graph.Node{Name: "pool", Op: graph.OpMaxPool, Inputs: []string{"act1"}, Attrs: graph.Attrs{
		"ksize": []int64{2, 2}, "strides": []int64{2, 2}, "padding": "SAME",
	}})
	gb.add(&graph.Node{Name: "conv2", Op: graph.OpConv2D, Inputs: []string{"act1", "w2"}, Attrs: graph.Attrs{"padding": "SAME"}})
	gb.add(&graph.Node{Name: "reorg", Op: graph.OpSpaceToDepth, Inputs: []string{"conv2"}, Attrs: graph.Attrs{"block_size": int64(2)}})
	gb.add(&graph.Node{Name: "concat", Op: graph.OpConcat, Inputs: []string{"reorg", "pool"}, Attrs: graph.Attrs{"axis": int64(3)}})
	gb.add(&graph.Node{Name: "out", Op: graph.OpIdentity, Inputs: []string{"concat"}})
	return gb.build()
}

func TestLayoutCUDA(t *testing.T) {
	g := layoutGraph(t)
	out, reports, err := Optimize(g, []string{"in"}, []string{"out"}, opts(tensor.CUDA, Layout))
	require.NoError(t, err)
	assert.Equal(t, 6, reports[0].Changed)

	for _, name := range out.ByOp(graph.OpConv2D) {
		n, _ := out.Node(name)
		assert.Equal(t, graph.NCHW, n.DataFormat(), name)
	}
	for _, n := range out.Nodes() {
		if isTranspose(n, toNCHW) {
			src, _ := out.Node(nodeName(n.Inputs[0]))
			assert.False(t, isTranspose(src, toNHWC), "uncancelled transpose pair at %s", n.Name)
		}
	}
	// bias1 -> pool crosses the elementwise LeakyRelu, so act1 stays NHWC.
	assert.Len(t, out.ByOp(graph.OpTranspose), 5)
	assert.InDeltaSlice(t, run(t, g, "out"), run(t, out, "out"), 1e-5)
}

func TestLayoutCPUKeepsNHWC(t *testing.T) {
	out, reports, err := Optimize(layoutGraph(t), []string{"in"}, []string{"out"}, opts(tensor.CPU, Layout))
	require.NoError(t, err)
	assert.Equal(t, 0, reports[0].Changed)
	assert.Empty(t, out.ByOp(graph.OpTranspose))
}

func TestDefaultOptimizers(t *testing.T) {
	g := layoutGraph(t)
	out, reports, err := Optimize(g, []string{"in"}, []string{"out"}, Options{Parallel: parallel.Sequential()})
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, InferShapes, reports[3].Name)

	in, _ := out.Node("in")
	assert.Equal(t, "(-1, 4, 4, 2)", in.Attrs.String(ShapesAttr, ""))
	o, _ := out.Node("out")
	assert.Equal(t, "(-1, 2, 2, 12)", o.Attrs.String(ShapesAttr, ""))
	assert.InDeltaSlice(t, run(t, g, "out"), run(t, out, "out"), 1e-5)
}

func TestUnknownOptimizer(t *testing.T) {
	_, _, err := Optimize(layoutGraph(t), []string{"in"}, []string{"out"}, opts(tensor.CPU, "remapping"))
	assert.ErrorIs(t, err, errs.ErrTransform)
}

func TestCheckSequence(t *testing.T) {
	require.NoError(t, CheckSequence(DefaultOptimizers()))

	tests := []struct {
		name  string
		names []string
	}{
		{"empty", nil},
		{"layout dropped", []string{Pruning, ConstFold, InferShapes}},
		{"reordered", []string{ConstFold, Pruning, Layout, InferShapes}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSequence(tt.names)
			require.ErrorIs(t, err, errs.ErrTransform)
			assert.ErrorContains(t, err, "expected pruning, constfold, layout, infer_shapes")
		})
	}
}

func TestInvalidPassResultReleased(t *testing.T) {
	var w *tensor.RawTensor
	passes["break_strides"] = func(_ *optimizer, _ *graph.Graph) (*graph.Graph, int, error) {
		gb := newGraph(t)
		gb.constant("w", tensor.Shape{3, 3, 2, 3})
		w = gb.b.Node("w").Value
		gb.add(&graph.Node{Name: "out", Op: graph.OpConv2D, Inputs: []string{"in", "w"},
			Attrs: graph.Attrs{"strides": []int64{0, 0}, "padding": "SAME"}})
		return gb.build(), 1, nil
	}
	defer delete(passes, "break_strides")

	g := layoutGraph(t)
	_, _, err := Optimize(g, []string{"in"}, []string{"out"}, opts(tensor.CPU, "break_strides"))
	require.ErrorIs(t, err, errs.ErrTransform)
	require.NotNil(t, w)
	assert.True(t, w.Released())
}
