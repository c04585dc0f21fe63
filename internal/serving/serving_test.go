package serving

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/kernels"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/zoo"
)

func frozenGraph(t *testing.T) *graph.Graph {
	t.Helper()
	data := make([]float32, 6)
	for i := range data {
		data[i] = float32(i)/4 - 0.5
	}
	w, err := tensor.FromFloat32(tensor.Shape{1, 1, 2, 3}, data)
	require.NoError(t, err)

	b := graph.NewBuilder()
	for _, n := range []*graph.Node{
		{Name: "in", Op: graph.OpPlaceholder, Attrs: graph.Attrs{"shape": []int64{-1, 4, 4, 2}, "dtype": "float32"}},
		{Name: "w", Op: graph.OpConst, Attrs: graph.Attrs{"dtype": "float32"}, Value: w},
		{Name: "conv", Op: graph.OpConv2D, Inputs: []string{"in", "w"}, Attrs: graph.Attrs{
			"strides": []int64{1, 1}, "padding": "SAME", "data_format": graph.NHWC,
		}},
		{Name: "act", Op: graph.OpLeakyRelu, Inputs: []string{"conv"}, Attrs: graph.Attrs{"alpha": float32(0.1)}},
		{Name: "out", Op: graph.OpIdentity, Inputs: []string{"act"}},
	} {
		require.NoError(t, b.Add(n))
	}
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func runGraph(t *testing.T, g *graph.Graph) []float32 {
	t.Helper()
	data := make([]float32, 32)
	for i := range data {
		data[i] = float32(i%5) - 2
	}
	x, err := tensor.FromFloat32(tensor.Shape{1, 4, 4, 2}, data)
	require.NoError(t, err)
	out, err := kernels.NewRegistry().Run(&kernels.Context{Parallel: parallel.Sequential()}, g,
		map[string]*tensor.RawTensor{"in": x}, []string{"out"})
	require.NoError(t, err)
	return out["out"].AsFloat32()
}

func packager(dir, version string) *Packager {
	return &Packager{
		OutputDir: dir,
		Version:   version,
		Now:       func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func modelConfig() ModelConfig {
	return ModelConfig{
		RunID:     "run",
		ImageSize: 4,
		Anchors:   []zoo.Anchor{{W: 1, H: 2}},
		IoU:       0.6,
		MaxBoxes:  10,
	}
}

func TestSavedModelRoundTrip(t *testing.T) {
	sig := Signature{
		Inputs:  map[string]TensorInfo{InputKey: {Name: "image_input:0", DType: tensor.Float32, Shape: tensor.Shape{-1, 416, 416, 3}}},
		Outputs: map[string]TensorInfo{"detection_classes": {Name: "detection_classes:0", DType: tensor.Int64, Shape: tensor.Shape{100}}},
		Method:  MethodPredict,
	}
	want := &SavedModel{
		SchemaVersion: 1,
		MetaGraphs: []MetaGraph{{
			Version:  "1",
			Tags:     []string{TagServe},
			Producer: "test",
			Nodes: []NodeDef{
				{Name: "image_input", Op: "Placeholder", Attrs: map[string]any{"shape": []int64{-1, 416, 416, 3}, "dtype": "float32"}},
				{Name: "act", Op: "LeakyRelu", Inputs: []string{"image_input"}, Device: "/device:CPU:0", Attrs: map[string]any{
					"alpha":       float32(0.1),
					"anchors":     []float32{1.5, -2.25},
					"is_training": false,
					"max_boxes":   int64(-7),
				}},
			},
			Collections: map[string][]string{InferenceCollection: {"a:0", "b:1"}},
			Signatures:  Signatures(sig),
		}},
	}

	b, err := want.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalSavedModel(b)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, again, "encoding must be deterministic")
}

func TestMarshalRejectsUnknownAttr(t *testing.T) {
	m := &SavedModel{MetaGraphs: []MetaGraph{{Nodes: []NodeDef{{Name: "x", Op: "Const", Attrs: map[string]any{"bad": 3}}}}}}
	_, err := m.Marshal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported attribute type int")
}

func TestUnmarshalTruncated(t *testing.T) {
	m := &SavedModel{SchemaVersion: 1, MetaGraphs: []MetaGraph{{Version: "1", Tags: []string{TagServe}}}}
	b, err := m.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalSavedModel(b[:len(b)-2])
	require.Error(t, err)
}

func TestBuildSignature(t *testing.T) {
	g := frozenGraph(t)
	defer g.Release()

	sig, err := BuildSignature(g, "in", []string{"out"})
	require.NoError(t, err)
	assert.Equal(t, MethodPredict, sig.Method)
	require.Len(t, sig.Inputs, 1)
	assert.Equal(t, TensorInfo{Name: "in:0", DType: tensor.Float32, Shape: tensor.Shape{-1, 4, 4, 2}}, sig.Inputs[InputKey])
	assert.Equal(t, TensorInfo{Name: "out:0", DType: tensor.Float32, Shape: tensor.Shape{-1, 4, 4, 3}}, sig.Outputs["out"])

	tests := []struct {
		name    string
		input   string
		outputs []string
	}{
		{"missing output", "in", []string{"nope"}},
		{"input not a placeholder", "act", []string{"out"}},
		{"duplicate output", "in", []string{"out", "out"}},
		{"no outputs", "in", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSignature(g, tt.input, tt.outputs)
			require.ErrorIs(t, err, errs.ErrPackaging)
		})
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1", true},
		{"2025-01-02", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errs.ErrConfig)
		})
	}
}

func TestPackageAndLoad(t *testing.T) {
	dir := t.TempDir()
	g := frozenGraph(t)
	defer g.Release()
	want := runGraph(t, g)

	bundle, err := packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1"), bundle.Dir)
	assert.Equal(t, 5, bundle.Nodes)
	assert.Equal(t, 1, bundle.Constants)

	for _, f := range []string{
		SavedModelFile,
		filepath.Join(VariablesDir, VariablesFile),
		filepath.Join(AssetsDir, ModelConfigFile),
	} {
		assert.FileExists(t, filepath.Join(bundle.Dir, f))
	}
	dot, err := os.ReadFile(filepath.Join(dir, TraceDir, DotFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(dot), "digraph"))
	assert.Contains(t, string(dot), `"conv" -> "act" [label="(-1, 4, 4, 3)"]`)
	pbtxt, err := os.ReadFile(filepath.Join(dir, TraceDir, PbtxtFile))
	require.NoError(t, err)
	assert.Contains(t, string(pbtxt), `op: "Conv2D"`)

	yml, err := os.ReadFile(filepath.Join(bundle.Dir, AssetsDir, ModelConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(yml), "version: \"1\"")
	assert.Contains(t, string(yml), "run_id: run")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"1", lockFile, TraceDir}, names, "no staging directory may remain")

	loaded, err := Load(bundle.Dir)
	require.NoError(t, err)
	defer loaded.Release()

	predict, ok := loaded.Signature(SignatureKey)
	require.True(t, ok)
	def, ok := loaded.Signature(DefaultSignatureKey)
	require.True(t, ok)
	assert.Equal(t, predict, def)
	assert.Equal(t, bundle.Signature, predict)
	assert.Equal(t, []string{TagServe}, loaded.Model.MetaGraphs[0].Tags)
	assert.Equal(t, []string{"out:0"}, loaded.Model.MetaGraphs[0].Collections[InferenceCollection])

	assert.InDeltaSlice(t, want, runGraph(t, loaded.Graph), 1e-6)
}

func TestPackageWriteOnce(t *testing.T) {
	dir := t.TempDir()
	g := frozenGraph(t)
	defer g.Release()

	_, err := packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, "1", SavedModelFile))
	require.NoError(t, err)

	_, err = packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.ErrorIs(t, err, errs.ErrPackaging)
	assert.Contains(t, err.Error(), "existing directory")

	after, err := os.ReadFile(filepath.Join(dir, "1", SavedModelFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPackageIdenticalAcrossVersions(t *testing.T) {
	dir := t.TempDir()
	g := frozenGraph(t)
	defer g.Release()

	for _, v := range []string{"1", "2"} {
		_, err := packager(dir, v).Package(g, "in", []string{"out"}, modelConfig())
		require.NoError(t, err)
	}
	first, err := os.ReadFile(filepath.Join(dir, "1", SavedModelFile))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "2", SavedModelFile))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPackageRejectsVariables(t *testing.T) {
	dir := t.TempDir()
	b := graph.NewBuilder()
	require.NoError(t, b.Add(&graph.Node{Name: "in", Op: graph.OpPlaceholder, Attrs: graph.Attrs{"shape": []int64{-1, 2}, "dtype": "float32"}}))
	require.NoError(t, b.Add(&graph.Node{Name: "v", Op: graph.OpVariable, Attrs: graph.Attrs{"shape": []int64{2}, "dtype": "float32"}}))
	require.NoError(t, b.Add(&graph.Node{Name: "out", Op: graph.OpAdd, Inputs: []string{"in", "v"}}))
	g, err := b.Build()
	require.NoError(t, err)

	_, err = packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.ErrorIs(t, err, errs.ErrPackaging)
	assert.NoDirExists(t, filepath.Join(dir, "1"))
}

func TestPackageTraceFailureLeavesNoVersion(t *testing.T) {
	dir := t.TempDir()
	g := frozenGraph(t)
	defer g.Release()

	blocker := filepath.Join(dir, TraceDir)
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	_, err := packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.ErrorIs(t, err, errs.ErrPackaging)
	assert.NoDirExists(t, filepath.Join(dir, "1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging") || strings.HasPrefix(e.Name(), ".trace"),
			"staging directory %s left behind", e.Name())
	}

	require.NoError(t, os.Remove(blocker))
	bundle, err := packager(dir, "1").Package(g, "in", []string{"out"}, modelConfig())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(bundle.Dir, SavedModelFile))
	assert.FileExists(t, filepath.Join(dir, TraceDir, DotFile))
}
