package export

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/serving"
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/weights"
	"github.com/tbdy/yolov2/internal/zoo"
)

// writeWeights saves random weights for the tiny model. mutate may alter
// the values before they are written.
func writeWeights(t *testing.T, mutate func(map[string]*tensor.RawTensor)) string {
	t.Helper()
	m, err := zoo.Build(zoo.TinyConfig())
	require.NoError(t, err)
	values, err := nn.InitParams(rand.New(rand.NewSource(7)), m.Params)
	require.NoError(t, err)
	if mutate != nil {
		mutate(values)
	}
	path := filepath.Join(t.TempDir(), "tiny.born")
	require.NoError(t, weights.Save(path, values, "yolov2"))
	return path
}

func options(weightFile, outputDir, version string) Options {
	return Options{
		Model:      zoo.TinyConfig(),
		Labels:     []string{"cat", "dog", "bird"},
		WeightFile: weightFile,
		OutputDir:  outputDir,
		Version:    version,
		Parallel:   parallel.Sequential(),
	}
}

func TestRunPackaged(t *testing.T) {
	out := t.TempDir()
	p := New(options(writeWeights(t, nil), out, "1"))

	bundle, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, StatePackaged, p.State())
	assert.Equal(t, filepath.Join(out, "1"), bundle.Dir)

	assert.Len(t, bundle.Signature.Inputs, 1)
	assert.Equal(t, "image_input:0", bundle.Signature.Inputs[serving.InputKey].Name)
	assert.Equal(t, tensor.Shape{-1, 64, 64, 3}, bundle.Signature.Inputs[serving.InputKey].Shape)
	require.Len(t, bundle.Signature.Outputs, 3)
	for _, name := range zoo.OutputNames() {
		assert.Contains(t, bundle.Signature.Outputs, name)
	}
	assert.Equal(t, tensor.Shape{10, 4}, bundle.Signature.Outputs[zoo.DetectionBoxes].Shape)
	assert.Equal(t, tensor.Int64, bundle.Signature.Outputs[zoo.DetectionClasses].DType)

	assert.Len(t, p.TransformReports(), 5)
	assert.Len(t, p.OptimizerReports(), 4)
	assert.Nil(t, p.Graph(), "run must release its snapshots")

	loaded, err := serving.Load(bundle.Dir)
	require.NoError(t, err)
	defer loaded.Release()
	sig, ok := loaded.Signature(serving.DefaultSignatureKey)
	require.True(t, ok)
	assert.Equal(t, bundle.Signature, sig)
	assert.Empty(t, loaded.Graph.ByOp(graph.OpVariable))

	assert.FileExists(t, filepath.Join(out, serving.TraceDir, serving.DotFile))
	yml, err := os.ReadFile(filepath.Join(bundle.Dir, serving.AssetsDir, serving.ModelConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(yml), p.RunID())
	assert.Contains(t, string(yml), "- dog")
}

func TestStepOrder(t *testing.T) {
	p := New(options(writeWeights(t, nil), t.TempDir(), "1"))
	defer p.Close()

	want := []State{StateLoaded, StateFrozen, StateQuantized, StateOptimized, StatePackaged}
	for _, s := range want {
		require.NoError(t, p.Step())
		assert.Equal(t, s, p.State())
	}
	require.ErrorIs(t, p.Step(), ErrIllegalTransition)
	assert.Equal(t, StatePackaged, p.State())
}

func TestIllegalTransitions(t *testing.T) {
	p := New(options(writeWeights(t, nil), t.TempDir(), "1"))
	defer p.Close()

	assert.ErrorIs(t, p.Freeze(), ErrIllegalTransition, "skipping Load")
	assert.ErrorIs(t, p.Package(), ErrIllegalTransition, "skipping to Package")
	assert.Equal(t, StateNew, p.State())

	require.NoError(t, p.Load())
	assert.ErrorIs(t, p.Load(), ErrIllegalTransition, "re-entering Loaded")
	assert.ErrorIs(t, p.Quantize(), ErrIllegalTransition, "skipping Freeze")
	assert.Equal(t, StateLoaded, p.State())
}

func TestMissingWeightFile(t *testing.T) {
	out := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing file", filepath.Join(out, "nope.born")},
		{"directory", out},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(options(tt.path, out, "1"))
			_, err := p.Run()
			require.ErrorIs(t, err, errs.ErrConfig)
			assert.Equal(t, StateFailed, p.State())
			assert.Nil(t, p.Model(), "no graph work before config validation")
			assert.NoDirExists(t, filepath.Join(out, "1"))
			assert.ErrorIs(t, p.Freeze(), ErrIllegalTransition)
		})
	}
}

func TestWeightMismatch(t *testing.T) {
	out := t.TempDir()
	path := writeWeights(t, func(values map[string]*tensor.RawTensor) {
		bad, err := tensor.NewRaw(tensor.Shape{1, 1, 1, 1}, tensor.Float32)
		require.NoError(t, err)
		values["Prediction.kernel"].Release()
		values["Prediction.kernel"] = bad
	})

	p := New(options(path, out, "1"))
	_, err := p.Run()
	require.ErrorIs(t, err, errs.ErrWeightLoad)
	assert.Contains(t, err.Error(), "Prediction.kernel")
	assert.Contains(t, err.Error(), "got (1, 1, 1, 1)")
	assert.Equal(t, StateFailed, p.State())
	assert.NoDirExists(t, filepath.Join(out, "1"))
}

func TestInvalidVersion(t *testing.T) {
	p := New(options(writeWeights(t, nil), t.TempDir(), "../x"))
	_, err := p.Run()
	require.ErrorIs(t, err, errs.ErrConfig)
	assert.Nil(t, p.Model())
}

func TestStageSequenceEnforced(t *testing.T) {
	weightsPath := writeWeights(t, nil)
	tests := []struct {
		name       string
		transforms []string
		optimizers []string
		want       string
	}{
		{
			name:       "single transform",
			transforms: []string{"fold_old_batch_norms"},
			want:       "got fold_old_batch_norms",
		},
		{
			name:       "reordered transforms",
			transforms: []string{"fold_batch_norms", "quantize_weights", "add_default_attributes"},
			want:       "got fold_batch_norms, quantize_weights, add_default_attributes",
		},
		{
			name: "folding before quantization",
			transforms: []string{"add_default_attributes", "fold_batch_norms", "fold_old_batch_norms",
				"quantize_weights", "round_weights"},
			want: "expected add_default_attributes, quantize_weights, round_weights",
		},
		{
			name:       "layout dropped",
			optimizers: []string{"pruning", "constfold", "infer_shapes"},
			want:       "got pruning, constfold, infer_shapes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			opts := options(weightsPath, out, "1")
			opts.Transforms = tt.transforms
			opts.Optimizers = tt.optimizers
			p := New(opts)
			_, err := p.Run()
			require.ErrorIs(t, err, errs.ErrTransform)
			assert.ErrorContains(t, err, tt.want)
			assert.Equal(t, StateFailed, p.State())
			assert.Nil(t, p.Model(), "sequence is checked before any graph work")
			assert.NoDirExists(t, filepath.Join(out, "1"))
		})
	}

	opts := options(weightsPath, t.TempDir(), "1")
	opts.Transforms = []string{"add_default_attributes", "quantize_weights(minimum_size=2048)",
		"round_weights", "fold_batch_norms", "fold_old_batch_norms"}
	p := New(opts)
	_, err := p.Run()
	require.NoError(t, err, "parameters may differ from the defaults")
	assert.Equal(t, StatePackaged, p.State())
}

func TestLoadLogsModelSummary(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	opts := options(writeWeights(t, nil), t.TempDir(), "1")
	opts.Logger = zap.New(core)
	p := New(opts)
	defer p.Close()
	require.NoError(t, p.Load())

	entries := logs.FilterMessage("model summary").All()
	require.Len(t, entries, 1)
	summary := entries[0].ContextMap()["summary"].(string)
	assert.Contains(t, summary, "Param #")
	assert.Contains(t, summary, "Prediction")
	assert.Contains(t, summary, "image_input")
	assert.Equal(t, p.RunID(), entries[0].ContextMap()["run_id"])
}

func TestExistingVersionFails(t *testing.T) {
	out := t.TempDir()
	weightsPath := writeWeights(t, nil)

	_, err := New(options(weightsPath, out, "1")).Run()
	require.NoError(t, err)
	_, err = New(options(weightsPath, out, "1")).Run()
	require.ErrorIs(t, err, errs.ErrPackaging)
}

func TestRepeatedRunsIdenticalSignatures(t *testing.T) {
	out := t.TempDir()
	weightsPath := writeWeights(t, nil)

	var sigs []serving.Signature
	var ids []string
	for _, v := range []string{"1", "2"} {
		p := New(options(weightsPath, out, v))
		bundle, err := p.Run()
		require.NoError(t, err)
		sigs = append(sigs, bundle.Signature)
		ids = append(ids, p.RunID())

		loaded, err := serving.Load(bundle.Dir)
		require.NoError(t, err)
		predict, ok := loaded.Signature(serving.SignatureKey)
		require.True(t, ok)
		assert.Equal(t, bundle.Signature, predict)
		loaded.Release()
	}
	assert.Equal(t, sigs[0], sigs[1])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Quantized", StateQuantized.String())
	assert.Equal(t, "State(42)", State(42).String())
}
