package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/config"
	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/serving"
	"github.com/tbdy/yolov2/internal/weights"
	"github.com/tbdy/yolov2/internal/zoo"
)

const smallModel = `
max_boxes: 10
log_mode: production
model:
  image_size: 64
  width_divisor: 32
  labels: [cat, dog, bird]
  anchors:
    - {w: 1, h: 1}
    - {w: 2, h: 3}
`

func TestRunWritesBundle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "export.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(smallModel), 0o600))

	cfg, err := config.Load([]string{"--config", cfgPath})
	require.NoError(t, err)
	m, err := zoo.Build(cfg.ModelSpec())
	require.NoError(t, err)
	values, err := nn.InitParams(rand.New(rand.NewSource(3)), m.Params)
	require.NoError(t, err)
	weightFile := filepath.Join(dir, "weights.born")
	require.NoError(t, weights.Save(weightFile, values, "yolov2"))

	out := filepath.Join(dir, "out")
	require.NoError(t, run([]string{"--config", cfgPath, "--weight_file", weightFile, "--output_dir", out, "--version", "2"}))

	loaded, err := serving.Load(filepath.Join(out, "2"))
	require.NoError(t, err)
	defer loaded.Release()
	sig, ok := loaded.Signature(serving.SignatureKey)
	require.True(t, ok)
	assert.Len(t, sig.Inputs, 1)
	assert.Len(t, sig.Outputs, 3)
	assert.FileExists(t, filepath.Join(out, serving.TraceDir, serving.DotFile))
}

func TestRunMissingWeightFile(t *testing.T) {
	out := t.TempDir()
	err := run([]string{"--log_mode", "production", "--output_dir", out, "--weight_file", filepath.Join(out, "none.born")})
	require.ErrorIs(t, err, errs.ErrConfig)
	assert.NoDirExists(t, filepath.Join(out, "1"))
}
