package weights

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/serialization"
	"github.com/tbdy/yolov2/internal/tensor"
)

func TestKerasMapper(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DetectConv2d_1/kernel:0", "DetectConv2d_1.kernel"},
		{"Prediction/bias:0", "Prediction.bias"},
		{"model_weights/Conv2d_0/Conv2d_0/kernel:0", "Conv2d_0.kernel"},
		{"Conv2d_0_bn/gamma:0", "Conv2d_0.bn.gamma"},
		{"FineGrained_0/BatchNorm/moving_mean:0", "FineGrained_0.bn.moving_mean"},
		{"FineGrained_0/bn/moving_variance", "FineGrained_0.bn.moving_variance"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := KerasMapper{}.MapName(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"kernel:0", "BatchNorm/gamma:0", "/kernel"} {
		_, err := KerasMapper{}.MapName(bad)
		assert.Error(t, err, bad)
	}
}

func TestDetectConvention(t *testing.T) {
	assert.Equal(t, ConventionNative, DetectConvention([]string{"Conv2d_0.kernel", "Conv2d_0.bn.gamma"}))
	assert.Equal(t, ConventionKeras, DetectConvention([]string{"Conv2d_0.kernel", "Conv2d_0/bias:0"}))
}

func TestRenameCollision(t *testing.T) {
	values := map[string]*tensor.RawTensor{
		"Conv2d_0/kernel:0":         tensor.Scalar(1),
		"scope/Conv2d_0/kernel:0":   tensor.Scalar(2),
		"Conv2d_0_bn/moving_mean:0": tensor.Scalar(3),
	}
	_, err := Rename(values, KerasMapper{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both map to Conv2d_0.kernel")
}

func TestLoadKerasNames(t *testing.T) {
	params := convParams()
	native := initValues(t, params)
	keras := map[string]*tensor.RawTensor{
		"Conv2d_0/kernel:0":             native["Conv2d_0.kernel"],
		"Conv2d_0_bn/gamma:0":           native["Conv2d_0.bn.gamma"],
		"Conv2d_0_bn/beta:0":            native["Conv2d_0.bn.beta"],
		"Conv2d_0_bn/moving_mean:0":     native["Conv2d_0.bn.moving_mean"],
		"Conv2d_0_bn/moving_variance:0": native["Conv2d_0.bn.moving_variance"],
	}
	path := filepath.Join(t.TempDir(), "keras.safetensors")
	require.NoError(t, serialization.WriteSafeTensors(path, keras, nil))

	set, err := Load(path, params)
	require.NoError(t, err)
	defer set.Release()
	assert.Empty(t, set.Unused)
	assert.True(t, native["Conv2d_0.bn.gamma"].Equal(set.Values["Conv2d_0.bn.gamma"]))
}
