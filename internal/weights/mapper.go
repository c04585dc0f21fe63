package weights

import (
	"fmt"
	"strings"

	"github.com/tbdy/yolov2/internal/tensor"
)

// Naming conventions recognized by DetectConvention.
const (
	ConventionNative = "native"
	ConventionKeras  = "keras"
)

// NameMapper maps tensor names of a foreign checkpoint to graph parameter
// names ("Layer.kernel", "Layer.bn.gamma").
type NameMapper interface {
	MapName(name string) (string, error)
	Convention() string
}

// KerasMapper maps Keras / TensorFlow variable names:
//   - DetectConv2d_1/kernel:0 -> DetectConv2d_1.kernel
//   - Prediction/bias:0 -> Prediction.bias
//   - model_weights/Conv2d_0/Conv2d_0/kernel:0 -> Conv2d_0.kernel
//   - Conv2d_0_bn/gamma:0 -> Conv2d_0.bn.gamma
//   - Conv2d_0/BatchNorm/moving_mean:0 -> Conv2d_0.bn.moving_mean
type KerasMapper struct{}

// Convention returns "keras".
func (KerasMapper) Convention() string { return ConventionKeras }

// MapName converts one Keras variable name.
func (KerasMapper) MapName(name string) (string, error) {
	base := name
	if i := strings.LastIndexByte(base, ':'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("keras name %q has no layer scope", name)
	}
	param, scope := parts[len(parts)-1], parts[:len(parts)-1]

	bn := false
	for len(scope) > 0 && isNormScope(scope[len(scope)-1]) {
		bn = true
		scope = scope[:len(scope)-1]
	}
	if len(scope) == 0 {
		return "", fmt.Errorf("keras name %q has no layer scope", name)
	}
	layer := scope[len(scope)-1]
	if trimmed, ok := strings.CutSuffix(layer, "_bn"); ok {
		bn = true
		layer = trimmed
	}
	if layer == "" || param == "" {
		return "", fmt.Errorf("malformed keras name %q", name)
	}
	if bn {
		return layer + ".bn." + param, nil
	}
	return layer + "." + param, nil
}

func isNormScope(s string) bool {
	switch s {
	case "BatchNorm", "bn", "batch_normalization":
		return true
	}
	return false
}

// DetectConvention guesses the naming convention of a checkpoint: names
// with "/" scopes or ":N" output suffixes are Keras style.
func DetectConvention(names []string) string {
	for _, name := range names {
		if strings.Contains(name, "/") || strings.HasSuffix(name, ":0") {
			return ConventionKeras
		}
	}
	return ConventionNative
}

// Rename applies m to every key of values. Two names mapping to the same
// parameter is an error; values is left untouched on failure.
func Rename(values map[string]*tensor.RawTensor, m NameMapper) (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(values))
	from := make(map[string]string, len(values))
	for name, v := range values {
		mapped, err := m.MapName(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := from[mapped]; dup {
			return nil, fmt.Errorf("%s and %s both map to %s", prev, name, mapped)
		}
		from[mapped] = name
		out[mapped] = v
	}
	return out, nil
}
