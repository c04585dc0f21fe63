package nn

import (
	"math"
	"math/rand"
	"strings"

	"github.com/tbdy/yolov2/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// For HWIO conv kernels fan_in = kh*kw*in and fan_out = kh*kw*out.
func Xavier(rng *rand.Rand, fanIn, fanOut int, shape tensor.Shape) (*tensor.RawTensor, error) {
	// Xavier/Glorot bound: sqrt(6 / (fan_in + fan_out))
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	t, err := tensor.NewRaw(shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	data := t.AsFloat32()
	for i := range data {
		// Random value in [-bound, bound]
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}

// InitParams creates values for the given parameters the way a freshly
// constructed network would: Xavier kernels, unit gamma and variance,
// zero beta, mean and bias.
func InitParams(rng *rand.Rand, params []Param) (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		var (
			t   *tensor.RawTensor
			err error
		)
		switch {
		case strings.HasSuffix(p.Name, ".kernel") && len(p.Shape) == 4:
			receptive := p.Shape[0] * p.Shape[1]
			t, err = Xavier(rng, receptive*p.Shape[2], receptive*p.Shape[3], p.Shape)
		case strings.HasSuffix(p.Name, ".gamma"), strings.HasSuffix(p.Name, ".moving_variance"):
			t, err = tensor.NewRaw(p.Shape, tensor.Float32)
			if err == nil {
				for i := range t.AsFloat32() {
					t.AsFloat32()[i] = 1
				}
			}
		default:
			t, err = tensor.NewRaw(p.Shape, tensor.Float32)
		}
		if err != nil {
			return nil, err
		}
		out[p.Name] = t
	}
	return out, nil
}
