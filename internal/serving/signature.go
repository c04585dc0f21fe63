package serving

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
)

// Serving contract constants.
const (
	MethodPredict       = "tensorflow/serving/predict"
	SignatureKey        = "predict_images"
	DefaultSignatureKey = "serving_default"
	TagServe            = "serve"
	InputKey            = "inputs"
	InferenceCollection = "inference_op"
)

// TensorName formats a graph reference as a serving tensor name
// ("node:index").
func TensorName(ref string) string {
	name, idx := graph.ParseRef(ref)
	return fmt.Sprintf("%s:%d", name, idx)
}

// BuildSignature binds one input and the named outputs of g into the
// predict signature. The input is published under InputKey; each output
// under its own node name.
func BuildSignature(g *graph.Graph, input string, outputs []string) (Signature, error) {
	specs, err := graph.InferShapes(g)
	if err != nil {
		return Signature{}, errs.Wrap(errs.Packaging, stage, "signature", err)
	}

	info := func(ref string) (TensorInfo, error) {
		spec, ok := specs.Lookup(ref)
		if !ok {
			return TensorInfo{}, errs.Mismatch(errs.Packaging, stage, "signature", "tensor "+ref+" in graph", "missing")
		}
		return TensorInfo{Name: TensorName(ref), DType: spec.DType, Shape: spec.Shape.Clone()}, nil
	}

	in, err := info(input)
	if err != nil {
		return Signature{}, err
	}
	if n, _ := g.Node(input); n.Op != graph.OpPlaceholder {
		return Signature{}, errs.Mismatch(errs.Packaging, stage, "signature", "placeholder input", n.Op)
	}

	sig := Signature{
		Inputs:  map[string]TensorInfo{InputKey: in},
		Outputs: make(map[string]TensorInfo, len(outputs)),
		Method:  MethodPredict,
	}
	for _, out := range outputs {
		name, _ := graph.ParseRef(out)
		if _, dup := sig.Outputs[name]; dup {
			return Signature{}, errs.Newf(errs.Packaging, stage, "signature", "duplicate output %s", name)
		}
		ti, err := info(out)
		if err != nil {
			return Signature{}, err
		}
		sig.Outputs[name] = ti
	}
	if len(sig.Outputs) == 0 {
		return Signature{}, errs.Mismatch(errs.Packaging, stage, "signature", "at least one output", 0)
	}
	return sig, nil
}

// Signatures registers sig under both the predict key and the default key.
func Signatures(sig Signature) map[string]Signature {
	return map[string]Signature{
		SignatureKey:        sig,
		DefaultSignatureKey: sig,
	}
}
