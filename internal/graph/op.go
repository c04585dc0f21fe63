package graph

import "fmt"

// Op is the closed set of operations the export graph can contain.
type Op int

// Supported operations.
const (
	OpPlaceholder Op = iota + 1
	OpVariable
	OpConst
	OpIdentity
	OpConv2D
	OpBiasAdd
	OpFusedBatchNorm
	OpBatchNormGlobal
	OpMul
	OpAdd
	OpLeakyRelu
	OpMaxPool
	OpSpaceToDepth
	OpConcat
	OpTranspose
	OpDequantize
	OpYoloDecode
)

var opNames = map[Op]string{
	OpPlaceholder:     "Placeholder",
	OpVariable:        "VariableV2",
	OpConst:           "Const",
	OpIdentity:        "Identity",
	OpConv2D:          "Conv2D",
	OpBiasAdd:         "BiasAdd",
	OpFusedBatchNorm:  "FusedBatchNorm",
	OpBatchNormGlobal: "BatchNormWithGlobalNormalization",
	OpMul:             "Mul",
	OpAdd:             "Add",
	OpLeakyRelu:       "LeakyRelu",
	OpMaxPool:         "MaxPool",
	OpSpaceToDepth:    "SpaceToDepth",
	OpConcat:          "ConcatV2",
	OpTranspose:       "Transpose",
	OpDequantize:      "Dequantize",
	OpYoloDecode:      "YoloDecode",
}

// String returns the wire name of the operation.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// NumOutputs returns how many tensors the operation produces.
func (o Op) NumOutputs() int {
	if o == OpYoloDecode {
		return 3
	}
	return 1
}

// IsParameter reports whether the op holds trainable state.
func (o Op) IsParameter() bool {
	return o == OpVariable
}
