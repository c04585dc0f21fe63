package graph

// defaultAttrs are the values an op assumes for attributes a node omits.
var defaultAttrs = map[Op]Attrs{
	OpPlaceholder:     {"dtype": "float32"},
	OpVariable:        {"dtype": "float32"},
	OpConv2D:          {"strides": []int64{1, 1}, "padding": "SAME", "data_format": NHWC},
	OpBiasAdd:         {"data_format": NHWC},
	OpFusedBatchNorm:  {"epsilon": float32(1e-4), "is_training": true, "data_format": NHWC},
	OpBatchNormGlobal: {"variance_epsilon": float32(1e-3), "scale_after_normalization": true},
	OpLeakyRelu:       {"alpha": float32(0.2)},
	OpMaxPool:         {"padding": "VALID", "data_format": NHWC},
	OpSpaceToDepth:    {"data_format": NHWC},
	OpConcat:          {"axis": int64(-1)},
	OpYoloDecode:      {"max_boxes": int64(100), "data_format": NHWC},
}

// Defaults returns a copy of the default attributes of op.
func Defaults(op Op) Attrs {
	return defaultAttrs[op].Clone()
}

// Consumers returns the nodes that read any output of name, in insertion
// order.
func (b *Builder) Consumers(name string) []*Node {
	var out []*Node
	for _, id := range b.order {
		n := b.nodes[id]
		for _, in := range n.Inputs {
			if src, _ := ParseRef(in); src == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
