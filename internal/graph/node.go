package graph

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/tbdy/yolov2/internal/tensor"
)

// Data formats understood by spatial ops.
const (
	NHWC = "NHWC"
	NCHW = "NCHW"
)

// Node is a single operation in the graph.
//
// Inputs reference producer outputs as "name" (output 0) or "name:k".
type Node struct {
	Name   string
	Op     Op
	Inputs []string
	Attrs  Attrs
	Value  *tensor.RawTensor // Const payload, nil otherwise
	Device string
}

// Clone returns a deep copy. The Value buffer is shared copy-on-write.
func (n *Node) Clone() *Node {
	c := &Node{
		Name:   n.Name,
		Op:     n.Op,
		Inputs: slices.Clone(n.Inputs),
		Attrs:  n.Attrs.Clone(),
		Device: n.Device,
	}
	if n.Value != nil {
		c.Value = n.Value.Clone()
	}
	return c
}

// DataFormat returns the node's data_format attribute, defaulting to NHWC.
func (n *Node) DataFormat() string {
	return n.Attrs.String("data_format", NHWC)
}

// Ref formats a reference to output idx of node.
func Ref(node string, idx int) string {
	if idx == 0 {
		return node
	}
	return node + ":" + strconv.Itoa(idx)
}

// ParseRef splits a reference into node name and output index.
func ParseRef(ref string) (string, int) {
	i := strings.LastIndexByte(ref, ':')
	if i < 0 {
		return ref, 0
	}
	idx, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return ref, 0
	}
	return ref[:i], idx
}

// Attrs holds node attributes. Values are int64, float32, string, bool,
// []int64 or []float32.
type Attrs map[string]any

// Clone deep-copies the attribute map.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return Attrs{}
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		switch v := v.(type) {
		case []int64:
			out[k] = slices.Clone(v)
		case []float32:
			out[k] = slices.Clone(v)
		default:
			out[k] = v
		}
	}
	return out
}

// Keys returns attribute names in sorted order.
func (a Attrs) Keys() []string {
	return slices.Sorted(maps.Keys(a))
}

// Has reports whether the attribute is set.
func (a Attrs) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Int returns an integer attribute or defaultVal.
func (a Attrs) Int(name string, defaultVal int64) int64 {
	if v, ok := a[name].(int64); ok {
		return v
	}
	return defaultVal
}

// Float returns a float attribute or defaultVal.
func (a Attrs) Float(name string, defaultVal float32) float32 {
	if v, ok := a[name].(float32); ok {
		return v
	}
	return defaultVal
}

// String returns a string attribute or defaultVal.
func (a Attrs) String(name, defaultVal string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return defaultVal
}

// Bool returns a bool attribute or defaultVal.
func (a Attrs) Bool(name string, defaultVal bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return defaultVal
}

// Ints returns an integer list attribute.
func (a Attrs) Ints(name string) []int64 {
	v, _ := a[name].([]int64) //nolint:errcheck // missing attribute yields nil
	return v
}

// Floats returns a float list attribute.
func (a Attrs) Floats(name string) []float32 {
	v, _ := a[name].([]float32) //nolint:errcheck // missing attribute yields nil
	return v
}

// FormatAttr renders an attribute value for traces and logs.
func FormatAttr(v any) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case []float32:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}
