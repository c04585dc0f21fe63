package serving

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tbdy/yolov2/internal/tensor"
)

// The saved_model.pb wire schema follows the field numbers of the
// TensorFlow SavedModel protos for the subset this package writes:
//
//	SavedModel   { 1: schema_version int64, 2: meta_graphs MetaGraph* }
//	MetaGraph    { 1: meta_info MetaInfo, 2: graph_def GraphDef,
//	               4: collection_def map<string, NodeList>,
//	               5: signature_def map<string, SignatureDef> }
//	MetaInfo     { 1: meta_graph_version string, 4: tags string*, 5: producer string }
//	GraphDef     { 1: node NodeDef* }
//	NodeDef      { 1: name, 2: op, 3: input*, 4: device, 5: attr map<string, AttrValue> }
//	AttrValue    { 1: list { 3: i packed, 4: f packed }, 2: s, 3: i, 4: f, 5: b }
//	SignatureDef { 1: inputs map<string, TensorInfo>, 2: outputs map<string, TensorInfo>, 3: method_name }
//	TensorInfo   { 1: name, 2: dtype enum, 3: tensor_shape { 2: dim { 1: size }* } }
//
// Maps are written with sorted keys so identical models encode to
// identical bytes.

// SavedModel is the decoded form of saved_model.pb.
type SavedModel struct {
	SchemaVersion int64
	MetaGraphs    []MetaGraph
}

// MetaGraph is one tagged graph with its signatures.
type MetaGraph struct {
	Version     string
	Tags        []string
	Producer    string
	Nodes       []NodeDef
	Collections map[string][]string
	Signatures  map[string]Signature
}

// NodeDef is a serialized graph node. Attr values have the types of
// graph.Attrs.
type NodeDef struct {
	Name   string
	Op     string
	Inputs []string
	Device string
	Attrs  map[string]any
}

// Signature binds tensor names to a serving method.
type Signature struct {
	Inputs  map[string]TensorInfo
	Outputs map[string]TensorInfo
	Method  string
}

// TensorInfo describes one signature tensor.
type TensorInfo struct {
	Name  string
	DType tensor.DataType
	Shape tensor.Shape
}

// Data type enum values of the TensorFlow DataType proto.
var dtypeEnum = map[tensor.DataType]uint64{
	tensor.Float32: 1,
	tensor.Float64: 2,
	tensor.Int32:   3,
	tensor.Uint8:   4,
	tensor.Int64:   9,
	tensor.Bool:    10,
}

func dtypeFromEnum(v uint64) (tensor.DataType, error) {
	for dt, e := range dtypeEnum {
		if e == v {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype enum %d", v)
}

// Marshal encodes the saved model.
func (m *SavedModel) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.SchemaVersion)) //nolint:gosec // G115: version is small and non-negative
	for i := range m.MetaGraphs {
		mg, err := m.MetaGraphs[i].marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, 2, mg)
	}
	return b, nil
}

func (mg *MetaGraph) marshal() ([]byte, error) {
	var info []byte
	info = appendStringField(info, 1, mg.Version)
	for _, tag := range mg.Tags {
		info = appendStringField(info, 4, tag)
	}
	info = appendStringField(info, 5, mg.Producer)

	var gd []byte
	for i := range mg.Nodes {
		n, err := mg.Nodes[i].marshal()
		if err != nil {
			return nil, err
		}
		gd = appendBytesField(gd, 1, n)
	}

	var b []byte
	b = appendBytesField(b, 1, info)
	b = appendBytesField(b, 2, gd)
	for _, key := range slices.Sorted(maps.Keys(mg.Collections)) {
		var list []byte
		for _, v := range mg.Collections[key] {
			list = appendStringField(list, 1, v)
		}
		b = appendBytesField(b, 4, mapEntry(key, list))
	}
	for _, key := range slices.Sorted(maps.Keys(mg.Signatures)) {
		b = appendBytesField(b, 5, mapEntry(key, mg.Signatures[key].marshal()))
	}
	return b, nil
}

func (n *NodeDef) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, n.Name)
	b = appendStringField(b, 2, n.Op)
	for _, in := range n.Inputs {
		b = appendStringField(b, 3, in)
	}
	if n.Device != "" {
		b = appendStringField(b, 4, n.Device)
	}
	for _, key := range slices.Sorted(maps.Keys(n.Attrs)) {
		v, err := marshalAttr(n.Attrs[key])
		if err != nil {
			return nil, fmt.Errorf("node %s attr %s: %w", n.Name, key, err)
		}
		b = appendBytesField(b, 5, mapEntry(key, v))
	}
	return b, nil
}

func marshalAttr(v any) ([]byte, error) {
	var b []byte
	switch v := v.(type) {
	case string:
		b = appendStringField(b, 2, v)
	case int64:
		b = appendVarintField(b, 3, uint64(v)) //nolint:gosec // G115: two's complement round trip
	case float32:
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	case bool:
		b = appendVarintField(b, 5, protowire.EncodeBool(v))
	case []int64:
		var packed []byte
		for _, x := range v {
			packed = protowire.AppendVarint(packed, uint64(x)) //nolint:gosec // G115: two's complement round trip
		}
		b = appendBytesField(b, 1, appendBytesField(nil, 3, packed))
	case []float32:
		var packed []byte
		for _, x := range v {
			packed = protowire.AppendFixed32(packed, math.Float32bits(x))
		}
		b = appendBytesField(b, 1, appendBytesField(nil, 4, packed))
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
	return b, nil
}

func (s Signature) marshal() []byte {
	var b []byte
	for _, key := range slices.Sorted(maps.Keys(s.Inputs)) {
		b = appendBytesField(b, 1, mapEntry(key, s.Inputs[key].marshal()))
	}
	for _, key := range slices.Sorted(maps.Keys(s.Outputs)) {
		b = appendBytesField(b, 2, mapEntry(key, s.Outputs[key].marshal()))
	}
	return appendStringField(b, 3, s.Method)
}

func (t TensorInfo) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, t.Name)
	b = appendVarintField(b, 2, dtypeEnum[t.DType])
	var shape []byte
	for _, d := range t.Shape {
		shape = appendBytesField(shape, 2, appendVarintField(nil, 1, uint64(int64(d)))) //nolint:gosec // G115: -1 marks unknown
	}
	return appendBytesField(b, 3, shape)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func mapEntry(key string, value []byte) []byte {
	return appendBytesField(appendStringField(nil, 1, key), 2, value)
}

// field is one decoded wire field. Bytes holds length-delimited payloads;
// Value holds varint and fixed-width payloads.
type field struct {
	Num   protowire.Number
	Type  protowire.Type
	Bytes []byte
	Value uint64
}

// walk calls visit for every field of a message.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Value = uint64(v)
		case protowire.Fixed64Type:
			f.Value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(b []byte) (key string, value []byte, err error) {
	err = walk(b, func(f field) error {
		switch f.Num {
		case 1:
			key = string(f.Bytes)
		case 2:
			value = f.Bytes
		}
		return nil
	})
	return key, value, err
}

// UnmarshalSavedModel decodes saved_model.pb bytes.
func UnmarshalSavedModel(b []byte) (*SavedModel, error) {
	m := &SavedModel{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			m.SchemaVersion = int64(f.Value) //nolint:gosec // G115: written by Marshal
		case 2:
			mg, err := unmarshalMetaGraph(f.Bytes)
			if err != nil {
				return err
			}
			m.MetaGraphs = append(m.MetaGraphs, *mg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse saved model: %w", err)
	}
	return m, nil
}

func unmarshalMetaGraph(b []byte) (*MetaGraph, error) {
	mg := &MetaGraph{Collections: map[string][]string{}, Signatures: map[string]Signature{}}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			return walk(f.Bytes, func(f field) error {
				switch f.Num {
				case 1:
					mg.Version = string(f.Bytes)
				case 4:
					mg.Tags = append(mg.Tags, string(f.Bytes))
				case 5:
					mg.Producer = string(f.Bytes)
				}
				return nil
			})
		case 2:
			return walk(f.Bytes, func(f field) error {
				if f.Num != 1 {
					return nil
				}
				n, err := unmarshalNode(f.Bytes)
				if err != nil {
					return err
				}
				mg.Nodes = append(mg.Nodes, *n)
				return nil
			})
		case 4:
			key, value, err := readEntry(f.Bytes)
			if err != nil {
				return err
			}
			var list []string
			err = walk(value, func(f field) error {
				if f.Num == 1 {
					list = append(list, string(f.Bytes))
				}
				return nil
			})
			mg.Collections[key] = list
			return err
		case 5:
			key, value, err := readEntry(f.Bytes)
			if err != nil {
				return err
			}
			sig, err := unmarshalSignature(value)
			if err != nil {
				return fmt.Errorf("signature %s: %w", key, err)
			}
			mg.Signatures[key] = *sig
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mg, nil
}

func unmarshalNode(b []byte) (*NodeDef, error) {
	n := &NodeDef{Attrs: map[string]any{}}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			n.Name = string(f.Bytes)
		case 2:
			n.Op = string(f.Bytes)
		case 3:
			n.Inputs = append(n.Inputs, string(f.Bytes))
		case 4:
			n.Device = string(f.Bytes)
		case 5:
			key, value, err := readEntry(f.Bytes)
			if err != nil {
				return err
			}
			v, err := unmarshalAttr(value)
			if err != nil {
				return fmt.Errorf("node %s attr %s: %w", n.Name, key, err)
			}
			n.Attrs[key] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func unmarshalAttr(b []byte) (any, error) {
	var v any
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			list, err := unmarshalList(f.Bytes)
			v = list
			return err
		case 2:
			v = string(f.Bytes)
		case 3:
			v = int64(f.Value) //nolint:gosec // G115: two's complement round trip
		case 4:
			v = math.Float32frombits(uint32(f.Value)) //nolint:gosec // G115: fixed32 payload
		case 5:
			v = protowire.DecodeBool(f.Value)
		}
		return nil
	})
	if err == nil && v == nil {
		err = errors.New("empty attribute value")
	}
	return v, err
}

func unmarshalList(b []byte) (any, error) {
	var ints []int64
	var floats []float32
	err := walk(b, func(f field) error {
		packed := f.Bytes
		switch f.Num {
		case 3:
			for len(packed) > 0 {
				x, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				ints = append(ints, int64(x)) //nolint:gosec // G115: two's complement round trip
				packed = packed[n:]
			}
		case 4:
			for len(packed) > 0 {
				x, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				floats = append(floats, math.Float32frombits(x))
				packed = packed[n:]
			}
		}
		return nil
	})
	if floats != nil {
		return floats, err
	}
	return ints, err
}

func unmarshalSignature(b []byte) (*Signature, error) {
	s := &Signature{Inputs: map[string]TensorInfo{}, Outputs: map[string]TensorInfo{}}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1, 2:
			key, value, err := readEntry(f.Bytes)
			if err != nil {
				return err
			}
			info, err := unmarshalTensorInfo(value)
			if err != nil {
				return err
			}
			if f.Num == 1 {
				s.Inputs[key] = info
			} else {
				s.Outputs[key] = info
			}
		case 3:
			s.Method = string(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalTensorInfo(b []byte) (TensorInfo, error) {
	var t TensorInfo
	err := walk(b, func(f field) error {
		switch f.Num {
		case 1:
			t.Name = string(f.Bytes)
		case 2:
			dt, err := dtypeFromEnum(f.Value)
			if err != nil {
				return err
			}
			t.DType = dt
		case 3:
			t.Shape = tensor.Shape{}
			return walk(f.Bytes, func(f field) error {
				if f.Num != 2 {
					return nil
				}
				return walk(f.Bytes, func(f field) error {
					if f.Num == 1 {
						t.Shape = append(t.Shape, int(int64(f.Value))) //nolint:gosec // G115: dims fit in int
					}
					return nil
				})
			})
		}
		return nil
	})
	return t, err
}
