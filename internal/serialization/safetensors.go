package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/tbdy/yolov2/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

const safeTensorsMetadataKey = "__metadata__"

// SafeTensorInfo describes a tensor in a SafeTensors header.
type SafeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end)
}

var safeTensorsDTypes = map[string]tensor.DataType{
	"F32":  tensor.Float32,
	"F64":  tensor.Float64,
	"I32":  tensor.Int32,
	"I64":  tensor.Int64,
	"U8":   tensor.Uint8,
	"BOOL": tensor.Bool,
}

func safeTensorsDType(dt tensor.DataType) string {
	for name, d := range safeTensorsDTypes {
		if d == dt {
			return name
		}
	}
	return "F32"
}

// SafeTensorsReader reads SafeTensors files.
type SafeTensorsReader struct {
	file       *os.File
	metadata   map[string]string
	tensors    map[string]SafeTensorInfo
	dataOffset int64
	dataSize   int64
}

// NewSafeTensorsReader opens a SafeTensors file and validates its header.
func NewSafeTensorsReader(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	r, err := newSafeTensorsReader(file)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, err
	}
	return r, nil
}

func newSafeTensorsReader(file *os.File) (*SafeTensorsReader, error) {
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Tensor entries and __metadata__ share one JSON object.
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	r := &SafeTensorsReader{
		file:       file,
		tensors:    make(map[string]SafeTensorInfo, len(rawMap)),
		dataOffset: int64(8 + headerSize), //nolint:gosec // bounded by MaxHeaderSize
	}
	metas := make([]TensorMeta, 0, len(rawMap))
	for key, value := range rawMap {
		if key == safeTensorsMetadataKey {
			if err := json.Unmarshal(value, &r.metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		r.tensors[key] = info
		metas = append(metas, TensorMeta{
			Name:   key,
			Offset: info.DataOffsets[0],
			Size:   info.DataOffsets[1] - info.DataOffsets[0],
		})
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	r.dataSize = stat.Size() - r.dataOffset
	if err := ValidateTensorOffsets(metas, r.dataSize); err != nil {
		return nil, err
	}
	return r, nil
}

// Metadata returns the __metadata__ map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.metadata
}

// TensorNames returns all tensor names, sorted.
func (r *SafeTensorsReader) TensorNames() []string {
	return slices.Sorted(maps.Keys(r.tensors))
}

// LoadTensor loads a tensor. F16 and BF16 are not supported.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	dtype, ok := safeTensorsDTypes[info.DType]
	if !ok {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	shape := tensor.ShapeOf(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}
	size := info.DataOffsets[1] - info.DataOffsets[0]
	if want := int64(shape.NumElements() * dtype.Size()); want != size {
		return nil, fmt.Errorf("tensor %s: %d bytes do not match shape %v of %s", name, size, shape, dtype)
	}

	raw, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, fmt.Errorf("failed to create tensor: %w", err)
	}
	if _, err := r.file.ReadAt(raw.Data(), r.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return raw, nil
}

// ReadStateDict reads all tensors into a map keyed by name.
func (r *SafeTensorsReader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(r.tensors))
	for _, name := range r.TensorNames() {
		raw, err := r.LoadTensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, nil
}

// Close closes the SafeTensors file.
func (r *SafeTensorsReader) Close() error {
	return r.file.Close()
}

// WriteSafeTensors writes tensors to a SafeTensors file in alphabetical
// order by name.
func WriteSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) (err error) {
	names := slices.Sorted(maps.Keys(tensors))

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[safeTensorsMetadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		raw := tensors[name]
		size := int64(raw.ByteSize())
		header[name] = SafeTensorInfo{
			DType:       safeTensorsDType(raw.DType()),
			Shape:       raw.Shape().Int64s(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	//nolint:gosec // G304: output path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := f.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}
