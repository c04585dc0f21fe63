package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tbdy/yolov2/internal/tensor"
)

// BornReader reads tensors from a .born file.
type BornReader struct {
	file       *os.File
	header     Header
	version    uint32
	dataOffset int64 // Offset where tensor data starts
	dataSize   int64 // Size of the data section
	closed     bool
}

// ReaderOptions configures the behavior of BornReader.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// NewBornReader opens a .born file with strict validation.
func NewBornReader(path string) (*BornReader, error) {
	return NewBornReaderWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// NewBornReaderWithOptions opens a .born file with custom options.
func NewBornReaderWithOptions(path string, opts ReaderOptions) (*BornReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &BornReader{file: file}
	if err := r.parseHeader(opts); err != nil {
		_ = file.Close() // Best effort close on error
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if r.version == FormatVersion {
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		r.dataSize = info.Size() - r.dataOffset
	}

	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return r, nil
}

// parseHeader reads the magic, version and JSON header.
func (r *BornReader) parseHeader(opts ReaderOptions) error {
	preamble := make([]byte, 8)
	if _, err := io.ReadFull(r.file, preamble); err != nil {
		return fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(preamble[:4]) != MagicBytes {
		return ErrInvalidMagic
	}
	r.version = binary.LittleEndian.Uint32(preamble[4:8])

	var headerSize uint64
	var checksum [32]byte
	switch r.version {
	case FormatVersion:
		rest := make([]byte, v1PreambleSize-8)
		if _, err := io.ReadFull(r.file, rest); err != nil {
			return fmt.Errorf("failed to read v1 preamble: %w", err)
		}
		headerSize = binary.LittleEndian.Uint64(rest[4:12])
		r.dataOffset = alignedPos(v1PreambleSize + int64(headerSize)) //nolint:gosec // bounded below

	case FormatVersionV2:
		rest := make([]byte, FixedHeaderSizeV2-8)
		if _, err := io.ReadFull(r.file, rest); err != nil {
			return fmt.Errorf("failed to read fixed header: %w", err)
		}
		// rest is the fixed header shifted by 8 bytes.
		headerSize = binary.LittleEndian.Uint64(rest[8:16])
		r.dataSize = int64(binary.LittleEndian.Uint64(rest[16:24])) //nolint:gosec // validated against file size
		copy(checksum[:], rest[ChecksumOffsetV2-8:ChecksumOffsetV2-8+ChecksumSize])
		r.dataOffset = alignedPos(FixedHeaderSizeV2 + int64(headerSize)) //nolint:gosec // bounded below

	default:
		return fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, r.version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	if r.version == FormatVersionV2 && !opts.SkipChecksumValidation {
		info, err := r.file.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat file: %w", err)
		}
		if r.dataOffset+r.dataSize > info.Size() {
			return &ValidationError{Type: "out_of_bounds", Details: fmt.Sprintf("data section of %d bytes truncated", r.dataSize)}
		}
		data := make([]byte, r.dataSize)
		if _, err := r.file.ReadAt(data, r.dataOffset); err != nil {
			return fmt.Errorf("failed to read tensor data for checksum: %w", err)
		}
		if err := ValidateChecksum(ComputeChecksum(data), checksum); err != nil {
			return err
		}
	}
	return nil
}

// Version returns the file's format version.
func (r *BornReader) Version() uint32 {
	return r.version
}

// Header returns the file header.
func (r *BornReader) Header() Header {
	return r.header
}

// TensorNames returns the names of all tensors in file order.
func (r *BornReader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *BornReader) TensorInfo(name string) (*TensorMeta, error) {
	for i := range r.header.Tensors {
		if r.header.Tensors[i].Name == name {
			meta := r.header.Tensors[i]
			return &meta, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}

// LoadTensor loads a single tensor from the file.
func (r *BornReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}
	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, err := tensor.ParseDataType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	shape := tensor.Shape(meta.Shape)
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", name, err)
	}
	if want := int64(shape.NumElements() * dtype.Size()); want != meta.Size {
		return nil, fmt.Errorf("tensor %s: size %d does not match shape %v of %s", name, meta.Size, shape, dtype)
	}

	raw, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, fmt.Errorf("failed to create tensor: %w", err)
	}
	if _, err := r.file.ReadAt(raw.Data(), r.dataOffset+meta.Offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return raw, nil
}

// ReadStateDict reads all tensors into a map keyed by name.
func (r *BornReader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close closes the reader and the underlying file.
func (r *BornReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
