package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/tbdy/yolov2/internal/tensor"
)

// Producer is recorded in every header this package writes.
const Producer = "yolov2-export"

// Write encodes tensors as a .born v2 stream. Tensor names are validated
// and written in sorted order. Tensors and Metadata of header are filled
// in; the remaining header fields are taken as given.
func Write(w io.Writer, tensors map[string]*tensor.RawTensor, header Header) error {
	names := slices.Sorted(maps.Keys(tensors))

	header.FormatVersion = FormatVersionV2
	if header.Producer == "" {
		header.Producer = Producer
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}
	header.Tensors = make([]TensorMeta, 0, len(names))

	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		raw := tensors[name]
		size := int64(raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  raw.DType().String(),
			Shape:  []int(raw.Shape().Clone()),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	data := make([]byte, 0, offset)
	for _, name := range names {
		data = append(data, tensors[name].Data()...)
	}
	checksum := ComputeChecksum(data)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	fixed := make([]byte, FixedHeaderSizeV2)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersionV2)
	var flags uint32
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])

	pos := int64(FixedHeaderSizeV2 + len(headerJSON))
	padding := make([]byte, alignedPos(pos)-pos)

	for _, chunk := range [][]byte{fixed, headerJSON, padding, data} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write .born stream: %w", err)
		}
	}
	return nil
}

// WriteFile writes tensors to path as .born v2, replacing any existing file.
func WriteFile(path string, tensors map[string]*tensor.RawTensor, header Header) (err error) {
	//nolint:gosec // G304: output path is chosen by the operator
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := Write(bw, tensors, header); err != nil {
		return err
	}
	return bw.Flush()
}
