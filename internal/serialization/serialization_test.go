package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/internal/tensor"
)

func sampleTensors(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	kernel, err := tensor.FromFloat32(tensor.Shape{1, 1, 2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	codes, err := tensor.FromUint8(tensor.Shape{4}, []uint8{0, 7, 128, 255})
	require.NoError(t, err)
	return map[string]*tensor.RawTensor{
		"Conv2d_0.kernel":           kernel,
		"Conv2d_0.kernel.quantized": codes,
		"Conv2d_0.kernel.min":       tensor.Scalar(-1),
	}
}

func TestBornRoundTripV2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.born")
	in := sampleTensors(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, WriteFile(path, in, Header{ModelType: "yolov2", CreatedAt: created, Metadata: map[string]string{"version": "1"}}))

	r, err := NewBornReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(FormatVersionV2), r.Version())
	h := r.Header()
	assert.Equal(t, "yolov2", h.ModelType)
	assert.Equal(t, Producer, h.Producer)
	assert.True(t, created.Equal(h.CreatedAt))
	assert.Equal(t, "1", h.Metadata["version"])
	assert.Equal(t, []string{"Conv2d_0.kernel", "Conv2d_0.kernel.min", "Conv2d_0.kernel.quantized"}, r.TensorNames())

	out, err := r.ReadStateDict()
	require.NoError(t, err)
	require.Len(t, out, 3)
	for name, want := range in {
		assert.True(t, want.Equal(out[name]), name)
	}

	_, err = r.LoadTensor("missing")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestBornWriteIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	h := Header{ModelType: "yolov2", CreatedAt: time.Unix(0, 0).UTC()}
	require.NoError(t, Write(&a, sampleTensors(t), h))
	require.NoError(t, Write(&b, sampleTensors(t), h))
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.Zero(t, (a.Len()-len(dataSection(t, a.Bytes())))%HeaderAlignment)
}

func dataSection(t *testing.T, file []byte) []byte {
	t.Helper()
	size := binary.LittleEndian.Uint64(file[24:32])
	return file[len(file)-int(size):]
}

func TestBornDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleTensors(t), Header{}))
	data := buf.Bytes()
	data[len(data)-1] ^= 0xFF

	path := filepath.Join(t.TempDir(), "corrupt.born")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := NewBornReader(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	r, err := NewBornReaderWithOptions(path, ReaderOptions{SkipChecksumValidation: true})
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

func TestBornRejectsBadMagicAndVersion(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.born")
	require.NoError(t, os.WriteFile(bad, []byte("NOPE\x01\x00\x00\x00"), 0o600))
	_, err := NewBornReader(bad)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	v9 := filepath.Join(dir, "v9.born")
	require.NoError(t, os.WriteFile(v9, []byte("BORN\x09\x00\x00\x00"), 0o600))
	_, err = NewBornReader(v9)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

// writeV1 produces a version 1 file: short preamble, no checksum.
func writeV1(t *testing.T, path string, name string, raw *tensor.RawTensor) {
	t.Helper()
	h := Header{FormatVersion: FormatVersion, Tensors: []TensorMeta{{
		Name: name, DType: raw.DType().String(), Shape: raw.Shape(), Size: int64(raw.ByteSize()),
	}}}
	headerJSON, err := json.Marshal(h)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(FormatVersion)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))))
	buf.Write(headerJSON)
	pos := int64(buf.Len())
	buf.Write(make([]byte, alignedPos(pos)-pos))
	buf.Write(raw.Data())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestBornReadsV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.born")
	want, _ := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	writeV1(t, path, "Prediction.bias", want)

	r, err := NewBornReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint32(FormatVersion), r.Version())

	got, err := r.LoadTensor("Prediction.bias")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestWriteRejectsUnsafeNames(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, map[string]*tensor.RawTensor{"../escape": tensor.Scalar(1)}, Header{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_name", ve.Type)
}

func TestValidateTensorName(t *testing.T) {
	assert.NoError(t, ValidateTensorName("DetectConv2d_1.bn.gamma"))
	for _, name := range []string{"", "a/b", `a\b`, "a..b", "a\x00b"} {
		assert.Error(t, ValidateTensorName(name), "%q", name)
	}
}

func TestValidateTensorOffsets(t *testing.T) {
	ok := []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 8}}
	assert.NoError(t, ValidateTensorOffsets(ok, 16))

	var ve *ValidationError
	overlap := []TensorMeta{{Name: "a", Offset: 0, Size: 10}, {Name: "b", Offset: 8, Size: 8}}
	require.ErrorAs(t, ValidateTensorOffsets(overlap, 32), &ve)
	assert.Equal(t, "offset_overlap", ve.Type)

	require.ErrorAs(t, ValidateTensorOffsets(ok, 12), &ve)
	assert.Equal(t, "out_of_bounds", ve.Type)

	require.ErrorAs(t, ValidateTensorOffsets([]TensorMeta{{Name: "n", Offset: -1, Size: 1}}, 12), &ve)
	assert.Equal(t, "negative_offset", ve.Type)
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := sampleTensors(t)
	require.NoError(t, WriteSafeTensors(path, in, map[string]string{"format": "pt"}))

	r, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "pt", r.Metadata()["format"])
	assert.Equal(t, []string{"Conv2d_0.kernel", "Conv2d_0.kernel.min", "Conv2d_0.kernel.quantized"}, r.TensorNames())
	out, err := r.ReadStateDict()
	require.NoError(t, err)
	for name, want := range in {
		assert.True(t, want.Equal(out[name]), name)
	}
}

func TestSafeTensorsRejectsTruncatedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, WriteSafeTensors(path, sampleTensors(t), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o600))

	_, err = NewSafeTensorsReader(path)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "out_of_bounds", ve.Type)
}
