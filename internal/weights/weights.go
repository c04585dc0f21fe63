// Package weights reads trained parameter files and matches them against
// the parameters a rebuilt graph declares.
package weights

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/serialization"
	"github.com/tbdy/yolov2/internal/tensor"
)

const stage = "load"

// Format identifies a weight file container.
type Format int

// Supported containers.
const (
	FormatBorn Format = iota + 1
	FormatSafeTensors
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatBorn:
		return "born"
	case FormatSafeTensors:
		return "safetensors"
	default:
		return "unknown"
	}
}

// Sniff detects the container by its leading bytes. Files starting with
// "BORN" are .born; anything else is tried as SafeTensors, whose first
// 8 bytes are a little-endian header length.
func Sniff(path string) (Format, error) {
	//nolint:gosec // G304: weight path comes from the operator
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return 0, fmt.Errorf("file too short: %w", err)
	}
	if bytes.Equal(magic, []byte(serialization.MagicBytes)) {
		return FormatBorn, nil
	}
	return FormatSafeTensors, nil
}

// Set is the result of loading a weight file against a parameter manifest.
type Set struct {
	Format Format
	Values map[string]*tensor.RawTensor
	// Unused lists tensors present in the file that no parameter consumes.
	Unused []string
}

// Release frees every loaded tensor.
func (s *Set) Release() {
	for _, v := range s.Values {
		v.Release()
	}
}

// Read loads every tensor of a weight file.
func Read(path string) (map[string]*tensor.RawTensor, Format, error) {
	format, err := Sniff(path)
	if err != nil {
		return nil, 0, errs.Wrap(errs.WeightLoad, stage, path, err)
	}

	var values map[string]*tensor.RawTensor
	switch format {
	case FormatBorn:
		r, err := serialization.NewBornReader(path)
		if err != nil {
			return nil, format, errs.Wrap(errs.WeightLoad, stage, path, err)
		}
		defer r.Close()
		values, err = r.ReadStateDict()
		if err != nil {
			return nil, format, errs.Wrap(errs.WeightLoad, stage, path, err)
		}
	default:
		r, err := serialization.NewSafeTensorsReader(path)
		if err != nil {
			return nil, format, errs.Wrap(errs.WeightLoad, stage, path, fmt.Errorf("not a .born or SafeTensors file: %w", err))
		}
		defer r.Close()
		values, err = r.ReadStateDict()
		if err != nil {
			return nil, format, errs.Wrap(errs.WeightLoad, stage, path, err)
		}
	}
	return values, format, nil
}

// Load reads path and checks that it provides every parameter with the
// declared shape and dtype float32. Missing or mismatched parameters are
// WeightLoadErrors naming the parameter with expected and actual shapes.
func Load(path string, params []nn.Param) (*Set, error) {
	values, format, err := Read(path)
	if err != nil {
		return nil, err
	}
	if names := mapKeys(values); DetectConvention(names) == ConventionKeras {
		renamed, err := Rename(values, KerasMapper{})
		if err != nil {
			for _, v := range values {
				v.Release()
			}
			return nil, errs.Wrap(errs.WeightLoad, stage, path, err)
		}
		values = renamed
	}

	set := &Set{Format: format, Values: make(map[string]*tensor.RawTensor, len(params))}
	fail := func(err error) (*Set, error) {
		for _, v := range values {
			v.Release()
		}
		return nil, err
	}

	for _, p := range params {
		v, ok := values[p.Name]
		if !ok {
			return fail(errs.Mismatch(errs.WeightLoad, stage, p.Name, p.Shape, "missing"))
		}
		if v.DType() != tensor.Float32 {
			return fail(errs.Mismatch(errs.WeightLoad, stage, p.Name, tensor.Float32, v.DType()))
		}
		if !v.Shape().Equal(p.Shape) {
			return fail(errs.Mismatch(errs.WeightLoad, stage, p.Name, p.Shape, v.Shape()))
		}
		set.Values[p.Name] = v
	}

	for name, v := range values {
		if _, used := set.Values[name]; !used {
			set.Unused = append(set.Unused, name)
			v.Release()
		}
	}
	sort.Strings(set.Unused)
	return set, nil
}

// Save writes values as a .born v2 file, the format Load prefers.
func Save(path string, values map[string]*tensor.RawTensor, modelType string) error {
	return serialization.WriteFile(path, values, serialization.Header{ModelType: modelType})
}

func mapKeys(values map[string]*tensor.RawTensor) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
