// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types used by the export API.
//
// Tensors are dense, row-major buffers. Graph snapshots share constant
// buffers copy-on-write: Clone adds a reference, Copy makes an independent
// buffer and Release drops a reference.
//
// Example:
//
//	x, err := tensor.FromFloat32(tensor.Shape{1, 4, 4, 2}, data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer x.Release()
//	fmt.Println(x.Shape()) // (1, 4, 4, 2)
package tensor

import "github.com/tbdy/yolov2/internal/tensor"

// Shape is a tensor shape. -1 marks a dimension fixed only at run time.
type Shape = tensor.Shape

// DataType is an element type.
type DataType = tensor.DataType

// Device selects the layout preferred by the optimizer.
type Device = tensor.Device

// RawTensor is a reference-counted dense tensor.
type RawTensor = tensor.RawTensor

// Element types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Bool    = tensor.Bool
)

// Devices.
const (
	CPU  = tensor.CPU
	CUDA = tensor.CUDA
)

// FromFloat32 creates a float32 tensor holding a copy of data.
func FromFloat32(shape Shape, data []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, data)
}

// ParseDevice parses "cpu" or "cuda" (also "gpu").
func ParseDevice(s string) (Device, error) {
	return tensor.ParseDevice(s)
}
