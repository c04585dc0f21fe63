// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader reads and writes trained weight files.
//
// Two containers are supported and detected by their leading bytes:
// .born (v1 and v2, with SHA-256 checksum) and SafeTensors. Tensor names
// follow the graph parameter names ("Conv2d_0.kernel",
// "DetectConv2d_1.bn.gamma"); Keras-style names
// ("DetectConv2d_1/kernel:0", "Conv2d_0_bn/gamma:0") are mapped
// automatically.
//
// Example usage:
//
//	values, format, err := loader.Read("yolov2.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Format: %s, tensors: %d\n", format, len(values))
//
//	// Convert to .born
//	if err := loader.Save("yolov2.born", values, "yolov2"); err != nil {
//	    log.Fatal(err)
//	}
package loader

import (
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/weights"
)

// Format identifies a weight container.
type Format = weights.Format

// Supported containers.
const (
	FormatBorn        = weights.FormatBorn
	FormatSafeTensors = weights.FormatSafeTensors
)

// Sniff detects the container of the file at path.
func Sniff(path string) (Format, error) {
	return weights.Sniff(path)
}

// Read loads every tensor of a weight file.
func Read(path string) (map[string]*tensor.RawTensor, Format, error) {
	return weights.Read(path)
}

// Save writes values as a .born v2 file.
func Save(path string, values map[string]*tensor.RawTensor, modelType string) error {
	return weights.Save(path, values, modelType)
}
