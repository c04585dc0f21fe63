// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn exposes the building blocks of the YOLOv2 detection head.
//
// The head fuses a coarse feature map with a reorganized fine-grained map:
//
//	coarse (13, 13, 1024) ──► 2 × conv 3×3 ──────────────────────┐
//	fine   (26, 26, 512)  ──► conv 1×1 (64) ──► reorganize b=2 ──┴─► concat (13, 13, 1280) ──► conv 3×3
//
// Reorganize is a pure space-to-depth transform: every b×b spatial tile
// becomes b² channel groups, so (h, w, c) becomes (h/b, w/b, c·b²).
package nn

import (
	"math/rand"

	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Param is a named trainable parameter.
type Param = nn.Param

// DetectionHead configures the fine-grained fusion head.
type DetectionHead = nn.DetectionHead

// HeadShapes are the intermediate shapes of a planned head.
type HeadShapes = nn.HeadShapes

// DefaultDetectionHead returns the YOLOv2 head: 1024 filters, 64
// fine-grained filters, block size 2.
func DefaultDetectionHead() DetectionHead {
	return nn.DefaultDetectionHead()
}

// ReorgShape returns the output shape of reorganizing an NHWC shape.
func ReorgShape(in tensor.Shape, block int) (tensor.Shape, error) {
	return nn.ReorgShape(in, block)
}

// Reorganize applies space-to-depth to an NHWC tensor.
func Reorganize(x *tensor.RawTensor, block int) (*tensor.RawTensor, error) {
	return nn.Reorganize(x, block)
}

// InitParams creates fresh-network values for params: Xavier kernels,
// unit gamma and variance, zero beta, mean and bias.
func InitParams(rng *rand.Rand, params []Param) (map[string]*tensor.RawTensor, error) {
	return nn.InitParams(rng, params)
}
