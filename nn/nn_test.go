// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbdy/yolov2/nn"
	"github.com/tbdy/yolov2/tensor"
)

func TestDefaultHeadPlan(t *testing.T) {
	shapes, err := nn.DefaultDetectionHead().Plan(tensor.Shape{1, 13, 13, 1024}, tensor.Shape{1, 26, 26, 512})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 13, 13, 256}, shapes.Rerouted)
	assert.Equal(t, tensor.Shape{1, 13, 13, 1280}, shapes.Concat)
}

func TestReorganize(t *testing.T) {
	x, err := tensor.FromFloat32(tensor.Shape{1, 2, 2, 1}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	y, err := nn.Reorganize(x, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 1, 4}, y.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, y.AsFloat32())

	_, err = nn.ReorgShape(tensor.Shape{1, 3, 3, 1}, 2)
	assert.Error(t, err)
}
