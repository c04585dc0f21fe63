// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package export converts a trained YOLOv2 detector into a versioned
// serving bundle.
//
// An export rebuilds the inference-only graph, binds trained weights,
// freezes them into constants, quantizes and folds the graph, optimizes
// it for the target device and writes the result under
// output_dir/version behind a fixed predict signature:
//
//	inputs             -> image_input:0
//	detection_boxes    <- detection_boxes:0
//	detection_scores   <- detection_scores:0
//	detection_classes  <- detection_classes:0
//
// # Example Usage
//
//	opts := export.DefaultOptions()
//	opts.WeightFile = "yolov2.born"
//	opts.OutputDir = "/tmp/yolov2"
//	opts.Version = "1"
//
//	bundle, err := export.Run(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("bundle written to", bundle.Dir)
//
// For step-by-step control use [New] and drive the [Pipeline] yourself:
//
//	p := export.New(opts)
//	defer p.Close()
//	for p.State() != export.StatePackaged {
//	    if err := p.Step(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Errors are classified by kind; match them with errors.Is against
// [ErrConfig], [ErrShape], [ErrWeightLoad], [ErrTransform] and
// [ErrPackaging].
package export

import (
	"github.com/tbdy/yolov2/internal/errs"
	internalexport "github.com/tbdy/yolov2/internal/export"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/serving"
	"github.com/tbdy/yolov2/internal/zoo"
)

// Options configure an export run.
type Options = internalexport.Options

// Pipeline is the export state machine.
type Pipeline = internalexport.Pipeline

// State is a pipeline state.
type State = internalexport.State

// Bundle describes a written serving bundle.
type Bundle = serving.Bundle

// ModelConfig describes the network to rebuild.
type ModelConfig = zoo.Config

// Anchor is a (width, height) box prior in grid-cell units.
type Anchor = zoo.Anchor

// Pipeline states.
const (
	StateNew       = internalexport.StateNew
	StateLoaded    = internalexport.StateLoaded
	StateFrozen    = internalexport.StateFrozen
	StateQuantized = internalexport.StateQuantized
	StateOptimized = internalexport.StateOptimized
	StatePackaged  = internalexport.StatePackaged
	StateFailed    = internalexport.StateFailed
)

// Error kinds.
var (
	ErrConfig            = errs.ErrConfig
	ErrShape             = errs.ErrShape
	ErrWeightLoad        = errs.ErrWeightLoad
	ErrTransform         = errs.ErrTransform
	ErrPackaging         = errs.ErrPackaging
	ErrIllegalTransition = internalexport.ErrIllegalTransition
)

// DefaultOptions returns YOLOv2 on Darknet-19 at 416×416 for the 20 VOC
// classes, exported to /tmp/yolov2/1.
func DefaultOptions() Options {
	return Options{
		Model:     zoo.DefaultConfig(),
		OutputDir: "/tmp/yolov2",
		Version:   "1",
	}
}

// DefaultModel returns the default network configuration.
func DefaultModel() ModelConfig {
	return zoo.DefaultConfig()
}

// TinyModel returns a narrow 64×64 network for experiments and tests.
func TinyModel() ModelConfig {
	return zoo.TinyConfig()
}

// Parameters rebuilds the network for m and lists the parameters a weight
// file must provide.
func Parameters(m ModelConfig) ([]nn.Param, error) {
	model, err := zoo.Build(m)
	if err != nil {
		return nil, err
	}
	return model.Params, nil
}

// New creates a pipeline that has not started yet.
func New(opts Options) *Pipeline {
	return internalexport.New(opts)
}

// Run performs a complete export.
func Run(opts Options) (*Bundle, error) {
	return internalexport.New(opts).Run()
}
