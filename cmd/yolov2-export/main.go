// Package main provides the yolov2-export CLI.
//
// It rebuilds YOLOv2 on Darknet-19, loads trained weights, optimizes the
// inference graph and writes a serving bundle to output_dir/version.
//
// Usage:
//
//	yolov2-export --weight_file yolov2.born [--output_dir /tmp/yolov2] [--version 1]
//	              [--iou 0.6] [--threshold 0.0] [--max_boxes 100] [--config export.yaml]
//	yolov2-export version
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbdy/yolov2/internal/config"
	"github.com/tbdy/yolov2/internal/export"
	"github.com/tbdy/yolov2/internal/logging"
	"github.com/tbdy/yolov2/internal/serving"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("yolov2-export %s\n", version)
		return
	}
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "yolov2-export: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("yolov2-export", pflag.ContinueOnError)
	config.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	logger.Info("export starting",
		zap.String("version", version),
		zap.String("weight_file", cfg.WeightFile),
		zap.String("output_dir", cfg.OutputDir),
		zap.String("model_version", cfg.Version),
		zap.String("device", cfg.Device))

	p := export.New(export.Options{
		Model:      cfg.ModelSpec(),
		Labels:     cfg.Model.Labels,
		WeightFile: cfg.WeightFile,
		OutputDir:  cfg.OutputDir,
		Version:    cfg.Version,
		Transforms: cfg.Transforms,
		Optimizers: cfg.Optimizers,
		Device:     cfg.TargetDevice(),
		Parallel:   cfg.ParallelConfig(),
		Logger:     logger,
	})
	bundle, err := p.Run()
	if err != nil {
		logger.Error("export failed", zap.Stringer("state", p.State()), zap.Error(err))
		return err
	}

	sig := bundle.Signature
	fmt.Printf("Model exported to %s\n", bundle.Dir)
	fmt.Printf("Signature %q (%s): %d input, %d outputs, %d nodes, %d constants\n",
		serving.SignatureKey, sig.Method, len(sig.Inputs), len(sig.Outputs), bundle.Nodes, bundle.Constants)
	fmt.Println("Visualize the optimized graph with:")
	fmt.Printf("  dot -Tsvg %s -o graph.svg\n", filepath.Join(cfg.OutputDir, serving.TraceDir, serving.DotFile))
	return nil
}
