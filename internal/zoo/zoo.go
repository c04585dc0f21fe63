// Package zoo assembles complete inference graphs from a backbone, the
// detection head, the prediction layer and the decode stage.
package zoo

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/nn"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Fixed tensor names. Consumers of exported bundles depend on them.
const (
	InputName        = "image_input"
	PredictionLayer  = "Prediction"
	DecodeName       = "YoloDecode"
	DetectionBoxes   = "detection_boxes"
	DetectionScores  = "detection_scores"
	DetectionClasses = "detection_classes"
)

// OutputNames returns the three detector output names in decode order.
func OutputNames() []string {
	return []string{DetectionBoxes, DetectionScores, DetectionClasses}
}

// Anchor is a (width, height) box prior in grid-cell units.
type Anchor struct {
	W float32 `mapstructure:"w" yaml:"w"`
	H float32 `mapstructure:"h" yaml:"h"`
}

// VOCAnchors are the YOLOv2 priors for Pascal VOC.
func VOCAnchors() []Anchor {
	return []Anchor{
		{1.3221, 1.73145},
		{3.19275, 4.00944},
		{5.05587, 8.09892},
		{9.47112, 4.84053},
		{11.2364, 10.0071},
	}
}

// Config describes the network to rebuild.
type Config struct {
	ImageSize      int
	Anchors        []Anchor
	NumClasses     int
	IoU            float32
	ScoreThreshold float32
	MaxBoxes       int
	Head           nn.DetectionHead
	Backbone       Backbone
}

// DefaultConfig returns YOLOv2 on Darknet-19 at 416×416 for 20 classes.
func DefaultConfig() Config {
	return Config{
		ImageSize:      416,
		Anchors:        VOCAnchors(),
		NumClasses:     20,
		IoU:            0.6,
		ScoreThreshold: 0.0,
		MaxBoxes:       100,
		Head:           nn.DefaultDetectionHead(),
		Backbone:       Darknet19{},
	}
}

// Validate checks the configuration before any graph work.
func (c Config) Validate() error {
	switch {
	case c.ImageSize < 32 || c.ImageSize%32 != 0:
		return errs.Mismatch(errs.Config, "model", "image_size", "a positive multiple of 32", c.ImageSize)
	case len(c.Anchors) == 0:
		return errs.Mismatch(errs.Config, "model", "anchors", "at least one anchor", 0)
	case c.NumClasses < 1:
		return errs.Mismatch(errs.Config, "model", "num_classes", ">= 1", c.NumClasses)
	case c.MaxBoxes < 1:
		return errs.Mismatch(errs.Config, "model", "max_boxes", ">= 1", c.MaxBoxes)
	case c.IoU < 0 || c.IoU > 1:
		return errs.Mismatch(errs.Config, "model", "iou", "a value in [0, 1]", c.IoU)
	case c.Backbone == nil:
		return errs.Mismatch(errs.Config, "model", "backbone", "a backbone", "nil")
	}
	for i, a := range c.Anchors {
		if a.W <= 0 || a.H <= 0 {
			return errs.Mismatch(errs.Config, "model", fmt.Sprintf("anchors[%d]", i), "positive width and height", a)
		}
	}
	return nil
}

// Model is a rebuilt inference graph with its parameter manifest.
type Model struct {
	Graph   *graph.Graph
	Params  []nn.Param
	Input   string
	Outputs []string
	Head    nn.HeadShapes
}

// Build reconstructs the inference-only graph: no training switches are
// emitted and every batch norm runs with is_training=false.
func Build(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := graph.NewBuilder()
	inShape := tensor.Shape{graph.Unknown, cfg.ImageSize, cfg.ImageSize, 3}
	if err := b.Add(&graph.Node{Name: InputName, Op: graph.OpPlaceholder, Attrs: graph.Attrs{
		"shape": inShape.Int64s(),
		"dtype": tensor.Float32.String(),
	}}); err != nil {
		return nil, err
	}

	coarse, fine, err := cfg.Backbone.Build(b, nn.Endpoint{Ref: InputName, Shape: inShape})
	if err != nil {
		return nil, fmt.Errorf("backbone %s: %w", cfg.Backbone.Name(), err)
	}
	shapes, err := cfg.Head.Plan(coarse.Shape, fine.Shape)
	if err != nil {
		return nil, err
	}
	head, err := cfg.Head.Build(b, coarse, fine)
	if err != nil {
		return nil, err
	}

	predictions := len(cfg.Anchors) * (5 + cfg.NumClasses)
	pred, err := nn.LinearConv(PredictionLayer, predictions, 1).Emit(b, head)
	if err != nil {
		return nil, err
	}

	anchors := make([]float32, 0, 2*len(cfg.Anchors))
	for _, a := range cfg.Anchors {
		anchors = append(anchors, a.W, a.H)
	}
	if err := b.Add(&graph.Node{Name: DecodeName, Op: graph.OpYoloDecode, Inputs: []string{pred.Ref}, Attrs: graph.Attrs{
		"anchors":         anchors,
		"num_classes":     int64(cfg.NumClasses),
		"iou_threshold":   cfg.IoU,
		"score_threshold": cfg.ScoreThreshold,
		"max_boxes":       int64(cfg.MaxBoxes),
		"data_format":     graph.NHWC,
	}}); err != nil {
		return nil, err
	}
	for i, name := range OutputNames() {
		if err := b.Add(&graph.Node{Name: name, Op: graph.OpIdentity, Inputs: []string{graph.Ref(DecodeName, i)}}); err != nil {
			return nil, err
		}
	}

	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	if _, err := graph.InferShapes(g); err != nil {
		return nil, err
	}

	var params []nn.Param
	for _, n := range g.Nodes() {
		if n.Op == graph.OpVariable {
			params = append(params, nn.Param{Name: n.Name, Shape: tensor.ShapeOf(n.Attrs.Ints("shape"))})
		}
	}

	return &Model{
		Graph:   g,
		Params:  params,
		Input:   InputName,
		Outputs: OutputNames(),
		Head:    shapes,
	}, nil
}

// TinyConfig returns a structurally complete but very narrow model
// (64×64 input, Darknet-19 at 1/32 width) for examples and tests.
func TinyConfig() Config {
	return Config{
		ImageSize:      64,
		Anchors:        []Anchor{{1, 1}, {2, 3}},
		NumClasses:     3,
		IoU:            0.6,
		ScoreThreshold: 0.0,
		MaxBoxes:       10,
		Head:           nn.DetectionHead{Filters: 8, FineFilters: 2, BlockSize: 2},
		Backbone:       Darknet19{Divisor: 32},
	}
}
