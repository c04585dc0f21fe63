package nn

import (
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Detection head layer names. They are part of the parameter naming
// contract of weight files.
const (
	LayerDetect1     = "DetectConv2d_1"
	LayerDetect2     = "DetectConv2d_2"
	LayerFineGrained = "FineGrained_0"
	LayerReroute     = "RerouteLayer"
	LayerConcat      = "ConcatLayer"
	LayerDetect3     = "DetectConv2d_3"
)

// DetectionHead fuses the coarse and fine-grained backbone feature maps.
//
// Algorithm:
//
//	x         = conv3x3(Filters) . conv3x3(Filters) (coarse)
//	connected = conv1x1(FineFilters) (fine)
//	rerouted  = reorganize(connected, BlockSize)
//	out       = conv3x3(Filters) (concat[rerouted, x])
//
// The output has Filters channels; the concatenation feeding the last conv
// has Filters + FineFilters*BlockSize² channels.
//
// Example:
//
//	head := nn.DefaultDetectionHead()
//	shapes, _ := head.Plan(tensor.Shape{1, 13, 13, 1024}, tensor.Shape{1, 26, 26, 512})
//	// shapes.Rerouted == (1, 13, 13, 256), shapes.Concat == (1, 13, 13, 1280)
type DetectionHead struct {
	Filters     int
	FineFilters int
	BlockSize   int
}

// DefaultDetectionHead returns the YOLOv2 head: 1024 filters, 64 fine
// filters, block size 2.
func DefaultDetectionHead() DetectionHead {
	return DetectionHead{Filters: 1024, FineFilters: 64, BlockSize: 2}
}

// HeadShapes records the shape of every intermediate head tensor.
type HeadShapes struct {
	X         tensor.Shape
	Connected tensor.Shape
	Rerouted  tensor.Shape
	Concat    tensor.Shape
	Output    tensor.Shape
}

// Layers returns the head's layers in emission order.
func (h DetectionHead) Layers() []Layer {
	return []Layer{
		ConvBlock(LayerDetect1, h.Filters, 3),
		ConvBlock(LayerDetect2, h.Filters, 3),
		ConvBlock(LayerFineGrained, h.FineFilters, 1),
		Reorg(LayerReroute, h.BlockSize),
		Concatenate(LayerConcat),
		ConvBlock(LayerDetect3, h.Filters, 3),
	}
}

// Plan performs the head's shape bookkeeping without building anything.
// Any inconsistency between backbone outputs and head parameters is a
// ShapeError.
func (h DetectionHead) Plan(coarse, fine tensor.Shape) (HeadShapes, error) {
	var s HeadShapes
	l := h.Layers()

	x, err := l[0].OutputShape(coarse)
	if err != nil {
		return s, err
	}
	if s.X, err = l[1].OutputShape(x); err != nil {
		return s, err
	}
	if s.Connected, err = l[2].OutputShape(fine); err != nil {
		return s, err
	}
	if s.Rerouted, err = l[3].OutputShape(s.Connected); err != nil {
		return s, err
	}
	if s.Concat, err = l[4].OutputShape(s.Rerouted, s.X); err != nil {
		return s, err
	}
	if s.Output, err = l[5].OutputShape(s.Concat); err != nil {
		return s, err
	}
	return s, nil
}

// Params lists the head's trainable parameters for the given inputs.
func (h DetectionHead) Params(coarse, fine tensor.Shape) ([]Param, error) {
	s, err := h.Plan(coarse, fine)
	if err != nil {
		return nil, err
	}
	l := h.Layers()
	var params []Param
	params = append(params, l[0].Params(coarse)...)
	params = append(params, l[1].Params(s.X)...)
	params = append(params, l[2].Params(fine)...)
	params = append(params, l[5].Params(s.Concat)...)
	return params, nil
}

// Build emits the head into b and returns its output endpoint.
// Shapes are checked before any node is added.
func (h DetectionHead) Build(b *graph.Builder, coarse, fine Endpoint) (Endpoint, error) {
	if _, err := h.Plan(coarse.Shape, fine.Shape); err != nil {
		return Endpoint{}, err
	}
	l := h.Layers()

	x, err := l[0].Emit(b, coarse)
	if err != nil {
		return Endpoint{}, err
	}
	if x, err = l[1].Emit(b, x); err != nil {
		return Endpoint{}, err
	}
	connected, err := l[2].Emit(b, fine)
	if err != nil {
		return Endpoint{}, err
	}
	rerouted, err := l[3].Emit(b, connected)
	if err != nil {
		return Endpoint{}, err
	}
	concat, err := l[4].Emit(b, rerouted, x)
	if err != nil {
		return Endpoint{}, err
	}
	return l[5].Emit(b, concat)
}
