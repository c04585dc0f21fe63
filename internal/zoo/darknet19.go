package zoo

import (
	"fmt"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/nn"
)

// Backbone produces the coarse and fine-grained feature maps the detection
// head consumes.
type Backbone interface {
	Name() string
	// Build emits the trunk on top of input and returns (coarse, fine).
	Build(b *graph.Builder, input nn.Endpoint) (coarse, fine nn.Endpoint, err error)
}

// Darknet19 is the YOLOv2 feature extractor.
//
// At 416×416 input it yields a 26×26×512 fine-grained map (before the fifth
// max pool) and a 13×13×1024 coarse map. Divisor shrinks every filter count,
// which keeps test models small; 0 or 1 means full width.
type Darknet19 struct {
	Divisor    int
	LegacyNorm bool
}

// Name returns "darknet19".
func (d Darknet19) Name() string { return "darknet19" }

// darknet19Spec lists (filters, kernel) per conv; 0 marks a 2×2/2 max pool.
// The fine-grained tap is the output of the conv just before the fifth pool.
var darknet19Spec = [][2]int{
	{32, 3}, {0, 0},
	{64, 3}, {0, 0},
	{128, 3}, {64, 1}, {128, 3}, {0, 0},
	{256, 3}, {128, 1}, {256, 3}, {0, 0},
	{512, 3}, {256, 1}, {512, 3}, {256, 1}, {512, 3}, {0, 0},
	{1024, 3}, {512, 1}, {1024, 3}, {512, 1}, {1024, 3},
}

const darknet19FineTap = 16 // index of the 13th conv in darknet19Spec

// Build emits the Darknet-19 trunk.
func (d Darknet19) Build(b *graph.Builder, input nn.Endpoint) (coarse, fine nn.Endpoint, err error) {
	div := max(d.Divisor, 1)
	x := input
	conv, pool := 0, 0
	for i, s := range darknet19Spec {
		var l nn.Layer
		if s[0] == 0 {
			l = nn.MaxPool(fmt.Sprintf("MaxPool_%d", pool), 2, 2)
			pool++
		} else {
			l = nn.ConvBlock(fmt.Sprintf("Conv2d_%d", conv), max(s[0]/div, 1), s[1])
			l.LegacyNorm = d.LegacyNorm
			conv++
		}
		if x, err = l.Emit(b, x); err != nil {
			return coarse, fine, err
		}
		if i == darknet19FineTap {
			fine = x
		}
	}
	return x, fine, nil
}
