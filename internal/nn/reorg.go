package nn

import (
	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

// ReorgShape returns the shape produced by reorganizing an NHWC feature map
// with the given block size.
//
// The spatial plane is cut into non-overlapping block×block tiles and every
// tile is moved into the channel axis:
//
//	(n, h, w, c) -> (n, h/block, w/block, c*block*block)
//
// A ShapeError is returned when the input is not 4-D, block < 1, or either
// spatial dimension is not a multiple of block.
//
// Example:
//
//	out, _ := nn.ReorgShape(tensor.Shape{1, 26, 26, 64}, 2) // (1, 13, 13, 256)
func ReorgShape(in tensor.Shape, block int) (tensor.Shape, error) {
	out, err := graph.SpaceToDepthShape(in, block, graph.NHWC)
	if err != nil {
		return nil, errs.Wrap(errs.Shape, "reorganize", in.String(), err)
	}
	return out, nil
}

// Reorganize performs the space-to-depth ("reroute") transform on an NHWC
// tensor. It has no learned parameters and loses no values.
//
// Output channel (dy*block+dx)*c + k at (oy, ox) holds input channel k at
// (oy*block+dy, ox*block+dx). A block of 1 is the identity.
func Reorganize(x *tensor.RawTensor, block int) (*tensor.RawTensor, error) {
	outShape, err := ReorgShape(x.Shape(), block)
	if err != nil {
		return nil, err
	}
	if block == 1 {
		return x.Clone(), nil
	}

	out, err := tensor.NewRaw(outShape, x.DType())
	if err != nil {
		return nil, err
	}

	in := x.Shape()
	n, h, w, c := in[0], in[1], in[2], in[3]
	oh, ow := h/block, w/block
	elem := x.DType().Size()
	tile := c * elem
	src, dst := x.Data(), out.Data()

	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			oy, dy := y/block, y%block
			for xx := 0; xx < w; xx++ {
				ox, dx := xx/block, xx%block
				srcOff := (((b*h+y)*w + xx) * c) * elem
				dstOff := (((b*oh+oy)*ow+ox)*outShape[3] + (dy*block+dx)*c) * elem
				copy(dst[dstOff:dstOff+tile], src[srcOff:srcOff+tile])
			}
		}
	}
	return out, nil
}
