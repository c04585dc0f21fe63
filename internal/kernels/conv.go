package kernels

import (
	"fmt"
	"math"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
)

// window describes a sliding window along both spatial axes of an NHWC map.
type window struct {
	n, h, w, c     int
	kh, kw         int
	sh, sw         int
	outH, outW     int
	padTop, padLft int
}

func newWindow(x tensor.Shape, kh, kw, sh, sw int, padding string) (window, error) {
	if len(x) != 4 {
		return window{}, fmt.Errorf("expected 4-D NHWC input, got %v", x)
	}
	win := window{n: x[0], h: x[1], w: x[2], c: x[3], kh: kh, kw: kw, sh: sh, sw: sw}
	var err error
	if win.outH, err = graph.SpatialOut(win.h, kh, sh, padding); err != nil {
		return window{}, err
	}
	if win.outW, err = graph.SpatialOut(win.w, kw, sw, padding); err != nil {
		return window{}, err
	}
	if padding == "SAME" {
		win.padTop = max((win.outH-1)*sh+kh-win.h, 0) / 2
		win.padLft = max((win.outW-1)*sw+kw-win.w, 0) / 2
	}
	return win, nil
}

func pair(v []int64, def int) (int, int) {
	if len(v) == 2 {
		return int(v[0]), int(v[1])
	}
	return def, def
}

// conv2D computes a 2-D convolution with an HWIO filter.
//
//	out[b, oy, ox, f] = sum over (ky, kx, c) of
//	    x[b, oy*sh+ky-padTop, ox*sw+kx-padLeft, c] * filter[ky, kx, c, f]
//
// Positions outside the input contribute zero. NCHW inputs are converted to
// NHWC and back.
func conv2D(ctx *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("expected 2 inputs, got %d", len(in))
	}
	return single(withNHWC(n, in[0], func(x *tensor.RawTensor) (*tensor.RawTensor, error) {
		return conv2DNHWC(ctx, n, x, in[1])
	}))
}

func conv2DNHWC(ctx *Context, n *graph.Node, x, filter *tensor.RawTensor) (*tensor.RawTensor, error) {
	if x.DType() != tensor.Float32 || filter.DType() != tensor.Float32 {
		return nil, fmt.Errorf("unsupported dtypes %v, %v", x.DType(), filter.DType())
	}
	fs := filter.Shape()
	if len(fs) != 4 {
		return nil, fmt.Errorf("expected HWIO filter, got %v", fs)
	}
	sh, sw := pair(n.Attrs.Ints("strides"), 1)
	win, err := newWindow(x.Shape(), fs[0], fs[1], sh, sw, withDefaults(n).String("padding", "SAME"))
	if err != nil {
		return nil, err
	}
	if fs[2] != win.c {
		return nil, fmt.Errorf("filter expects %d input channels, input has %d", fs[2], win.c)
	}
	outC := fs[3]

	out, err := tensor.NewRaw(tensor.Shape{win.n, win.outH, win.outW, outC}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	src, kernel, dst := x.AsFloat32(), filter.AsFloat32(), out.AsFloat32()

	forRows(ctx, win, func(b, oy int) {
		for ox := 0; ox < win.outW; ox++ {
			acc := dst[((b*win.outH+oy)*win.outW+ox)*outC:][:outC]
			for ky := 0; ky < win.kh; ky++ {
				iy := oy*win.sh + ky - win.padTop
				if iy < 0 || iy >= win.h {
					continue
				}
				for kx := 0; kx < win.kw; kx++ {
					ix := ox*win.sw + kx - win.padLft
					if ix < 0 || ix >= win.w {
						continue
					}
					pixel := src[((b*win.h+iy)*win.w+ix)*win.c:][:win.c]
					taps := kernel[(ky*win.kw+kx)*win.c*outC:]
					for c, v := range pixel {
						if v == 0 {
							continue
						}
						row := taps[c*outC:][:outC]
						for f := range acc {
							acc[f] += v * row[f]
						}
					}
				}
			}
		}
	})
	return out, nil
}

// maxPool takes the maximum of each window. Padded positions are ignored.
func maxPool(ctx *Context, n *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(in))
	}
	return single(withNHWC(n, in[0], func(x *tensor.RawTensor) (*tensor.RawTensor, error) {
		if x.DType() != tensor.Float32 {
			return nil, fmt.Errorf("unsupported dtype %v", x.DType())
		}
		kh, kw := pair(n.Attrs.Ints("ksize"), 2)
		sh, sw := pair(n.Attrs.Ints("strides"), 2)
		win, err := newWindow(x.Shape(), kh, kw, sh, sw, withDefaults(n).String("padding", "VALID"))
		if err != nil {
			return nil, err
		}

		out, err := tensor.NewRaw(tensor.Shape{win.n, win.outH, win.outW, win.c}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		src, dst := x.AsFloat32(), out.AsFloat32()

		forRows(ctx, win, func(b, oy int) {
			for ox := 0; ox < win.outW; ox++ {
				best := dst[((b*win.outH+oy)*win.outW+ox)*win.c:][:win.c]
				for c := range best {
					best[c] = float32(math.Inf(-1))
				}
				for ky := 0; ky < win.kh; ky++ {
					iy := oy*win.sh + ky - win.padTop
					if iy < 0 || iy >= win.h {
						continue
					}
					for kx := 0; kx < win.kw; kx++ {
						ix := ox*win.sw + kx - win.padLft
						if ix < 0 || ix >= win.w {
							continue
						}
						pixel := src[((b*win.h+iy)*win.w+ix)*win.c:][:win.c]
						for c, v := range pixel {
							best[c] = max(best[c], v)
						}
					}
				}
			}
		})
		return out, nil
	}))
}

// forRows runs f for every (batch, output row) pair. Rows write disjoint
// slices of the output.
func forRows(ctx *Context, win window, f func(b, oy int)) {
	cfg := ctx.Parallel
	cfg.MinChunkSize = min(cfg.MinChunkSize, 1)
	parallel.ForBatch(win.n, win.outH, f, cfg)
}

// withNHWC runs f on x in NHWC layout, converting an NCHW node's input and
// result.
func withNHWC(n *graph.Node, x *tensor.RawTensor, f func(*tensor.RawTensor) (*tensor.RawTensor, error)) (*tensor.RawTensor, error) {
	if n.DataFormat() != graph.NCHW {
		return f(x)
	}
	nhwc, err := tensor.TransposeAxes(x, 0, 2, 3, 1)
	if err != nil {
		return nil, err
	}
	defer nhwc.Release()
	out, err := f(nhwc)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	return tensor.TransposeAxes(out, 0, 3, 1, 2)
}
