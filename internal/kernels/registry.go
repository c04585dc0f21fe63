// Package kernels is a small CPU interpreter for export graphs. It is used
// to evaluate constant subgraphs during optimization and to check that
// graph rewrites preserve numerics.
package kernels

import (
	"fmt"
	"slices"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/tensor"
)

// Kernel computes the outputs of one node from its input values.
type Kernel func(ctx *Context, n *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context carries execution settings for kernels.
type Context struct {
	Parallel parallel.Config
}

// DefaultContext fans conv loops out over all CPUs.
func DefaultContext() *Context {
	return &Context{Parallel: parallel.DefaultConfig()}
}

// Registry maps graph ops to kernels.
type Registry struct {
	kernels map[graph.Op]Kernel
}

// NewRegistry creates a registry with every built-in kernel.
// YoloDecode has no kernel; the decode stage runs in the serving runtime.
func NewRegistry() *Registry {
	r := &Registry{kernels: make(map[graph.Op]Kernel)}

	r.Register(graph.OpIdentity, identity)
	r.Register(graph.OpConv2D, conv2D)
	r.Register(graph.OpBiasAdd, biasAdd)
	r.Register(graph.OpFusedBatchNorm, fusedBatchNorm)
	r.Register(graph.OpBatchNormGlobal, batchNormGlobal)
	r.Register(graph.OpMul, binary(tensor.Mul))
	r.Register(graph.OpAdd, binary(tensor.Add))
	r.Register(graph.OpLeakyRelu, leakyRelu)
	r.Register(graph.OpMaxPool, maxPool)
	r.Register(graph.OpSpaceToDepth, spaceToDepth)
	r.Register(graph.OpConcat, concat)
	r.Register(graph.OpTranspose, transpose)
	r.Register(graph.OpDequantize, dequantize)

	return r
}

// Register adds or replaces the kernel for op.
func (r *Registry) Register(op graph.Op, k Kernel) {
	r.kernels[op] = k
}

// Get returns the kernel for op.
func (r *Registry) Get(op graph.Op) (Kernel, bool) {
	k, ok := r.kernels[op]
	return k, ok
}

// Supports reports whether op has a kernel.
func (r *Registry) Supports(op graph.Op) bool {
	_, ok := r.kernels[op]
	return ok
}

// Execute runs the kernel for n.
func (r *Registry) Execute(ctx *Context, n *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	k, ok := r.kernels[n.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %v", n.Op)
	}
	if ctx == nil {
		ctx = DefaultContext()
	}
	out, err := k(ctx, n, inputs)
	if err != nil {
		return nil, fmt.Errorf("%v %s: %w", n.Op, n.Name, err)
	}
	return out, nil
}

// SupportedOps returns the ops with kernels, in declaration order.
func (r *Registry) SupportedOps() []graph.Op {
	ops := make([]graph.Op, 0, len(r.kernels))
	for op := range r.kernels {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

func single(t *tensor.RawTensor, err error) ([]*tensor.RawTensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{t}, nil
}
