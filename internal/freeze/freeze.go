// Package freeze turns a session graph into a self-contained inference
// graph by baking every variable into a constant.
package freeze

import (
	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/session"
)

const stage = "freeze"

// Result is a frozen graph and the outputs it was extracted for.
type Result struct {
	Graph   *graph.Graph
	Outputs []string
	// Frozen is the number of variables converted to constants.
	Frozen int
}

// Freeze extracts the part of the session graph that outputs depend on and
// replaces each variable with a Const holding a snapshot of its value.
// Nodes not reachable from outputs, including training-only branches, are
// dropped.
func Freeze(s *session.Session, outputs []string) (*Result, error) {
	if len(outputs) == 0 {
		return nil, errs.Newf(errs.Transform, stage, "outputs", "no output nodes given")
	}
	sub, err := s.Graph().Extract(outputs)
	if err != nil {
		return nil, errs.Wrap(errs.Transform, stage, "outputs", err)
	}

	b := sub.Edit()
	frozen := 0
	for _, n := range b.Nodes() {
		if n.Op != graph.OpVariable {
			continue
		}
		v, err := s.Value(n.Name)
		if err != nil {
			return nil, errs.Wrap(errs.Transform, stage, n.Name, err)
		}
		if err := b.Replace(&graph.Node{
			Name:   n.Name,
			Op:     graph.OpConst,
			Attrs:  graph.Attrs{"dtype": v.DType().String()},
			Value:  v,
			Device: n.Device,
		}); err != nil {
			v.Release()
			return nil, errs.Wrap(errs.Transform, stage, n.Name, err)
		}
		frozen++
	}

	g, err := b.Build()
	if err != nil {
		return nil, errs.Wrap(errs.Transform, stage, "graph", err)
	}
	if left := g.ByOp(graph.OpVariable); len(left) > 0 {
		return nil, errs.Mismatch(errs.Transform, stage, "variables", "none", left)
	}
	return &Result{Graph: g, Outputs: append([]string(nil), outputs...), Frozen: frozen}, nil
}
