// Package session holds a graph together with the current values of its
// variables. A Session is the scoped execution context of one export run:
// it is opened when the model is loaded and must be closed on every exit
// path, which releases every tensor buffer it holds.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/kernels"
	"github.com/tbdy/yolov2/internal/tensor"
)

// ErrClosed is returned by every method of a closed session.
var ErrClosed = errors.New("session: closed")

// Session binds variable values to a graph.
type Session struct {
	mu      sync.Mutex
	graph   *graph.Graph
	values  map[string]*tensor.RawTensor
	kernels *kernels.Registry
	ctx     *kernels.Context
	closed  bool
}

// New opens a session over g with no variables assigned.
func New(g *graph.Graph) *Session {
	return &Session{
		graph:   g,
		values:  make(map[string]*tensor.RawTensor),
		kernels: kernels.NewRegistry(),
		ctx:     kernels.DefaultContext(),
	}
}

// Graph returns the session graph.
func (s *Session) Graph() *graph.Graph {
	return s.graph
}

// Variables returns the names of all variables, sorted.
func (s *Session) Variables() []string {
	return s.graph.ByOp(graph.OpVariable)
}

// Assign sets the value of a variable. The value must match the variable's
// declared shape and dtype. The session keeps its own reference.
func (s *Session) Assign(name string, v *tensor.RawTensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	n, ok := s.graph.Node(name)
	if !ok || n.Op != graph.OpVariable {
		return fmt.Errorf("session: %q is not a variable", name)
	}
	want := tensor.ShapeOf(n.Attrs.Ints("shape"))
	if !v.Shape().Equal(want) {
		return fmt.Errorf("session: variable %q: expected shape %v, got %v", name, want, v.Shape())
	}
	if dt := n.Attrs.String("dtype", "float32"); dt != v.DType().String() {
		return fmt.Errorf("session: variable %q: expected dtype %s, got %v", name, dt, v.DType())
	}

	if old, ok := s.values[name]; ok {
		old.Release()
	}
	s.values[name] = v.Clone()
	return nil
}

// AssignAll assigns every entry of values in name order and stops at the
// first failure.
func (s *Session) AssignAll(values map[string]*tensor.RawTensor) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := s.Assign(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Value returns a shared reference to a variable's value. The caller must
// release it.
func (s *Session) Value(name string) (*tensor.RawTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("session: variable %q is uninitialized", name)
	}
	return v.Clone(), nil
}

// Uninitialized returns the variables without a value, sorted.
func (s *Session) Uninitialized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.graph.ByOp(graph.OpVariable) {
		if _, ok := s.values[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Run evaluates fetches with the assigned variables and the given feeds.
func (s *Session) Run(feeds map[string]*tensor.RawTensor, fetches []string) (map[string]*tensor.RawTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	all := make(map[string]*tensor.RawTensor, len(s.values)+len(feeds))
	for k, v := range s.values {
		all[k] = v
	}
	for k, v := range feeds {
		all[k] = v
	}
	return s.kernels.Run(s.ctx, s.graph, all, fetches)
}

// Close releases every variable value. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, v := range s.values {
		v.Release()
	}
	s.values = nil
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
