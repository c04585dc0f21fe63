// Package export drives one model export through its stages:
//
//	New → Loaded → Frozen → Quantized → Optimized → Packaged
//
// Each transition consumes the snapshot of the previous state and derives
// a new one. Transitions are strictly forward and single-step; any failure
// moves the pipeline to Failed and aborts the run.
package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/freeze"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/optimize"
	"github.com/tbdy/yolov2/internal/parallel"
	"github.com/tbdy/yolov2/internal/serving"
	"github.com/tbdy/yolov2/internal/session"
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/transform"
	"github.com/tbdy/yolov2/internal/weights"
	"github.com/tbdy/yolov2/internal/zoo"
)

// ErrIllegalTransition is returned when a stage is requested out of order.
var ErrIllegalTransition = errors.New("illegal pipeline transition")

// State is a pipeline state.
type State int

// Pipeline states in transition order.
const (
	StateNew State = iota
	StateLoaded
	StateFrozen
	StateQuantized
	StateOptimized
	StatePackaged
	StateFailed
)

var stateNames = [...]string{"New", "Loaded", "Frozen", "Quantized", "Optimized", "Packaged", "Failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configure one export run.
type Options struct {
	Model      zoo.Config
	Labels     []string
	WeightFile string
	OutputDir  string
	Version    string
	// Transforms defaults to transform.DefaultSequence. Only transform
	// parameters may differ from the default; Load rejects any other order.
	Transforms []string
	// Optimizers defaults to optimize.DefaultOptimizers and must equal it.
	Optimizers []string
	Device     tensor.Device
	Parallel   parallel.Config
	Logger     *zap.Logger
	Now        func() time.Time
}

// Pipeline is the export state machine. It is not safe for concurrent use.
type Pipeline struct {
	opts  Options
	log   *zap.Logger
	runID string
	state State

	model   *zoo.Model
	session *session.Session
	graph   *graph.Graph
	bundle  *serving.Bundle

	transforms []transform.Report
	optimizers []optimize.Report
}

// New creates a pipeline in StateNew.
func New(opts Options) *Pipeline {
	if opts.Transforms == nil {
		opts.Transforms = transform.DefaultSequence()
	}
	if opts.Optimizers == nil {
		opts.Optimizers = optimize.DefaultOptimizers()
	}
	if opts.Parallel == (parallel.Config{}) {
		opts.Parallel = parallel.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	runID := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{opts: opts, log: log.With(zap.String("run_id", runID)), runID: runID}
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// RunID identifies this run in logs and bundle metadata.
func (p *Pipeline) RunID() string { return p.runID }

// Graph returns the current snapshot, or nil before Load.
func (p *Pipeline) Graph() *graph.Graph { return p.graph }

// Model returns the rebuilt model, or nil before Load.
func (p *Pipeline) Model() *zoo.Model { return p.model }

// Bundle returns the written bundle once Packaged.
func (p *Pipeline) Bundle() *serving.Bundle { return p.bundle }

// TransformReports returns the reports of the Quantize stage.
func (p *Pipeline) TransformReports() []transform.Report { return p.transforms }

// OptimizerReports returns the reports of the Optimize stage.
func (p *Pipeline) OptimizerReports() []optimize.Report { return p.optimizers }

// Step performs the next transition.
func (p *Pipeline) Step() error {
	switch p.state {
	case StateNew:
		return p.Load()
	case StateLoaded:
		return p.Freeze()
	case StateFrozen:
		return p.Quantize()
	case StateQuantized:
		return p.Optimize()
	case StateOptimized:
		return p.Package()
	default:
		return fmt.Errorf("%w: no step after %v", ErrIllegalTransition, p.state)
	}
}

// Run drives every remaining transition and always closes the pipeline.
func (p *Pipeline) Run() (_ *serving.Bundle, err error) {
	defer func() {
		if cerr := p.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	start := p.opts.Now()
	for p.state != StatePackaged {
		if err := p.Step(); err != nil {
			return nil, err
		}
	}
	p.log.Info("export finished",
		zap.String("bundle", p.bundle.Dir),
		zap.Duration("elapsed", p.opts.Now().Sub(start)))
	return p.bundle, nil
}

// Close releases the session and the current snapshot. It is safe to call
// more than once; the bundle, once written, is unaffected.
func (p *Pipeline) Close() error {
	var err error
	if p.session != nil {
		err = p.session.Close()
		p.session = nil
	}
	p.setGraph(nil)
	return err
}

// setGraph replaces the current snapshot, releasing the previous one unless
// it is the session graph.
func (p *Pipeline) setGraph(g *graph.Graph) {
	if p.graph != nil && p.graph != g && (p.model == nil || p.graph != p.model.Graph) {
		p.graph.Release()
	}
	p.graph = g
}

func (p *Pipeline) transition(from, to State, stage string, f func() error) error {
	if p.state != from {
		return fmt.Errorf("%w: %v requires %v, pipeline is %v", ErrIllegalTransition, to, from, p.state)
	}
	log := p.log.With(zap.String("stage", stage))
	log.Info("stage started")
	start := p.opts.Now()
	if err := f(); err != nil {
		p.state = StateFailed
		log.Error("stage failed", zap.Error(err))
		return err
	}
	p.state = to
	fields := []zap.Field{zap.Stringer("state", to), zap.Duration("elapsed", p.opts.Now().Sub(start))}
	if p.graph != nil {
		fields = append(fields, zap.Int("nodes", p.graph.Len()))
	}
	log.Info("stage finished", fields...)
	return nil
}

// Load validates the configuration, rebuilds the inference graph, opens
// the session and binds the trained weights.
func (p *Pipeline) Load() error {
	return p.transition(StateNew, StateLoaded, "load", p.load)
}

func (p *Pipeline) load() error {
	if err := p.checkConfig(); err != nil {
		return err
	}

	model, err := zoo.Build(p.opts.Model)
	if err != nil {
		return err
	}
	p.model = model
	p.graph = model.Graph
	p.session = session.New(model.Graph)

	set, err := weights.Load(p.opts.WeightFile, model.Params)
	if err != nil {
		return err
	}
	defer set.Release()
	if len(set.Unused) > 0 {
		p.log.Warn("weight file has unused tensors", zap.Strings("tensors", set.Unused))
	}
	if err := p.session.AssignAll(set.Values); err != nil {
		return errs.Wrap(errs.WeightLoad, "load", p.opts.WeightFile, err)
	}
	if missing := p.session.Uninitialized(); len(missing) > 0 {
		return errs.Mismatch(errs.WeightLoad, "load", "variables", "all initialized", missing)
	}

	rows, err := zoo.Summarize(model.Graph)
	if err != nil {
		return err
	}
	if ce := p.log.Check(zap.DebugLevel, "model summary"); ce != nil {
		ce.Write(zap.String("summary", "\n"+zoo.FormatSummary(rows)))
	}
	p.log.Info("model loaded",
		zap.String("weights", p.opts.WeightFile),
		zap.Stringer("format", set.Format),
		zap.Int("layers", len(rows)),
		zap.Int("params", zoo.TotalParams(rows)),
		zap.Stringer("head_x", model.Head.X),
		zap.Stringer("rerouted", model.Head.Rerouted),
		zap.Stringer("concat", model.Head.Concat))
	return nil
}

// checkConfig rejects unusable configuration before any graph work.
func (p *Pipeline) checkConfig() error {
	path := p.opts.WeightFile
	if path == "" {
		return errs.Mismatch(errs.Config, "load", "weight_file", "a weight file path", "empty")
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errs.Mismatch(errs.Config, "load", "weight_file", "an existing file", path)
	case err != nil:
		return errs.Wrap(errs.Config, "load", "weight_file", err)
	case !info.Mode().IsRegular():
		return errs.Mismatch(errs.Config, "load", "weight_file", "a regular file", info.Mode().Type())
	}
	if p.opts.OutputDir == "" {
		return errs.Mismatch(errs.Config, "load", "output_dir", "a directory path", "empty")
	}
	if err := serving.ValidateVersion(p.opts.Version); err != nil {
		return err
	}
	if err := transform.CheckSequence(p.opts.Transforms); err != nil {
		return err
	}
	if err := optimize.CheckSequence(p.opts.Optimizers); err != nil {
		return err
	}
	return p.opts.Model.Validate()
}

// Freeze bakes the bound variables into constants.
func (p *Pipeline) Freeze() error {
	return p.transition(StateLoaded, StateFrozen, "freeze", func() error {
		res, err := freeze.Freeze(p.session, p.model.Outputs)
		if err != nil {
			return err
		}
		p.setGraph(res.Graph)
		p.log.Info("variables frozen", zap.Int("frozen", res.Frozen))
		return nil
	})
}

// Quantize applies the ordered graph transforms.
func (p *Pipeline) Quantize() error {
	return p.transition(StateFrozen, StateQuantized, "quantize", func() error {
		g, reports, err := transform.Apply(p.graph, []string{p.model.Input}, p.model.Outputs, p.opts.Transforms,
			transform.Options{Parallel: p.opts.Parallel})
		if err != nil {
			return err
		}
		p.setGraph(g)
		p.transforms = reports
		for _, r := range reports {
			p.log.Info("transform applied",
				zap.Stringer("transform", r.Spec),
				zap.Int("changed", r.Changed),
				zap.Int("nodes", r.Nodes),
				zap.Duration("elapsed", r.Duration))
		}
		return nil
	})
}

// Optimize runs the graph optimizers for the target device.
func (p *Pipeline) Optimize() error {
	return p.transition(StateQuantized, StateOptimized, "optimize", func() error {
		g, reports, err := optimize.Optimize(p.graph, []string{p.model.Input}, p.model.Outputs, optimize.Options{
			Optimizers: p.opts.Optimizers,
			Device:     p.opts.Device,
			Parallel:   p.opts.Parallel,
		})
		if err != nil {
			return err
		}
		p.setGraph(g)
		p.optimizers = reports
		for _, r := range reports {
			p.log.Info("optimizer applied",
				zap.String("optimizer", r.Name),
				zap.Int("changed", r.Changed),
				zap.Int("nodes", r.Nodes),
				zap.Duration("elapsed", r.Duration))
		}
		return nil
	})
}

// Package writes the serving bundle.
func (p *Pipeline) Package() error {
	return p.transition(StateOptimized, StatePackaged, "package", func() error {
		cfg := p.opts.Model
		pk := &serving.Packager{
			OutputDir: p.opts.OutputDir,
			Version:   p.opts.Version,
			Logger:    p.log,
			Now:       p.opts.Now,
		}
		bundle, err := pk.Package(p.graph, p.model.Input, p.model.Outputs, serving.ModelConfig{
			RunID:      p.runID,
			ImageSize:  cfg.ImageSize,
			NumClasses: cfg.NumClasses,
			Labels:     p.opts.Labels,
			Anchors:    cfg.Anchors,
			IoU:        cfg.IoU,
			Threshold:  cfg.ScoreThreshold,
			MaxBoxes:   cfg.MaxBoxes,
			Transforms: p.opts.Transforms,
			Optimizers: p.opts.Optimizers,
		})
		if err != nil {
			return err
		}
		p.bundle = bundle
		return nil
	})
}
