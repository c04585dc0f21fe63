// Package serving writes an optimized graph as a versioned serving bundle:
//
//	output_dir/version/saved_model.pb
//	output_dir/version/variables/variables.born
//	output_dir/version/assets.extra/model_config.yaml
//
// A version directory is written once. The bundle is assembled in a
// staging directory under output_dir and renamed into place only after
// every file has been written, so readers never observe a partial bundle.
package serving

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tbdy/yolov2/internal/errs"
	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/serialization"
	"github.com/tbdy/yolov2/internal/tensor"
	"github.com/tbdy/yolov2/internal/zoo"
)

const stage = "package"

// Bundle file layout.
const (
	SavedModelFile  = "saved_model.pb"
	VariablesDir    = "variables"
	VariablesFile   = "variables.born"
	AssetsDir       = "assets.extra"
	ModelConfigFile = "model_config.yaml"
	TraceDir        = "graph_def"
	lockFile        = ".export.lock"
	schemaVersion   = 1
	metaGraphVer    = "1"
	modelType       = "yolov2"
)

// ModelConfig is the human-readable metadata stored next to the graph.
type ModelConfig struct {
	RunID      string       `yaml:"run_id"`
	Version    string       `yaml:"version"`
	CreatedAt  time.Time    `yaml:"created_at"`
	ImageSize  int          `yaml:"image_size"`
	NumClasses int          `yaml:"num_classes"`
	Labels     []string     `yaml:"labels,omitempty"`
	Anchors    []zoo.Anchor `yaml:"anchors"`
	IoU        float32      `yaml:"iou"`
	Threshold  float32      `yaml:"threshold"`
	MaxBoxes   int          `yaml:"max_boxes"`
	Transforms []string     `yaml:"transforms"`
	Optimizers []string     `yaml:"optimizers"`
	Input      string       `yaml:"input"`
	Outputs    []string     `yaml:"outputs"`
}

// Packager writes bundles under OutputDir/Version.
type Packager struct {
	OutputDir string
	Version   string
	Logger    *zap.Logger
	// Now stamps the bundle; defaults to time.Now.
	Now func() time.Time
}

// Bundle describes a written bundle.
type Bundle struct {
	Dir       string
	TraceDir  string
	Signature Signature
	Nodes     int
	Constants int
}

// ValidateVersion checks that v is usable as a single path element.
func ValidateVersion(v string) error {
	switch {
	case v == "", v == ".", v == "..":
		return errs.Mismatch(errs.Config, stage, "version", "a non-empty directory name", fmt.Sprintf("%q", v))
	case strings.ContainsAny(v, `/\`) || strings.ContainsRune(v, 0):
		return errs.Mismatch(errs.Config, stage, "version", "no path separators", fmt.Sprintf("%q", v))
	}
	return nil
}

// Package writes g as a new bundle version. The graph must be free of
// variables; every Const payload goes to the variables file.
func (p *Packager) Package(g *graph.Graph, input string, outputs []string, cfg ModelConfig) (*Bundle, error) {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := ValidateVersion(p.Version); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.OutputDir, 0o750); err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, p.OutputDir, err)
	}

	unlock, err := lockDir(filepath.Join(p.OutputDir, lockFile))
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, "lock", err)
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			log.Warn("failed to release bundle lock", zap.Error(uerr))
		}
	}()

	dir := filepath.Join(p.OutputDir, p.Version)
	switch _, err := os.Stat(dir); {
	case err == nil:
		return nil, errs.Mismatch(errs.Packaging, stage, dir, "a new version directory", "existing directory")
	case !errors.Is(err, fs.ErrNotExist):
		return nil, errs.Wrap(errs.Packaging, stage, dir, err)
	}

	sig, err := BuildSignature(g, input, outputs)
	if err != nil {
		return nil, err
	}
	nodes, consts, err := nodeDefs(g)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cfg.Version = p.Version
	cfg.CreatedAt = now().UTC()
	cfg.Input = input
	cfg.Outputs = outputs

	staging, err := os.MkdirTemp(p.OutputDir, ".staging-"+p.Version+"-")
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, p.OutputDir, err)
	}
	defer os.RemoveAll(staging)

	if err := p.writeBundle(staging, sig, nodes, consts, outputs, cfg); err != nil {
		return nil, err
	}

	// Traces are rendered before the version directory is committed so a
	// trace failure leaves no version behind.
	traceStaging, err := os.MkdirTemp(p.OutputDir, ".trace-"+p.Version+"-")
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, p.OutputDir, err)
	}
	defer os.RemoveAll(traceStaging)
	if err := WriteTrace(traceStaging, g); err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, TraceDir, err)
	}
	traces := filepath.Join(p.OutputDir, TraceDir)
	if err := os.MkdirAll(traces, 0o750); err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, traces, err)
	}

	if err := os.Rename(staging, dir); err != nil {
		return nil, errs.Wrap(errs.Packaging, stage, dir, err)
	}
	if err := publishTrace(traceStaging, traces); err != nil {
		if rerr := os.RemoveAll(dir); rerr != nil {
			log.Error("failed to roll back version directory", zap.String("dir", dir), zap.Error(rerr))
		}
		return nil, errs.Wrap(errs.Packaging, stage, traces, err)
	}
	log.Info("bundle written",
		zap.String("stage", stage),
		zap.String("dir", dir),
		zap.Int("nodes", len(nodes)),
		zap.Int("constants", len(consts)))

	return &Bundle{
		Dir:       dir,
		TraceDir:  traces,
		Signature: sig,
		Nodes:     len(nodes),
		Constants: len(consts),
	}, nil
}

func (p *Packager) writeBundle(root string, sig Signature, nodes []NodeDef, consts map[string]*tensor.RawTensor, outputs []string, cfg ModelConfig) error {
	collection := make([]string, len(outputs))
	for i, out := range outputs {
		collection[i] = TensorName(out)
	}
	model := &SavedModel{
		SchemaVersion: schemaVersion,
		MetaGraphs: []MetaGraph{{
			Version:     metaGraphVer,
			Tags:        []string{TagServe},
			Producer:    serialization.Producer,
			Nodes:       nodes,
			Collections: map[string][]string{InferenceCollection: collection},
			Signatures:  Signatures(sig),
		}},
	}
	pb, err := model.Marshal()
	if err != nil {
		return errs.Wrap(errs.Packaging, stage, SavedModelFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, SavedModelFile), pb, 0o600); err != nil {
		return errs.Wrap(errs.Packaging, stage, SavedModelFile, err)
	}

	vars := filepath.Join(root, VariablesDir)
	if err := os.Mkdir(vars, 0o750); err != nil {
		return errs.Wrap(errs.Packaging, stage, VariablesDir, err)
	}
	header := serialization.Header{
		ModelType: modelType,
		CreatedAt: cfg.CreatedAt,
		Metadata:  map[string]string{"version": p.Version, "run_id": cfg.RunID},
	}
	if err := serialization.WriteFile(filepath.Join(vars, VariablesFile), consts, header); err != nil {
		return errs.Wrap(errs.Packaging, stage, VariablesFile, err)
	}

	assets := filepath.Join(root, AssetsDir)
	if err := os.Mkdir(assets, 0o750); err != nil {
		return errs.Wrap(errs.Packaging, stage, AssetsDir, err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.Packaging, stage, ModelConfigFile, err)
	}
	if err := os.WriteFile(filepath.Join(assets, ModelConfigFile), raw, 0o600); err != nil {
		return errs.Wrap(errs.Packaging, stage, ModelConfigFile, err)
	}
	return nil
}

// nodeDefs converts the graph to wire nodes and collects Const payloads
// keyed by node name.
func nodeDefs(g *graph.Graph) ([]NodeDef, map[string]*tensor.RawTensor, error) {
	nodes := make([]NodeDef, 0, g.Len())
	consts := make(map[string]*tensor.RawTensor)
	for _, n := range g.Nodes() {
		if n.Op == graph.OpVariable {
			return nil, nil, errs.Mismatch(errs.Packaging, stage, n.Name, "a frozen graph", "variable")
		}
		attrs := n.Attrs.Clone()
		if n.Op == graph.OpConst {
			if n.Value == nil {
				return nil, nil, errs.Newf(errs.Packaging, stage, n.Name, "constant has no value")
			}
			attrs["dtype"] = n.Value.DType().String()
			attrs["shape"] = n.Value.Shape().Int64s()
			consts[n.Name] = n.Value
		}
		nodes = append(nodes, NodeDef{
			Name:   n.Name,
			Op:     n.Op.String(),
			Inputs: append([]string(nil), n.Inputs...),
			Device: n.Device,
			Attrs:  attrs,
		})
	}
	return nodes, consts, nil
}

// Loaded is a bundle read back from disk.
type Loaded struct {
	Model *SavedModel
	Graph *graph.Graph
}

// Release drops the constant buffers held by the loaded graph.
func (l *Loaded) Release() {
	if l.Graph != nil {
		l.Graph.Release()
	}
}

// Signature returns the signature registered under key in the serve meta graph.
func (l *Loaded) Signature(key string) (Signature, bool) {
	for _, mg := range l.Model.MetaGraphs {
		for _, tag := range mg.Tags {
			if tag == TagServe {
				sig, ok := mg.Signatures[key]
				return sig, ok
			}
		}
	}
	return Signature{}, false
}

// Load reads a bundle directory and rebuilds its graph with constant
// values restored from the variables file.
func Load(dir string) (*Loaded, error) {
	//nolint:gosec // G304: bundle path comes from the operator
	pb, err := os.ReadFile(filepath.Join(dir, SavedModelFile))
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, "read", SavedModelFile, err)
	}
	model, err := UnmarshalSavedModel(pb)
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, "read", SavedModelFile, err)
	}
	if len(model.MetaGraphs) != 1 {
		return nil, errs.Mismatch(errs.Packaging, "read", SavedModelFile, "1 meta graph", len(model.MetaGraphs))
	}

	r, err := serialization.NewBornReader(filepath.Join(dir, VariablesDir, VariablesFile))
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, "read", VariablesFile, err)
	}
	defer r.Close()
	values, err := r.ReadStateDict()
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, "read", VariablesFile, err)
	}

	b := graph.NewBuilder()
	for _, nd := range model.MetaGraphs[0].Nodes {
		op, err := graph.ParseOp(nd.Op)
		if err != nil {
			return nil, errs.Wrap(errs.Packaging, "read", nd.Name, err)
		}
		n := &graph.Node{Name: nd.Name, Op: op, Inputs: nd.Inputs, Attrs: graph.Attrs(nd.Attrs), Device: nd.Device}
		if op == graph.OpConst {
			v, ok := values[nd.Name]
			if !ok {
				return nil, errs.Mismatch(errs.Packaging, "read", nd.Name, "a stored constant", "missing")
			}
			n.Value = v
			delete(values, nd.Name)
		}
		if err := b.Add(n); err != nil {
			return nil, errs.Wrap(errs.Packaging, "read", nd.Name, err)
		}
	}
	for _, v := range values {
		v.Release()
	}
	g, err := b.Build()
	if err != nil {
		return nil, errs.Wrap(errs.Packaging, "read", SavedModelFile, err)
	}
	return &Loaded{Model: model, Graph: g}, nil
}
