package serving

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tbdy/yolov2/internal/graph"
)

// Trace file names under TraceDir.
const (
	DotFile   = "graph.dot"
	PbtxtFile = "graph.pbtxt"
)

// WriteTrace writes the Graphviz and text renderings of g into dir,
// replacing earlier traces.
func WriteTrace(dir string, g *graph.Graph) error {
	specs, err := graph.InferShapes(g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, DotFile), func(w io.Writer) error { return WriteDot(w, g, specs) }); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, PbtxtFile), func(w io.Writer) error { return WritePbtxt(w, g, specs) })
}

// publishTrace moves rendered trace files from src into dst.
func publishTrace(src, dst string) error {
	for _, name := range []string{DotFile, PbtxtFile} {
		if err := os.Rename(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, fill func(io.Writer) error) (err error) {
	//nolint:gosec // G304: trace path is under the operator's output dir
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteDot renders g as a Graphviz digraph. Edges are labeled with the
// shape of the tensor they carry.
func WriteDot(w io.Writer, g *graph.Graph, specs graph.Specs) error {
	var sb strings.Builder
	sb.WriteString("digraph yolov2 {\n")
	sb.WriteString("  rankdir=TB;\n  node [shape=box, fontname=\"Helvetica\"];\n")
	for _, n := range g.Nodes() {
		label := n.Name + "\\n" + n.Op.String()
		style := ""
		switch n.Op {
		case graph.OpConst:
			style = ", style=filled, fillcolor=\"#eeeeee\""
		case graph.OpPlaceholder, graph.OpIdentity:
			style = ", style=filled, fillcolor=\"#cde4ff\""
		}
		fmt.Fprintf(&sb, "  %s [label=\"%s\"%s];\n", strconv.Quote(n.Name), label, style)
	}
	for _, n := range g.Nodes() {
		for _, in := range n.Inputs {
			src, _ := graph.ParseRef(in)
			label := ""
			if spec, ok := specs.Lookup(in); ok {
				label = spec.Shape.String()
			}
			fmt.Fprintf(&sb, "  %s -> %s [label=%s];\n", strconv.Quote(src), strconv.Quote(n.Name), strconv.Quote(label))
		}
	}
	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// WritePbtxt renders g in a GraphDef-like text form.
func WritePbtxt(w io.Writer, g *graph.Graph, specs graph.Specs) error {
	var sb strings.Builder
	for _, n := range g.Nodes() {
		sb.WriteString("node {\n")
		fmt.Fprintf(&sb, "  name: %s\n", strconv.Quote(n.Name))
		fmt.Fprintf(&sb, "  op: %s\n", strconv.Quote(n.Op.String()))
		for _, in := range n.Inputs {
			fmt.Fprintf(&sb, "  input: %s\n", strconv.Quote(in))
		}
		if n.Device != "" {
			fmt.Fprintf(&sb, "  device: %s\n", strconv.Quote(n.Device))
		}
		for _, key := range n.Attrs.Keys() {
			fmt.Fprintf(&sb, "  attr { key: %s value: %s }\n", strconv.Quote(key), graph.FormatAttr(n.Attrs[key]))
		}
		if n.Value != nil {
			fmt.Fprintf(&sb, "  value { dtype: %s shape: %s }\n", n.Value.DType(), n.Value.Shape())
		}
		for _, spec := range specs[n.Name] {
			fmt.Fprintf(&sb, "  output { dtype: %s shape: %s }\n", spec.DType, spec.Shape)
		}
		sb.WriteString("}\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
