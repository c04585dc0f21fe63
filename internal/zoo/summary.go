package zoo

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/tbdy/yolov2/internal/graph"
	"github.com/tbdy/yolov2/internal/tensor"
)

// SummaryRow describes one layer of a model.
type SummaryRow struct {
	Layer  string
	Ops    string
	Output tensor.Shape
	Params int
}

// Summarize groups graph nodes into layers by the name prefix before the
// first "." and reports each layer's ops, output shape and parameter count.
func Summarize(g *graph.Graph) ([]SummaryRow, error) {
	specs, err := graph.InferShapes(g)
	if err != nil {
		return nil, err
	}

	var rows []SummaryRow
	index := make(map[string]int)
	for _, n := range g.Nodes() {
		layer, _, _ := strings.Cut(n.Name, ".")
		i, ok := index[layer]
		if !ok {
			i = len(rows)
			index[layer] = i
			rows = append(rows, SummaryRow{Layer: layer})
		}
		row := &rows[i]
		if n.Op == graph.OpVariable || n.Op == graph.OpConst && n.Name != layer {
			if spec, ok := specs.Lookup(n.Name); ok {
				row.Params += spec.Shape.NumElements()
			}
			continue
		}
		if row.Ops != "" {
			row.Ops += "+"
		}
		row.Ops += n.Op.String()
		if spec, ok := specs.Lookup(n.Name); ok {
			row.Output = spec.Shape
		}
	}
	return rows, nil
}

// TotalParams sums the parameter counts of rows.
func TotalParams(rows []SummaryRow) int {
	total := 0
	for _, r := range rows {
		total += r.Params
	}
	return total
}

// FormatSummary renders rows as an aligned table.
func FormatSummary(rows []SummaryRow) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Layer\tOps\tOutput Shape\tParam #")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\n", r.Layer, r.Ops, r.Output, r.Params)
	}
	fmt.Fprintf(w, "Total params: %d\t\t\t\n", TotalParams(rows))
	_ = w.Flush() //nolint:errcheck // strings.Builder never fails
	return sb.String()
}
