package tree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/IBM/taxinomitis/internal/learning"
)

var palette = [][3]float64{
	{229, 129, 57},
	{57, 229, 129},
	{129, 57, 229},
	{229, 57, 158},
	{57, 158, 229},
	{158, 229, 57},
	{229, 211, 57},
	{57, 229, 211},
}

// Renderer draws decision trees as Graphviz DOT and, when a converter is
// configured, as SVG.
type Renderer struct {
	Converter learning.SVGConverter
}

var _ learning.Renderer = Renderer{}

func (r Renderer) Render(ctx context.Context, model learning.Model) (*learning.Visualisation, error) {
	m, ok := model.(*Model)
	if !ok {
		return nil, fmt.Errorf("decision tree renderer cannot draw %T", model)
	}
	vis := &learning.Visualisation{
		DOT:        m.DOT(),
		Vocabulary: m.FeatureNames(),
	}
	if r.Converter == nil {
		return vis, nil
	}
	svg, err := r.Converter.ToSVG(ctx, vis.DOT)
	if err != nil && !errors.Is(err, learning.ErrNoSVG) {
		return nil, err
	}
	vis.SVG = svg
	return vis, nil
}

// DOT describes the tree in the Graphviz language
func (m *Model) DOT() string {
	var b strings.Builder
	b.WriteString("digraph Tree {\n")
	b.WriteString(`node [shape=box, style="filled, rounded", color="black", fontname="helvetica"] ;` + "\n")
	b.WriteString(`edge [fontname="helvetica"] ;` + "\n")

	for i, n := range m.nodes {
		var lines []string
		if !n.isLeaf() {
			lines = append(lines, fmt.Sprintf("%s <= %s", m.vec.features[n.Feature].Name, formatNumber(n.Threshold)))
		}
		samples := 0.0
		values := make([]string, len(n.Value))
		for c, v := range n.Value {
			samples += v
			values[c] = formatNumber(v)
		}
		lines = append(lines,
			"samples = "+formatNumber(samples),
			"value = ["+strings.Join(values, ", ")+"]",
			"class = "+m.classes[argmax(n.Value)],
		)
		for j := range lines {
			lines[j] = escape(lines[j])
		}
		fmt.Fprintf(&b, "%d [label=\"%s\", fillcolor=\"%s\"] ;\n", i, strings.Join(lines, `\n`), fillColor(n.Value))
	}

	for i, n := range m.nodes {
		if n.isLeaf() {
			continue
		}
		if i == 0 {
			fmt.Fprintf(&b, "0 -> %d [labeldistance=2.5, labelangle=45, headlabel=\"True\"] ;\n", n.Left)
			fmt.Fprintf(&b, "0 -> %d [labeldistance=2.5, labelangle=-45, headlabel=\"False\"] ;\n", n.Right)
			continue
		}
		fmt.Fprintf(&b, "%d -> %d ;\n", i, n.Left)
		fmt.Fprintf(&b, "%d -> %d ;\n", i, n.Right)
	}
	b.WriteString("}")
	return b.String()
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// fillColor shades a node by its majority class, paler as the node gets
// less pure.
func fillColor(values []float64) string {
	total, top, second := 0.0, 0.0, 0.0
	for _, v := range values {
		total += v
		switch {
		case v > top:
			top, second = v, top
		case v > second:
			second = v
		}
	}
	alpha := 0.0
	if total > 0 && top > 0 {
		alpha = (top - second) / top
	}
	rgb := palette[argmax(values)%len(palette)]
	var hex strings.Builder
	hex.WriteByte('#')
	for _, c := range rgb {
		fmt.Fprintf(&hex, "%02x", int(math.Round(alpha*c+(1-alpha)*255)))
	}
	return hex.String()
}
