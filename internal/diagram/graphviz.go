package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the Graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage renders a Model through Graphviz dot layout.
func RenderImage(ctx context.Context, model *Model, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG:
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		n.SetLabel(firstLine(node.Label) + "\n" + node.Type)
		applyNodeStyle(n, node)
		gvNodes[node.ID] = n
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Continue {
			e.SetStyle(cgraph.DashedEdgeStyle)
			e.SetConstraint(false)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindTrigger:
		n.SetShape(cgraph.CircleShape)
	case NodeKindBranch:
		n.SetShape(cgraph.DiamondShape)
	case NodeKindApproval:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		n.SetShape(cgraph.EllipseShape)
	default:
		n.SetShape(cgraph.BoxShape)
	}
	if node.Status == nil {
		return
	}

	n.SetStyle(cgraph.FilledNodeStyle)
	switch node.Status.Status {
	case "succeeded":
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case "failed":
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case "waiting":
		n.SetFillColor("#b7791a")
		n.SetFontColor("white")
	case "stopped":
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
