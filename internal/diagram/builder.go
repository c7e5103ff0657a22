package diagram

import (
	"fmt"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Build constructs a Model from a definition and, optionally, the node
// records of a run. Topology comes from engine.ParseGraph, so anything the
// engine rejects is rejected here too.
func Build(def *schema.WorkflowDefinition, records []*store.NodeExecution) (*Model, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	overlays := overlay(records)
	m := &Model{Title: titleFromDef(def)}
	for _, id := range g.Order {
		n := g.Nodes[id]
		m.Nodes = append(m.Nodes, &Node{
			ID:     id,
			Label:  nodeLabel(n),
			Type:   string(n.Type),
			Kind:   kindOf(n.Type),
			Status: overlays[id],
		})
	}
	for _, id := range g.Order {
		for _, e := range g.Out[id] {
			m.Edges = append(m.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label})
		}
	}
	for _, e := range g.Continues {
		m.Edges = append(m.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label, Continue: true})
	}
	m.Levels = levels(g)
	return m, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTrigger, schema.NodeWebhookTrigger, schema.NodeScheduleTrigger:
		return NodeKindTrigger
	case schema.NodeFilter, schema.NodePath, schema.NodeRouter:
		return NodeKindBranch
	case schema.NodeLoop:
		return NodeKindLoop
	case schema.NodeWaitForTime, schema.NodeWaitForEvent:
		return NodeKindWait
	case schema.NodeHumanApproval:
		return NodeKindApproval
	default:
		return NodeKindProvider
	}
}

func nodeLabel(n *schema.Node) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, n.Type)
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

// overlay keeps the latest record of every node. Records arrive in append
// order, so a later record wins.
func overlay(records []*store.NodeExecution) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, r := range records {
		o, ok := out[r.NodeID]
		if !ok {
			o = &StatusOverlay{}
			out[r.NodeID] = o
		}
		o.Attempts++
		o.Status = string(r.Status)
		o.DurationMs = r.DurationMs
		o.Error = r.Error
	}
	return out
}

// levels groups nodes by their longest forward distance from a root.
func levels(g *engine.Graph) [][]string {
	depth := make(map[string]int, len(g.Sorted))
	maxDepth := 0
	for _, id := range g.Sorted {
		d := 0
		for _, p := range g.In[id] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	out := make([][]string, maxDepth+1)
	for _, id := range g.Order {
		out[depth[id]] = append(out[depth[id]], id)
	}
	return out
}
