package engine

import (
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

// Graph is the in-memory representation of a workflow used to walk a run.
// Edges from a loop's body back into the loop node are continue markers:
// they are recorded in Continues and never traversed.
type Graph struct {
	Nodes       map[string]*schema.Node    // node ID → definition
	Order       []string                   // authored node order
	Trigger     string                     // the single trigger node
	Out         map[string][]schema.Edge   // node ID → outgoing forward edges
	In          map[string][]string        // node ID → forward predecessors
	Sorted      []string                   // topological order of forward edges
	Descendants map[string]map[string]bool // node ID → nodes reachable through forward edges
	Continues   []schema.Edge              // back-edges into loop nodes
}

// ParseGraph validates a WorkflowDefinition and builds its Graph. It checks
// node ids, the single trigger, edge endpoints and acyclicity once loop
// continue edges are set aside.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:       make(map[string]*schema.Node, len(def.Nodes)),
		Order:       make([]string, 0, len(def.Nodes)),
		Out:         make(map[string][]schema.Edge, len(def.Nodes)),
		In:          make(map[string][]string, len(def.Nodes)),
		Descendants: make(map[string]map[string]bool, len(def.Nodes)),
	}

	// First pass: register nodes and find the trigger.
	var triggers []string
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if node.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has no type", node.ID).WithNode(node.ID)
		}
		if node.Type.IsTrigger() {
			triggers = append(triggers, node.ID)
		}
		g.Nodes[node.ID] = node
		g.Order = append(g.Order, node.ID)
	}
	switch len(triggers) {
	case 0:
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no trigger node")
	case 1:
		g.Trigger = triggers[0]
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow has %d trigger nodes, expected exactly one", len(triggers))
	}

	// Second pass: validate edges.
	all := make(map[string][]schema.Edge, len(def.Nodes))
	for i, e := range def.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent source: %s", edgeName(i, e), e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent target: %s", edgeName(i, e), e.Target)
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", e.Source).WithNode(e.Source)
		}
		if e.Target == g.Trigger {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s targets the trigger node", edgeName(i, e))
		}
		all[e.Source] = append(all[e.Source], e)
	}

	// Third pass: set aside back-edges into loop nodes found by a DFS from
	// the trigger. Any other back-edge closes a real cycle.
	back, err := findBackEdges(g, all)
	if err != nil {
		return nil, err
	}
	for _, id := range g.Order {
		for _, e := range all[id] {
			if back[e] {
				g.Continues = append(g.Continues, e)
				continue
			}
			g.Out[id] = append(g.Out[id], e)
			if !contains(g.In[e.Target], id) {
				g.In[e.Target] = append(g.In[e.Target], id)
			}
		}
	}

	// Kahn's algorithm: topological sort + cycle detection over forward edges.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.In[id])
	}
	queue := make([]string, 0)
	for _, id := range g.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range g.Successors(node, nil) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle that does not pass through a loop node")
	}
	g.Sorted = sorted

	// Descendant sets, computed in reverse topological order.
	for i := len(sorted) - 1; i >= 0; i-- {
		id := sorted[i]
		desc := make(map[string]bool)
		for _, next := range g.Successors(id, nil) {
			desc[next] = true
			for d := range g.Descendants[next] {
				desc[d] = true
			}
		}
		g.Descendants[id] = desc
	}

	return g, nil
}

func findBackEdges(g *Graph, all map[string][]schema.Edge) (map[schema.Edge]bool, error) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.Nodes))
	back := make(map[schema.Edge]bool)

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = onStack
		for _, e := range all[id] {
			switch state[e.Target] {
			case onStack:
				if g.Nodes[e.Target].Type != schema.NodeLoop {
					return schema.NewErrorf(schema.ErrCodeCycleDetected,
						"edge %s -> %s closes a cycle that does not pass through a loop node", e.Source, e.Target).WithNode(e.Source)
				}
				back[e] = true
			case unvisited:
				if err := visit(e.Target); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	if err := visit(g.Trigger); err != nil {
		return nil, err
	}
	// Nodes unreachable from the trigger still must not form cycles.
	for _, id := range g.Order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return back, nil
}

// Successors returns the distinct targets of the forward edges of id whose
// label satisfies match, in edge order. A nil match accepts every edge.
func (g *Graph) Successors(id string, match func(label string) bool) []string {
	var out []string
	for _, e := range g.Out[id] {
		if match != nil && !match(e.Label) {
			continue
		}
		if !contains(out, e.Target) {
			out = append(out, e.Target)
		}
	}
	return out
}

// HasEdge reports whether id has an outgoing forward edge with label.
func (g *Graph) HasEdge(id, label string) bool {
	for _, e := range g.Out[id] {
		if e.Label == label {
			return true
		}
	}
	return false
}

// IsAncestor reports whether b is reachable from a through forward edges.
func (g *Graph) IsAncestor(a, b string) bool {
	return g.Descendants[a][b]
}

// DefaultSuccessors are the targets followed after a plain success: every
// edge except the error, loop body, rejected and timeout routes.
func (g *Graph) DefaultSuccessors(id string) []string {
	return g.Successors(id, isDefaultLabel)
}

// LabeledSuccessors are the targets of edges whose label is one of labels.
func (g *Graph) LabeledSuccessors(id string, labels []string) []string {
	return g.Successors(id, func(l string) bool { return contains(labels, l) })
}

// LoopBody returns the body targets of a loop node. Edges labeled "body"
// form the body; a loop without any uses its unlabeled edges instead.
func (g *Graph) LoopBody(id string) []string {
	if g.HasEdge(id, schema.LabelBody) {
		return g.Successors(id, func(l string) bool { return l == schema.LabelBody })
	}
	return g.Successors(id, func(l string) bool { return l == "" })
}

// LoopExit returns the targets followed once a loop completes: "done" edges,
// plus unlabeled edges when the body is labeled explicitly.
func (g *Graph) LoopExit(id string) []string {
	labeledBody := g.HasEdge(id, schema.LabelBody)
	return g.Successors(id, func(l string) bool {
		return l == schema.LabelDone || (labeledBody && l == "")
	})
}

func isDefaultLabel(label string) bool {
	switch label {
	case schema.LabelError, schema.LabelBody, schema.LabelRejected, schema.LabelTimeout:
		return false
	}
	return true
}

func edgeName(i int, e schema.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("#%d", i)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
