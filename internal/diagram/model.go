// Package diagram renders workflow graphs, optionally overlaid with the
// state of a run, as Mermaid, ASCII boxes or Graphviz images.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTrigger  NodeKind = "trigger"
	NodeKindProvider NodeKind = "provider"
	NodeKindBranch   NodeKind = "branch"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWait     NodeKind = "wait"
	NodeKindApproval NodeKind = "approval"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node.
type Node struct {
	ID     string
	Label  string
	Type   string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the latest record of a node in a run.
type StatusOverlay struct {
	Status     string // schema.NodeStatus
	Attempts   int
	DurationMs int64
	Error      string
}

// Edge is a connection between two nodes. Continue marks a loop
// back-edge.
type Edge struct {
	From     string
	To       string
	Label    string
	Continue bool
}

// Node returns the node with the given id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
