package engine

import (
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// cursorKey is the run metadata key holding the persisted cursor.
const cursorKey = "cursor"

// workItem is one node waiting to be dispatched. Reentry marks a loop node
// coming back after its body drained. Input, when set, replaces the merged
// predecessor outputs (error routes carry the failure this way).
type workItem struct {
	NodeID  string         `json:"node_id"`
	Reentry bool           `json:"reentry,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// frame is the ready set of one scope. The root frame has no loop; every
// active loop iteration pushes a frame holding its body.
type frame struct {
	LoopNodeID string     `json:"loop_node_id,omitempty"`
	Ready      []workItem `json:"ready"`
}

// cursor is where a run stands: the frame stack plus whether any branch
// was stopped by a filter or rejection.
type cursor struct {
	Frames  []frame `json:"frames"`
	Stopped bool    `json:"stopped,omitempty"`
}

func newCursor() cursor {
	return cursor{Frames: []frame{{Ready: []workItem{}}}}
}

func (c *cursor) top() *frame {
	if len(c.Frames) == 0 {
		c.Frames = []frame{{Ready: []workItem{}}}
	}
	return &c.Frames[len(c.Frames)-1]
}

func (c *cursor) push(loopNodeID string, ready []workItem) {
	c.Frames = append(c.Frames, frame{LoopNodeID: loopNodeID, Ready: ready})
}

func (c *cursor) pop() frame {
	f := c.Frames[len(c.Frames)-1]
	c.Frames = c.Frames[:len(c.Frames)-1]
	return f
}

// enqueue adds items to the top frame, skipping nodes already ready there.
func (c *cursor) enqueue(items ...workItem) {
	f := c.top()
	for _, it := range items {
		if f.has(it.NodeID) {
			continue
		}
		f.Ready = append(f.Ready, it)
	}
}

func (c *cursor) enqueueNodes(ids []string) {
	for _, id := range ids {
		c.enqueue(workItem{NodeID: id})
	}
}

func (f *frame) has(nodeID string) bool {
	for _, it := range f.Ready {
		if it.NodeID == nodeID {
			return true
		}
	}
	return false
}

// nextWave removes and returns the items of f that can run now: those with
// no ancestor still ready in the same frame. A loop node always runs alone
// because its result reshapes the frame stack.
func (f *frame) nextWave(g *Graph) []workItem {
	var eligible []int
	for i, it := range f.Ready {
		blocked := false
		for j, other := range f.Ready {
			if i != j && other.NodeID != it.NodeID && g.IsAncestor(other.NodeID, it.NodeID) {
				blocked = true
				break
			}
		}
		if !blocked {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		// Unreachable for an acyclic graph; drain in order to guarantee progress.
		eligible = []int{0}
	}

	pick := make(map[int]bool, len(eligible))
	for _, i := range eligible {
		if isLoop(g, f.Ready[i].NodeID) {
			if len(pick) == 0 {
				pick[i] = true
			}
			break
		}
		pick[i] = true
	}

	var wave, rest []workItem
	for i, it := range f.Ready {
		if pick[i] {
			wave = append(wave, it)
		} else {
			rest = append(rest, it)
		}
	}
	if rest == nil {
		rest = []workItem{}
	}
	f.Ready = rest
	return wave
}

func isLoop(g *Graph, id string) bool {
	n, ok := g.Nodes[id]
	return ok && n.Type == schema.NodeLoop
}

func (c cursor) toMetadata() map[string]any {
	var m map[string]any
	if err := xjson.Convert(c, &m); err != nil {
		return map[string]any{}
	}
	return map[string]any{cursorKey: m}
}

func cursorFromMetadata(md map[string]any) (cursor, bool) {
	raw, ok := md[cursorKey]
	if !ok || raw == nil {
		return cursor{}, false
	}
	var c cursor
	if err := xjson.Convert(raw, &c); err != nil || len(c.Frames) == 0 {
		return cursor{}, false
	}
	for i := range c.Frames {
		if c.Frames[i].Ready == nil {
			c.Frames[i].Ready = []workItem{}
		}
	}
	return c, true
}
