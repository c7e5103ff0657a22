package expressions

import "github.com/rendis/chainflow/internal/xjson"

// TriggerKey is the context key under which the trigger payload is exposed.
const TriggerKey = "trigger"

// Context is the data-flow context for one node dispatch: the trigger payload
// plus the latest output of every node executed so far, keyed by node id.
// Values are deep copies, so a handler mutating what it resolved cannot leak
// into sibling branches or stored records.
type Context map[string]any

// NewContext seeds a context with the trigger payload, reachable both as
// {{trigger.*}} and under the trigger node's own id.
func NewContext(triggerNodeID string, payload map[string]any) Context {
	c := Context{TriggerKey: deepCopyMap(orEmpty(payload))}
	if triggerNodeID != "" && triggerNodeID != TriggerKey {
		c[triggerNodeID] = deepCopyMap(orEmpty(payload))
	}
	return c
}

// Set records the output of a node, replacing any earlier output for that id.
func (c Context) Set(nodeID string, output map[string]any) {
	if nodeID == TriggerKey {
		return
	}
	c[nodeID] = deepCopyMap(orEmpty(output))
}

// Map returns the context as a plain map snapshot.
func (c Context) Map() map[string]any {
	return deepCopyMap(c)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices; primitives are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Context:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case []map[string]any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyMap(item)
		}
		return cp
	case xjson.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(xjson.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
