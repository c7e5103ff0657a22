package schema

// WorkflowDefinition is the JSON-serializable workflow graph.
// Nodes keep their authored order; edges connect node ids.
type WorkflowDefinition struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	RevisionID string         `json:"revision_id,omitempty"`
	Nodes      []Node         `json:"nodes"`
	Edges      []Edge         `json:"edges"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Node is a unit of work in a workflow graph.
// Config values are literals or strings containing {{path}} references.
type Node struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Retry  *RetryPolicy   `json:"retry,omitempty"`
}

// Edge connects two nodes. Label selects the edge for branching nodes.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Reserved edge labels.
const (
	LabelError    = "error"
	LabelBody     = "body"
	LabelDone     = "done"
	LabelApproved = "approved"
	LabelRejected = "rejected"
	LabelTimeout  = "timeout"
)

// NodeType identifies the handler for a node. The constants below are the
// built-in kinds; any other value is looked up among registered provider handlers.
type NodeType string

const (
	NodeTrigger         NodeType = "trigger"
	NodeWebhookTrigger  NodeType = "webhook_trigger"
	NodeScheduleTrigger NodeType = "schedule_trigger"
	NodeFilter          NodeType = "filter"
	NodePath            NodeType = "path"
	NodeRouter          NodeType = "router"
	NodeLoop            NodeType = "loop"
	NodeWaitForTime     NodeType = "wait_for_time"
	NodeWaitForEvent    NodeType = "wait_for_event"
	NodeHumanApproval   NodeType = "human_approval"
)

// BuiltinNodeTypes lists every built-in kind.
var BuiltinNodeTypes = []NodeType{
	NodeTrigger, NodeWebhookTrigger, NodeScheduleTrigger,
	NodeFilter, NodePath, NodeRouter, NodeLoop,
	NodeWaitForTime, NodeWaitForEvent, NodeHumanApproval,
}

// IsBuiltin reports whether t is one of the built-in kinds.
func (t NodeType) IsBuiltin() bool {
	for _, b := range BuiltinNodeTypes {
		if b == t {
			return true
		}
	}
	return false
}

// IsTrigger reports whether t roots a workflow.
func (t NodeType) IsTrigger() bool {
	return t == NodeTrigger || t == NodeWebhookTrigger || t == NodeScheduleTrigger
}

// IsSuspension reports whether t halts the run pending an external resume.
func (t NodeType) IsSuspension() bool {
	return t == NodeWaitForTime || t == NodeWaitForEvent || t == NodeHumanApproval
}

// IsConditional reports whether t evaluates ConditionalPaths against raw config.
func (t NodeType) IsConditional() bool {
	return t == NodeFilter || t == NodePath || t == NodeRouter
}

// RetryPolicy configures re-dispatch of a node whose handler failed.
type RetryPolicy struct {
	MaxAttempts int    `json:"maxAttempts"`
	Backoff     string `json:"backoff,omitempty"` // none | fixed | linear | exponential (default: none)
	Delay       string `json:"delay,omitempty"`
	MaxDelay    string `json:"maxDelay,omitempty"`
}

// Condition compares the value at Field against Value.
type Condition struct {
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      any    `json:"value,omitempty"`
	IsVariable bool   `json:"isVariable,omitempty"`
}

// ConditionalPath is a named group of conditions combined with LogicOperator.
// Expression is an optional CEL guard evaluated alongside the conditions.
type ConditionalPath struct {
	ID            string      `json:"id,omitempty"`
	Name          string      `json:"name,omitempty"`
	Conditions    []Condition `json:"conditions"`
	LogicOperator string      `json:"logicOperator,omitempty"`
	Expression    string      `json:"expression,omitempty"`
}

// Logic operators for ConditionalPath.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// FilterConfig is the config block of a filter node.
type FilterConfig struct {
	Paths         []ConditionalPath `json:"paths,omitempty"`
	Conditions    []Condition       `json:"conditions,omitempty"`
	LogicOperator string            `json:"logicOperator,omitempty"`
	StopMessage   string            `json:"stopMessage,omitempty"`
}

// BranchConfig is the config block of path and router nodes.
type BranchConfig struct {
	Paths       []ConditionalPath `json:"paths"`
	DefaultPath string            `json:"defaultPath,omitempty"`
	Mode        string            `json:"mode,omitempty"` // router only: all | first (default: all)
}

// Router modes.
const (
	RouterModeAll   = "all"
	RouterModeFirst = "first"
)

// LoopMode selects how a loop node iterates.
type LoopMode string

const (
	LoopModeItems LoopMode = "items"
	LoopModeCount LoopMode = "count"
)

// MaxLoopCount caps count-mode loops.
const MaxLoopCount = 500

// LoopConfig is the config block of a loop node.
type LoopConfig struct {
	LoopMode      LoopMode `json:"loopMode,omitempty"`
	Items         any      `json:"items,omitempty"`
	BatchSize     int      `json:"batchSize,omitempty"`
	Count         int      `json:"count,omitempty"`
	InitialValue  float64  `json:"initialValue,omitempty"`
	StepIncrement *float64 `json:"stepIncrement,omitempty"`
}

// WaitForTimeConfig is the config block of a wait_for_time node.
// Exactly one of Duration, Amount+Unit or Until is expected.
type WaitForTimeConfig struct {
	Duration string  `json:"duration,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Until    string  `json:"until,omitempty"`
}

// WaitForEventConfig is the config block of a wait_for_event node.
type WaitForEventConfig struct {
	EventKey    string `json:"eventKey,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	Description string `json:"description,omitempty"`
}

// HumanApprovalConfig is the config block of a human_approval node.
type HumanApprovalConfig struct {
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}
