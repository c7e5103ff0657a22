package schema

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusStopped
}

// NodeStatus is the outcome recorded for one node execution.
type NodeStatus string

const (
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusStopped   NodeStatus = "stopped"
	NodeStatusWaiting   NodeStatus = "waiting"
)

// WaitKind identifies which suspension primitive created a wait.
type WaitKind string

const (
	WaitKindTime     WaitKind = "time"
	WaitKindEvent    WaitKind = "event"
	WaitKindApproval WaitKind = "approval"
)

// WaitStatus is the lifecycle of a resume key.
type WaitStatus string

const (
	WaitStatusPending   WaitStatus = "pending"
	WaitStatusResolved  WaitStatus = "resolved"
	WaitStatusCancelled WaitStatus = "cancelled"
)
