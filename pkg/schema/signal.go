package schema

// SignalType enumerates the ways a waiting run can be resumed.
type SignalType string

const (
	SignalEvent    SignalType = "event"
	SignalTimer    SignalType = "timer"
	SignalDecision SignalType = "decision"
	SignalCancel   SignalType = "cancel"
)

// Decision is a human-in-the-loop verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionEdit    Decision = "edit"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionEdit
}

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalEvent, SignalTimer, SignalDecision, SignalCancel:
		return true
	}
	return false
}

// Signal resumes a waiting run. NodeID or ResumeKey narrows which pending
// wait it resolves; when both are empty the oldest pending wait is used.
type Signal struct {
	Type      SignalType     `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	ResumeKey string         `json:"resume_key,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Decision  Decision       `json:"decision,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Edits     map[string]any `json:"edits,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}
