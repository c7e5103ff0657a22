// Package streaming fans run events out to live subscribers.
package streaming

import (
	"context"
	"time"
)

// Event types.
const (
	EventRunStatus  = "run.status"
	EventNodeRecord = "node.record"
)

// RunEvent is emitted when a run changes status or a node record is
// appended.
type RunEvent struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	From       string    `json:"from,omitempty"`
	Status     string    `json:"status"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Publisher accepts run events.
type Publisher interface {
	Publish(ctx context.Context, event RunEvent) error
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan RunEvent, func(), error)
}
