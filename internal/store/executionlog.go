package store

import (
	"context"
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

// ExecutionLog reads and appends the per-run node execution history.
type ExecutionLog struct {
	store Store
}

// NewExecutionLog wraps a Store to provide replay over node executions.
func NewExecutionLog(s Store) *ExecutionLog {
	return &ExecutionLog{store: s}
}

// Append records one node execution.
func (l *ExecutionLog) Append(ctx context.Context, rec *NodeExecution) error {
	if rec.RunID == "" || rec.NodeID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node execution requires run_id and node_id")
	}
	return l.store.AppendNodeExecution(ctx, rec)
}

// Replay is the reconstructed state of a run from its execution records.
type Replay struct {
	// Records in replay order: created_at ascending, then insertion sequence.
	Records []*NodeExecution
	// Latest is the last record of every node, whatever its status.
	Latest map[string]*NodeExecution
	// Outputs is the output of the last succeeded record of every node.
	Outputs map[string]map[string]any
}

// Replay loads every record of runID and folds them into a Replay.
func (l *ExecutionLog) Replay(ctx context.Context, runID string) (*Replay, error) {
	records, err := l.store.ListNodeExecutions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions for replay: %w", err)
	}
	return ReplayRecords(records), nil
}

// ReplayRecords folds already ordered records into a Replay.
func ReplayRecords(records []*NodeExecution) *Replay {
	r := &Replay{
		Records: records,
		Latest:  make(map[string]*NodeExecution),
		Outputs: make(map[string]map[string]any),
	}
	for _, rec := range records {
		r.Latest[rec.NodeID] = rec
		if rec.Status == schema.NodeStatusSucceeded {
			r.Outputs[rec.NodeID] = rec.Output
		}
	}
	return r
}

// Attempts counts the records of nodeID.
func (r *Replay) Attempts(nodeID string) int {
	n := 0
	for _, rec := range r.Records {
		if rec.NodeID == nodeID {
			n++
		}
	}
	return n
}
