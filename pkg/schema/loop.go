package schema

import "time"

// LoopState is the persisted cursor of one loop activation. It is stored in
// the loop node's execution record and read back before the next iteration.
type LoopState struct {
	Mode          LoopMode `json:"mode"`
	Items         []any    `json:"items,omitempty"`
	BatchSize     int      `json:"batchSize,omitempty"`
	Count         int      `json:"count,omitempty"`
	InitialValue  float64  `json:"initialValue,omitempty"`
	StepIncrement float64  `json:"stepIncrement,omitempty"`
	CurrentIndex  int      `json:"currentIndex"`
	Iteration     int      `json:"iteration"`
	TotalItems    int      `json:"totalItems"`
	Finished      bool     `json:"finished,omitempty"`
}

// LoopIteration is the output of one loop call.
type LoopIteration struct {
	Iteration          int     `json:"iteration"`
	Index              int     `json:"index"`
	Batch              []any   `json:"batch,omitempty"`
	Item               any     `json:"item,omitempty"`
	Counter            float64 `json:"counter,omitempty"`
	IsFirst            bool    `json:"isFirst"`
	IsLast             bool    `json:"isLast"`
	ProgressPercentage int     `json:"progressPercentage"`
	TotalItems         int     `json:"totalItems"`
	BatchSize          int     `json:"batchSize,omitempty"`
	Empty              bool    `json:"empty,omitempty"`
}

// Suspension asks the engine to persist the run and halt until resumed.
type Suspension struct {
	Kind        WaitKind       `json:"kind"`
	ResumeKey   string         `json:"resume_key,omitempty"`
	ResumeAt    *time.Time     `json:"resume_at,omitempty"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}
