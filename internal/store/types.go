package store

import (
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Workflow is a saved workflow definition. RevisionID changes on every save.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	RevisionID string                    `json:"revision_id"`
	UserID     string                    `json:"user_id,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Run is one execution of a workflow. Definition is the snapshot the run
// started with, so a resumed run never observes later edits. Metadata carries
// the engine cursor while the run is waiting.
type Run struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflow_id"`
	RevisionID     string                    `json:"revision_id,omitempty"`
	UserID         string                    `json:"user_id,omitempty"`
	Status         schema.RunStatus          `json:"status"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	TriggerPayload map[string]any            `json:"trigger_payload,omitempty"`
	Error          string                    `json:"error,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// NodeExecution is one append-only record of a node call. Retries and loop
// re-entries each produce a new record.
type NodeExecution struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	RunID      string            `json:"run_id"`
	NodeID     string            `json:"node_id"`
	NodeType   string            `json:"node_type"`
	Attempt    int               `json:"attempt"`
	Status     schema.NodeStatus `json:"status"`
	Input      map[string]any    `json:"input,omitempty"`
	Output     map[string]any    `json:"output,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Wait is the resume-key record of a suspended node.
type Wait struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	WorkflowID  string            `json:"workflow_id"`
	NodeID      string            `json:"node_id"`
	Kind        schema.WaitKind   `json:"kind"`
	ResumeKey   string            `json:"resume_key"`
	ResumeAt    *time.Time        `json:"resume_at,omitempty"`
	Description string            `json:"description,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
	Input       map[string]any    `json:"input,omitempty"`
	Status      schema.WaitStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// Schedule starts runs of a schedule_trigger workflow on a cron expression.
type Schedule struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	UserID         string         `json:"user_id,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Payload        map[string]any `json:"payload,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Subscription delivers run events to an outside URL. SecretKey, when set,
// signs every delivery body.
type Subscription struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Name           string            `json:"name"`
	EventTypes     []string          `json:"event_types"`
	TargetURL      string            `json:"target_url"`
	SecretKey      string            `json:"secret_key,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Active         bool              `json:"active"`
	LastDeliveryAt *time.Time        `json:"last_delivery_at,omitempty"`
	LastStatus     int               `json:"last_status,omitempty"`
	FailureCount   int               `json:"failure_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left as is.
type RunUpdate struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	Error      *string           `json:"error,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
// StartedFrom is inclusive and StartedBefore exclusive. Zero bounds are open.
type RunFilter struct {
	WorkflowID    string            `json:"workflow_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Status        *schema.RunStatus `json:"status,omitempty"`
	StartedFrom   time.Time         `json:"started_from"`
	StartedBefore time.Time         `json:"started_before"`
	Limit         int               `json:"limit,omitempty"`
}

// WaitFilter specifies criteria for listing waits.
type WaitFilter struct {
	RunID  string             `json:"run_id,omitempty"`
	Status *schema.WaitStatus `json:"status,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// SubscriptionUpdate specifies mutable fields of a subscription. Nil fields
// are left as is.
type SubscriptionUpdate struct {
	Name       *string           `json:"name,omitempty"`
	EventTypes []string          `json:"event_types,omitempty"`
	TargetURL  *string           `json:"target_url,omitempty"`
	SecretKey  *string           `json:"secret_key,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Active     *bool             `json:"active,omitempty"`
}

// DeliveryResult is the outcome of one webhook delivery. A status outside
// 2xx, or zero for a transport error, counts as a failure.
type DeliveryResult struct {
	At     time.Time
	Status int
}

// Succeeded reports whether the target accepted the delivery.
func (d DeliveryResult) Succeeded() bool { return d.Status >= 200 && d.Status < 300 }

// SubscriptionFilter specifies criteria for listing subscriptions.
type SubscriptionFilter struct {
	UserID     string `json:"user_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}
