package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	// TransitionRun sets the status to `to` only if it is currently `from`.
	// It reports whether the swap happened.
	TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) (bool, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Node executions (append-only)
	AppendNodeExecution(ctx context.Context, rec *NodeExecution) error
	ListNodeExecutions(ctx context.Context, runID string) ([]*NodeExecution, error)

	// Waits
	CreateWait(ctx context.Context, w *Wait) error
	// GetWaitByKey returns the oldest pending wait with the given resume key.
	GetWaitByKey(ctx context.Context, key string) (*Wait, error)
	ListWaits(ctx context.Context, filter WaitFilter) ([]*Wait, error)
	// ResolveWait moves a pending wait to status. It reports false when the
	// wait was no longer pending.
	ResolveWait(ctx context.Context, id string, status schema.WaitStatus) (bool, error)
	ListDueWaits(ctx context.Context, now time.Time) ([]*Wait, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Schedules
	CreateSchedule(ctx context.Context, sch *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) error
	// RecordDelivery stamps the last delivery. A failure increments the
	// failure count and a success resets it.
	RecordDelivery(ctx context.Context, id string, result DeliveryResult) error
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// The prepare helpers fill ids and timestamps the same way for every backend.

func prepareWorkflow(wf *Workflow) {
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = wf.Definition.ID
	}
	if wf.ID == "" {
		wf.ID = newID()
	}
	if wf.Name == "" {
		wf.Name = wf.Definition.Name
	}
	wf.RevisionID = newID()
	wf.Definition.ID = wf.ID
	wf.Definition.RevisionID = wf.RevisionID
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
}

func prepareRun(run *Run) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	run.UpdatedAt = time.Now().UTC()
}

func prepareNodeExecution(rec *NodeExecution) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Attempt < 1 {
		rec.Attempt = 1
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
}

func prepareWait(w *Wait) {
	if w.ID == "" {
		w.ID = newID()
	}
	if w.Status == "" {
		w.Status = schema.WaitStatusPending
	}
	w.CreatedAt = timeOrNow(w.CreatedAt)
}

// within reports whether t falls inside the filter's start window.
func (f RunFilter) within(t time.Time) bool {
	if !f.StartedFrom.IsZero() && t.Before(f.StartedFrom) {
		return false
	}
	return f.StartedBefore.IsZero() || t.Before(f.StartedBefore)
}

func prepareSubscription(sub *Subscription) {
	if sub.ID == "" {
		sub.ID = newID()
	}
	if sub.EventTypes == nil {
		sub.EventTypes = []string{}
	}
	sub.CreatedAt = timeOrNow(sub.CreatedAt)
	sub.UpdatedAt = time.Now().UTC()
}

func newID() string { return uuid.New().String() }
