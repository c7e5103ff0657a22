package engine

import (
	"context"
	"sync"

	"github.com/rendis/chainflow/pkg/schema"
)

// TransitionHook is called before or after a run transition. A before hook
// returning an error aborts the transition.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus) error

// StatusSwapper persists a run status change only if the current status
// matches from. The store satisfies it.
type StatusSwapper interface {
	TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) (bool, error)
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions and applies them through a
// compare-and-swap on the store.
type RunFSM struct {
	mu      sync.Mutex
	swapper StatusSwapper
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM persisting through swapper.
func NewRunFSM(swapper StatusSwapper) *RunFSM {
	return &RunFSM{
		swapper: swapper,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a successful run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from → to and swaps the stored status. It reports
// false without error when another caller changed the status first; after
// hooks only run when the swap happened.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) (bool, error) {
	if !IsValidRunTransition(from, to) {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, runID, from, to); err != nil {
			return false, err
		}
	}

	swapped, err := f.swapper.TransitionRun(ctx, runID, from, to)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "transition run %s: %s", runID, err.Error()).WithCause(err)
	}
	if !swapped {
		return false, nil
	}

	for _, hook := range after {
		if err := hook(ctx, runID, from, to); err != nil {
			return true, err
		}
	}
	return true, nil
}

// IsValidRunTransition reports whether the lifecycle allows from → to.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusStopped},
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusStopped},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusStopped:   {},
}
