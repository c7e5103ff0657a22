package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are copied through JSON on the
// way in and out, so callers observe the same typing as with LibSQLStore.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*Run
	records   map[string][]*NodeExecution
	waits     map[string]*Wait
	secrets   map[string][]byte
	schedules map[string]*Schedule
	subs      map[string]*Subscription
	seq       int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*Run),
		records:   make(map[string][]*NodeExecution),
		waits:     make(map[string]*Wait),
		secrets:   make(map[string][]byte),
		schedules: make(map[string]*Schedule),
		subs:      make(map[string]*Subscription),
	}
}

func clone[T any](v *T) *T {
	data, err := xjson.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := xjson.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Vacuum(context.Context) error  { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareWorkflow(wf)
	if existing, ok := s.workflows[wf.ID]; ok {
		wf.CreatedAt = existing.CreatedAt
	}
	s.workflows[wf.ID] = clone(wf)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return clone(wf), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if filter.UserID != "" && wf.UserID != filter.UserID {
			continue
		}
		out = append(out, clone(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareRun(run)
	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	s.runs[run.ID] = clone(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return clone(run), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.Metadata != nil {
		run.Metadata = *clone(&update.Metadata)
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		run.FinishedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TransitionRun(_ context.Context, id string, from, to schema.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, storeNotFound("run", id)
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if !filter.within(run.StartedAt) {
			continue
		}
		out = append(out, clone(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, 0, filter.Limit), nil
}

// --- Node executions ---

func (s *MemoryStore) AppendNodeExecution(_ context.Context, rec *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "append node execution: run %q does not exist", rec.RunID)
	}
	prepareNodeExecution(rec)
	s.seq++
	rec.Seq = s.seq
	s.records[rec.RunID] = append(s.records[rec.RunID], clone(rec))
	return nil
}

func (s *MemoryStore) ListNodeExecutions(_ context.Context, runID string) ([]*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.records[runID]
	out := make([]*NodeExecution, 0, len(src))
	for _, rec := range src {
		out = append(out, clone(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// --- Waits ---

func (s *MemoryStore) CreateWait(_ context.Context, w *Wait) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareWait(w)
	if _, ok := s.waits[w.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "wait %q already exists", w.ID)
	}
	s.waits[w.ID] = clone(w)
	return nil
}

func (s *MemoryStore) GetWaitByKey(_ context.Context, key string) (*Wait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Wait
	for _, w := range s.sortedWaits() {
		if w.ResumeKey == key && w.Status == schema.WaitStatusPending {
			found = w
			break
		}
	}
	if found == nil {
		return nil, storeNotFound("wait", key)
	}
	return clone(found), nil
}

func (s *MemoryStore) ListWaits(_ context.Context, filter WaitFilter) ([]*Wait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Wait
	for _, w := range s.sortedWaits() {
		if filter.RunID != "" && w.RunID != filter.RunID {
			continue
		}
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		out = append(out, clone(w))
	}
	return out, nil
}

func (s *MemoryStore) ResolveWait(_ context.Context, id string, status schema.WaitStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waits[id]
	if !ok || w.Status != schema.WaitStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	w.Status = status
	w.ResolvedAt = &now
	return true, nil
}

func (s *MemoryStore) ListDueWaits(_ context.Context, now time.Time) ([]*Wait, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Wait
	for _, w := range s.sortedWaits() {
		if w.Status == schema.WaitStatusPending && w.ResumeAt != nil && !w.ResumeAt.After(now) {
			out = append(out, clone(w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ResumeAt.Before(*out[j].ResumeAt) })
	return out, nil
}

func (s *MemoryStore) sortedWaits() []*Wait {
	out := make([]*Wait, 0, len(s.waits))
	for _, w := range s.waits {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(_ context.Context, sch *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch.ID == "" {
		sch.ID = newID()
	}
	if _, ok := s.schedules[sch.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sch.ID)
	}
	sch.CreatedAt = timeOrNow(sch.CreatedAt)
	s.schedules[sch.ID] = clone(sch)
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return clone(sch), nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sch.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sch.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sch.NextRunAt = &t
	}
	if update.LastRunID != "" {
		sch.LastRunID = update.LastRunID
	}
	if update.LastRunStatus != "" {
		sch.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Schedule
	for _, sch := range s.schedules {
		if filter.Enabled != nil && sch.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && sch.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, clone(sch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, 0, filter.Limit), nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

// --- Webhook subscriptions ---

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepareSubscription(sub)
	if _, ok := s.subs[sub.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "subscription %q already exists", sub.ID)
	}
	s.subs[sub.ID] = clone(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, storeNotFound("subscription", id)
	}
	return clone(sub), nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, id string, update SubscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return storeNotFound("subscription", id)
	}
	if update.Name != nil {
		sub.Name = *update.Name
	}
	if update.EventTypes != nil {
		sub.EventTypes = append([]string(nil), update.EventTypes...)
	}
	if update.TargetURL != nil {
		sub.TargetURL = *update.TargetURL
	}
	if update.SecretKey != nil {
		sub.SecretKey = *update.SecretKey
	}
	if update.Headers != nil {
		sub.Headers = *clone(&update.Headers)
	}
	if update.Active != nil {
		sub.Active = *update.Active
	}
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, id string, result DeliveryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return storeNotFound("subscription", id)
	}
	at := result.At
	sub.LastDeliveryAt = &at
	sub.LastStatus = result.Status
	if result.Succeeded() {
		sub.FailureCount = 0
	} else {
		sub.FailureCount++
	}
	return nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, filter SubscriptionFilter) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if filter.UserID != "" && sub.UserID != filter.UserID {
			continue
		}
		if filter.ActiveOnly && !sub.Active {
			continue
		}
		out = append(out, clone(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return storeNotFound("subscription", id)
	}
	delete(s.subs, id)
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
