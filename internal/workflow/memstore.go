package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/curator/model"
)

// MemoryStore is an in-memory Store. All writes happen under one mutex so
// the claim predicate and version checks hold across goroutines.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*model.TaskInstance
	history []model.HistoryEntry
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.TaskInstance)}
}

func (s *MemoryStore) Create(_ context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return model.TaskInstance{}, model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	if task.Kind == model.TaskKindGraph && s.findProcedure(task.ObjectType, task.ObjectID, task.ProcedureType) != nil {
		return model.TaskInstance{}, model.NewConflictError(
			fmt.Sprintf("procedure %q already started for %s %s", task.ProcedureType, task.ObjectType, task.ObjectID),
		)
	}
	task.Version = 1
	s.tasks[task.ID] = task.Clone()
	s.history = append(s.history, entries...)
	return task, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.TaskInstance{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return *t.Clone(), nil
}

func (s *MemoryStore) FindByProcedure(_ context.Context, objectType, objectID, procedureType string) (model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.findProcedure(objectType, objectID, procedureType)
	if t == nil {
		return model.TaskInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no %s task for %s %s", procedureType, objectType, objectID),
		)
	}
	return *t.Clone(), nil
}

func (s *MemoryStore) findProcedure(objectType, objectID, procedureType string) *model.TaskInstance {
	for _, t := range s.tasks {
		if t.Kind == model.TaskKindGraph && t.ObjectType == objectType &&
			t.ObjectID == objectID && t.ProcedureType == procedureType {
			return t
		}
	}
	return nil
}

func (s *MemoryStore) FindActiveForObject(_ context.Context, objectType, objectID string) ([]model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TaskInstance
	for _, t := range s.tasks {
		if t.Kind == model.TaskKindLinear && t.ObjectType == objectType &&
			t.ObjectID == objectID && !t.IsTerminalStatus() {
			out = append(out, *t.Clone())
		}
	}
	sortTasks(out, OrderCreated)
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, req ClaimRequest) (model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[req.TaskID]
	if !ok {
		return model.TaskInstance{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", req.TaskID))
	}
	if t.AssignedTo != "" {
		return model.TaskInstance{}, model.NewAlreadyClaimedError(t.ID, t.AssignedTo)
	}
	if t.Status != model.TaskStatusPending {
		return model.TaskInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("task %s is %s and cannot be claimed", t.ID, t.Status),
		)
	}

	at := req.At
	t.AssignedTo = req.UserID
	t.AssignedBy = req.AssignedBy
	t.AssignedAt = &at
	t.Status = model.TaskStatusClaimed
	if req.DueDate != nil {
		due := *req.DueDate
		t.DueDate = &due
	}
	t.Version++
	t.UpdatedAt = at
	s.history = append(s.history, req.Entry)
	return *t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(task, entries)
}

func (s *MemoryStore) update(task model.TaskInstance, entries []model.HistoryEntry) (model.TaskInstance, error) {
	existing, ok := s.tasks[task.ID]
	if !ok {
		return model.TaskInstance{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", task.ID))
	}
	if existing.Version != task.Version {
		return model.TaskInstance{}, model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d, got %d)", task.ID, task.Version, existing.Version),
		)
	}
	task.Version++
	s.tasks[task.ID] = task.Clone()
	s.history = append(s.history, entries...)
	return task, nil
}

func (s *MemoryStore) UpsertProcedureTask(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	if task.Version == 0 {
		return s.Create(ctx, task, entries...)
	}
	return s.Update(ctx, task, entries...)
}

func (s *MemoryStore) List(_ context.Context, filter TaskFilter) ([]model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TaskInstance
	for _, t := range s.tasks {
		if filter.matches(t) {
			out = append(out, *t.Clone())
		}
	}
	sortTasks(out, filter.OrderBy)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f TaskFilter) matches(t *model.TaskInstance) bool {
	switch {
	case f.AssignedTo != "" && t.AssignedTo != f.AssignedTo:
		return false
	case f.Unassigned && t.AssignedTo != "":
		return false
	case f.SubmittedBy != "" && t.SubmittedBy != f.SubmittedBy:
		return false
	case len(f.Statuses) > 0 && !contains(f.Statuses, t.Status):
		return false
	case contains(f.ExcludeStatuses, t.Status):
		return false
	case f.Kind != "" && t.Kind != f.Kind:
		return false
	case f.ProcedureType != "" && t.ProcedureType != f.ProcedureType:
		return false
	case f.WorkflowID != "" && t.WorkflowID != f.WorkflowID:
		return false
	case f.ObjectType != "" && t.ObjectType != f.ObjectType:
		return false
	case f.ObjectID != "" && t.ObjectID != f.ObjectID:
		return false
	case f.DueBefore != nil && (t.DueDate == nil || !t.DueDate.Before(*f.DueBefore)):
		return false
	}
	return true
}

func sortTasks(tasks []model.TaskInstance, order string) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i], &tasks[j]
		switch order {
		case OrderPriority:
			if ra, rb := model.PriorityRank(a.Priority), model.PriorityRank(b.Priority); ra != rb {
				return ra > rb
			}
			return olderFirst(a, b)
		case OrderDue:
			switch {
			case a.DueDate == nil && b.DueDate == nil:
				return olderFirst(a, b)
			case a.DueDate == nil:
				return false
			case b.DueDate == nil:
				return true
			case !a.DueDate.Equal(*b.DueDate):
				return a.DueDate.Before(*b.DueDate)
			}
			return olderFirst(a, b)
		case OrderCreated:
			return olderFirst(a, b)
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		}
	})
}

func olderFirst(a, b *model.TaskInstance) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) History(_ context.Context, taskID string) ([]model.HistoryEntry, error) {
	return s.selectHistory(func(e *model.HistoryEntry) bool { return e.TaskID == taskID }), nil
}

func (s *MemoryStore) ObjectHistory(_ context.Context, objectType, objectID string) ([]model.HistoryEntry, error) {
	return s.selectHistory(func(e *model.HistoryEntry) bool {
		return e.ObjectType == objectType && e.ObjectID == objectID
	}), nil
}

// selectHistory returns matching entries in append order, which is the
// order transitions committed.
func (s *MemoryStore) selectHistory(keep func(*model.HistoryEntry) bool) []model.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryEntry
	for i := range s.history {
		if keep(&s.history[i]) {
			out = append(out, s.history[i])
		}
	}
	return out
}

func (s *MemoryStore) RecentHistory(_ context.Context, filter HistoryFilter) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Since != nil && e.PerformedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountActive(_ context.Context, workflowID, stepID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tasks {
		if t.WorkflowID != workflowID || t.IsTerminalStatus() {
			continue
		}
		if stepID != "" && t.CurrentStepID != stepID {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time, userID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	today := startOfDay(now)
	for _, t := range s.tasks {
		if t.IsTerminalStatus() {
			if t.Status != model.TaskStatusRejected && !t.UpdatedAt.Before(today) {
				st.CompletedToday++
			}
			continue
		}
		switch t.Status {
		case model.TaskStatusPending:
			st.Pending++
		case model.TaskStatusClaimed, model.TaskStatusInProgress:
			st.Claimed++
		}
		if t.DueDate != nil && t.DueDate.Before(now) {
			st.Overdue++
		}
		if userID != "" && t.AssignedTo == userID && t.IsActionable() {
			st.MyTasks++
		}
		if userID != "" && t.SubmittedBy == userID {
			st.MySubmissions++
		}
	}
	return st, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored tasks. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
