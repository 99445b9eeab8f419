package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/curator/model"
)

// Store persists task instances and their audit history. Every mutating
// method writes the task row and its history entries in one transaction.
type Store interface {
	// Create inserts a new task together with its first history entries.
	// The stored task has version 1.
	Create(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error)

	// Get returns a task by ID or NOT_FOUND.
	Get(ctx context.Context, id string) (model.TaskInstance, error)

	// FindByProcedure returns the graph task for (objectType, objectID,
	// procedureType) or NOT_FOUND.
	FindByProcedure(ctx context.Context, objectType, objectID, procedureType string) (model.TaskInstance, error)

	// FindActiveForObject returns the non-terminal linear tasks of an object.
	FindActiveForObject(ctx context.Context, objectType, objectID string) ([]model.TaskInstance, error)

	// Claim assigns a pending, unassigned task in a single conditional
	// write. When the condition fails it returns ALREADY_CLAIMED naming the
	// current assignee, INVALID_TRANSITION when the task is unassigned but
	// not pending, or NOT_FOUND.
	Claim(ctx context.Context, req ClaimRequest) (model.TaskInstance, error)

	// Update writes task guarded by its version and appends entries. A
	// version mismatch returns CONFLICT. The returned task carries the new
	// version.
	Update(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error)

	// UpsertProcedureTask inserts task when its version is zero and updates
	// it under the version guard otherwise. A concurrent first insert for
	// the same (object, procedure) returns CONFLICT.
	UpsertProcedureTask(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error)

	// List returns tasks matching filter.
	List(ctx context.Context, filter TaskFilter) ([]model.TaskInstance, error)

	// History returns a task's entries oldest first.
	History(ctx context.Context, taskID string) ([]model.HistoryEntry, error)

	// ObjectHistory returns every entry recorded against an object, oldest
	// first.
	ObjectHistory(ctx context.Context, objectType, objectID string) ([]model.HistoryEntry, error)

	// RecentHistory returns entries newest first.
	RecentHistory(ctx context.Context, filter HistoryFilter) ([]model.HistoryEntry, error)

	// CountActive counts non-terminal tasks of a workflow, optionally
	// restricted to tasks sitting on stepID.
	CountActive(ctx context.Context, workflowID, stepID string) (int, error)

	// Stats computes the dashboard counters at now. userID may be empty.
	Stats(ctx context.Context, now time.Time, userID string) (Stats, error)

	HealthCheck(ctx context.Context) error
}

// ClaimRequest describes one conditional assignment.
type ClaimRequest struct {
	TaskID     string
	UserID     string
	AssignedBy string
	At         time.Time
	// DueDate replaces the stored due date when set.
	DueDate *time.Time
	Entry   model.HistoryEntry
}

// Task orderings.
const (
	OrderUpdated  = ""
	OrderPriority = "priority"
	OrderDue      = "due"
	OrderCreated  = "created"
)

// TaskFilter selects tasks. Zero fields do not filter.
type TaskFilter struct {
	AssignedTo      string
	Unassigned      bool
	SubmittedBy     string
	Statuses        []string
	ExcludeStatuses []string
	Kind            string
	ProcedureType   string
	WorkflowID      string
	ObjectType      string
	ObjectID        string
	// DueBefore keeps tasks whose due date is strictly earlier.
	DueBefore *time.Time
	// OrderBy is one of the Order* constants. OrderUpdated sorts newest
	// first, OrderPriority by priority descending then oldest first,
	// OrderDue by due date ascending, OrderCreated oldest first.
	OrderBy string
	Limit   int
}

// HistoryFilter selects entries for the activity feed.
type HistoryFilter struct {
	UserID string
	Kind   string
	Since  *time.Time
	Limit  int
}

// Stats are the task counters shown on the dashboard.
type Stats struct {
	Pending        int `json:"pending"`
	Claimed        int `json:"claimed"`
	CompletedToday int `json:"completed_today"`
	Overdue        int `json:"overdue"`
	MyTasks        int `json:"my_tasks"`
	MySubmissions  int `json:"my_submissions"`
}

// terminalStatuses end a task's lifecycle.
var terminalStatuses = []string{
	model.TaskStatusApproved,
	model.TaskStatusRejected,
	model.TaskStatusCompleted,
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
