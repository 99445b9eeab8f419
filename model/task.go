package model

import "time"

// Task kinds, one per progression strategy.
const (
	TaskKindLinear = "linear"
	TaskKindGraph  = "graph"
)

// Task status constants.
const (
	TaskStatusPending    = "pending"
	TaskStatusClaimed    = "claimed"
	TaskStatusInProgress = "in_progress"
	TaskStatusApproved   = "approved"
	TaskStatusRejected   = "rejected"
	TaskStatusReturned   = "returned"
	TaskStatusCompleted  = "completed"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// PriorityRank orders priorities; unknown values rank with medium.
func PriorityRank(p string) int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ChecklistItem is one tickable entry copied from the step definition.
type ChecklistItem struct {
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// TaskInstance is the mutable unit of work for one (object, workflow) or
// (object, procedure) pair.
type TaskInstance struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	ObjectID        string          `json:"object_id"`
	ObjectType      string          `json:"object_type"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	CurrentStepID   string          `json:"current_step_id,omitempty"`
	ProcedureType   string          `json:"procedure_type,omitempty"`
	CurrentState    string          `json:"current_state,omitempty"`
	Status          string          `json:"status"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	AssignedBy      string          `json:"assigned_by,omitempty"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	Priority        string          `json:"priority"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	RetryCount      int             `json:"retry_count"`
	Checklist       []ChecklistItem `json:"checklist,omitempty"`
	SubmittedBy     string          `json:"submitted_by,omitempty"`
	Decision        string          `json:"decision,omitempty"`
	DecisionComment string          `json:"decision_comment,omitempty"`
	DecisionBy      string          `json:"decision_by,omitempty"`
	DecisionAt      *time.Time      `json:"decision_at,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsAssigned reports whether somebody holds the task.
func (t *TaskInstance) IsAssigned() bool {
	return t.AssignedTo != ""
}

// IsTerminalStatus reports whether the task's status ends its lifecycle.
func (t *TaskInstance) IsTerminalStatus() bool {
	switch t.Status {
	case TaskStatusApproved, TaskStatusRejected, TaskStatusCompleted:
		return true
	}
	return false
}

// IsActionable reports whether the assignee may decide on the task.
func (t *TaskInstance) IsActionable() bool {
	return t.Status == TaskStatusClaimed || t.Status == TaskStatusInProgress
}

// ChecklistCompleted reports whether every checklist item is ticked.
func (t *TaskInstance) ChecklistCompleted() bool {
	for _, item := range t.Checklist {
		if !item.Completed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the task.
func (t *TaskInstance) Clone() *TaskInstance {
	c := *t
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.DueDate = cloneTime(t.DueDate)
	c.DecisionAt = cloneTime(t.DecisionAt)
	if t.Checklist != nil {
		c.Checklist = append([]ChecklistItem(nil), t.Checklist...)
	}
	return &c
}

// NewChecklist builds unticked checklist items from labels.
func NewChecklist(labels []string) []ChecklistItem {
	if len(labels) == 0 {
		return nil
	}
	out := make([]ChecklistItem, len(labels))
	for i, l := range labels {
		out[i] = ChecklistItem{Label: l}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
