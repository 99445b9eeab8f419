package model

import "time"

// Notification types.
const (
	NotifyTaskAssigned      = "task_assigned"
	NotifyTaskAvailable     = "task_available"
	NotifyTaskRejected      = "task_rejected"
	NotifyTaskReturned      = "task_returned"
	NotifyWorkflowCompleted = "workflow_completed"
	NotifyTransition        = "transition"
)

// Notification statuses.
const (
	NotificationPending  = "pending"
	NotificationRead     = "read"
	NotificationResolved = "resolved"
)

// Notification is a (user, subject, body) message emitted by the engine.
type Notification struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Email         string     `json:"email,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
	ObjectID      string     `json:"object_id,omitempty"`
	ObjectType    string     `json:"object_type,omitempty"`
	ProcedureType string     `json:"procedure_type,omitempty"`
	Type          string     `json:"type"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	Link          string     `json:"link,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
}
