package model

import "time"

// History actions.
const (
	ActionStarted      = "started"
	ActionClaimed      = "claimed"
	ActionReleased     = "released"
	ActionInProgress   = "in_progress"
	ActionApproved     = "approved"
	ActionRejected     = "rejected"
	ActionReturned     = "returned"
	ActionResubmitted  = "resubmitted"
	ActionCompleted    = "completed"
	ActionSkipped      = "skipped"
	ActionTransitioned = "transitioned"
	ActionAssigned     = "assigned"
)

// HistoryEntry is an immutable audit record of one action on a task.
type HistoryEntry struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	Kind          string         `json:"kind"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	ProcedureType string         `json:"procedure_type,omitempty"`
	ObjectID      string         `json:"object_id"`
	ObjectType    string         `json:"object_type"`
	Action        string         `json:"action"`
	FromStepID    string         `json:"from_step_id,omitempty"`
	ToStepID      string         `json:"to_step_id,omitempty"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state,omitempty"`
	FromStatus    string         `json:"from_status,omitempty"`
	ToStatus      string         `json:"to_status,omitempty"`
	TransitionKey string         `json:"transition_key,omitempty"`
	UserID        string         `json:"user_id"`
	AssignedTo    string         `json:"assigned_to,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	PerformedAt   time.Time      `json:"performed_at"`
}
