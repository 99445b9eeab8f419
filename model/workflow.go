package model

import "time"

// Scope types a workflow definition can be bound to.
const (
	ScopeGlobal     = "global"
	ScopeRepository = "repository"
	ScopeCollection = "collection"
)

// Events that start a linear workflow on a domain object.
const (
	TriggerSubmit  = "submit"
	TriggerCreate  = "create"
	TriggerUpdate  = "update"
	TriggerPublish = "publish"
	TriggerManual  = "manual"
)

// Step types.
const (
	StepTypeReview  = "review"
	StepTypeApprove = "approve"
	StepTypeEdit    = "edit"
	StepTypeVerify  = "verify"
	StepTypeSignOff = "sign_off"
	StepTypeCustom  = "custom"
)

// Actions a step may require of its assignee.
const (
	ActionApproveReject = "approve_reject"
	ActionApprove       = "approve"
	ActionComplete      = "complete"
	ActionSubmit        = "submit"
)

// WorkflowDefinition identifies a reusable linear review process.
type WorkflowDefinition struct {
	ID                  string         `json:"id" yaml:"id"`
	Name                string         `json:"name" yaml:"name" validate:"required,max=255"`
	Description         string         `json:"description,omitempty" yaml:"description"`
	ScopeType           string         `json:"scope_type" yaml:"scope_type" validate:"required,oneof=global repository collection"`
	ScopeID             string         `json:"scope_id,omitempty" yaml:"scope_id" validate:"required_unless=ScopeType global"`
	TriggerEvent        string         `json:"trigger_event" yaml:"trigger_event" validate:"required,oneof=submit create update publish manual"`
	AppliesToObjectType string         `json:"applies_to" yaml:"applies_to" validate:"required"`
	IsActive            bool           `json:"is_active" yaml:"is_active"`
	IsDefault           bool           `json:"is_default" yaml:"is_default"`
	NotificationEnabled bool           `json:"notification_enabled" yaml:"notification_enabled"`
	RequireAllSteps     bool           `json:"require_all_steps" yaml:"require_all_steps"`
	CreatedBy           string         `json:"created_by,omitempty" yaml:"-"`
	CreatedAt           time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time      `json:"updated_at" yaml:"-"`
	Steps               []WorkflowStep `json:"steps,omitempty" yaml:"steps" validate:"dive"`
}

// WorkflowStep is one ordered stage of a WorkflowDefinition.
type WorkflowStep struct {
	ID                     string    `json:"id" yaml:"id"`
	WorkflowID             string    `json:"workflow_id" yaml:"-"`
	Sequence               int       `json:"sequence" yaml:"sequence" validate:"gte=0"`
	Name                   string    `json:"name" yaml:"name" validate:"required,max=255"`
	Description            string    `json:"description,omitempty" yaml:"description"`
	StepType               string    `json:"step_type" yaml:"step_type" validate:"required,oneof=review approve edit verify sign_off custom"`
	ActionRequired         string    `json:"action_required" yaml:"action_required" validate:"required,oneof=approve_reject approve complete submit"`
	RequiredRole           string    `json:"required_role,omitempty" yaml:"required_role"`
	RequiredClearanceLevel *int      `json:"required_clearance_level,omitempty" yaml:"required_clearance_level" validate:"omitempty,gte=0"`
	AllowedUserIDs         []string  `json:"allowed_user_ids,omitempty" yaml:"allowed_user_ids"`
	AutoAssignUserID       string    `json:"auto_assign_user_id,omitempty" yaml:"auto_assign_user_id"`
	PoolEnabled            bool      `json:"pool_enabled" yaml:"pool_enabled"`
	IsOptional             bool      `json:"is_optional" yaml:"is_optional"`
	EscalationDays         *int      `json:"escalation_days,omitempty" yaml:"escalation_days" validate:"omitempty,gte=1"`
	Instructions           string    `json:"instructions,omitempty" yaml:"instructions"`
	Checklist              []string  `json:"checklist,omitempty" yaml:"checklist"`
	IsActive               bool      `json:"is_active" yaml:"is_active"`
	CreatedAt              time.Time `json:"created_at" yaml:"-"`
	UpdatedAt              time.Time `json:"updated_at" yaml:"-"`
}

// AllowsReject reports whether the step's assignee may reject.
func (s *WorkflowStep) AllowsReject() bool {
	return s.ActionRequired == ActionApproveReject
}

// AllowsReturn reports whether the step's assignee may send the task back to
// the submitter.
func (s *WorkflowStep) AllowsReturn() bool {
	return s.ActionRequired == ActionApproveReject || s.ActionRequired == ActionApprove
}

// AllowsUser reports whether the step's allow-list admits userID. An empty
// list admits everybody.
func (s *WorkflowStep) AllowsUser(userID string) bool {
	if len(s.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range s.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ScopeChain lists the scopes a domain object lives in, nearest first.
// CollectionIDs runs from the object's own collection up to the root.
type ScopeChain struct {
	CollectionIDs []string `json:"collection_ids,omitempty"`
	RepositoryID  string   `json:"repository_id,omitempty"`
}
