// Package definition owns workflow definitions, their ordered steps, and the
// versioned procedure configs that drive graph-state tasks.
package definition

import (
	"context"

	"github.com/pitabwire/curator/model"
)

// Store persists workflow definitions, workflow steps, and procedure configs.
type Store interface {
	// SaveWorkflow inserts or updates a definition, ignoring wf.Steps. When
	// the saved definition is an active default, every other default for the
	// same scope and object type loses its default flag in the same write.
	SaveWorkflow(ctx context.Context, wf model.WorkflowDefinition) error

	// GetWorkflow returns the definition without steps, or NOT_FOUND.
	GetWorkflow(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// ListWorkflows returns definitions ordered by name.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.WorkflowDefinition, error)

	// ListSteps returns a workflow's steps ordered by sequence.
	ListSteps(ctx context.Context, workflowID string, includeInactive bool) ([]model.WorkflowStep, error)

	// GetStep returns a single step, or NOT_FOUND.
	GetStep(ctx context.Context, id string) (model.WorkflowStep, error)

	// SaveSteps inserts or updates the given steps of one workflow in a
	// single write. Sequences must be unique per workflow once the write
	// completes; CONFLICT otherwise.
	SaveSteps(ctx context.Context, workflowID string, steps []model.WorkflowStep) error

	// ActiveConfig returns the active config of a procedure type, or
	// CONFIG_NOT_FOUND.
	ActiveConfig(ctx context.Context, procedureType string) (model.ProcedureConfig, error)

	// ListConfigs returns every stored version of a procedure type, newest
	// first.
	ListConfigs(ctx context.Context, procedureType string) ([]model.ProcedureConfig, error)

	// ListActiveConfigs returns the active config of every procedure type.
	ListActiveConfigs(ctx context.Context) ([]model.ProcedureConfig, error)

	// ActivateConfig stores cfg as the next version of its procedure type and
	// makes it the only active one. The stored config is returned.
	ActivateConfig(ctx context.Context, cfg model.ProcedureConfig) (model.ProcedureConfig, error)
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	Active     *bool
	ScopeType  string
	ScopeID    string
	ObjectType string
}

func (f WorkflowFilter) matches(wf *model.WorkflowDefinition) bool {
	if f.Active != nil && wf.IsActive != *f.Active {
		return false
	}
	if f.ScopeType != "" && wf.ScopeType != f.ScopeType {
		return false
	}
	if f.ScopeID != "" && wf.ScopeID != f.ScopeID {
		return false
	}
	if f.ObjectType != "" && wf.AppliesToObjectType != f.ObjectType {
		return false
	}
	return true
}
