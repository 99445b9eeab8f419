package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/curator/model"
)

// Progression is the strategy half of the engine: where a task is, who may
// act on it and when it is done. Claiming, releasing, starting and the
// history log are shared by both progressions.
type Progression interface {
	Kind() string
	// Requirement is the gate a principal must pass to claim or act on the
	// task at its current position.
	Requirement(ctx context.Context, task *model.TaskInstance) (Requirement, error)
	// EscalationDays is the number of days after a claim at which the task
	// becomes overdue, or nil.
	EscalationDays(ctx context.Context, task *model.TaskInstance) (*int, error)
	// Position names the task's process and current stage for display.
	Position(ctx context.Context, task *model.TaskInstance) (Position, error)
	// IsFinal reports whether the task's position ends the process.
	IsFinal(ctx context.Context, task *model.TaskInstance) bool
}

// Requirement is a role and clearance gate plus an optional allow-list.
type Requirement struct {
	Role         string
	Clearance    *int
	AllowedUsers []string
	Capability   string
}

func (r Requirement) describe() string {
	switch {
	case r.Role != "" && r.Clearance != nil:
		return fmt.Sprintf("requires role %q and clearance level %d", r.Role, *r.Clearance)
	case r.Role != "":
		return fmt.Sprintf("requires role %q", r.Role)
	case r.Clearance != nil:
		return fmt.Sprintf("requires clearance level %d", *r.Clearance)
	}
	return "not permitted"
}

// Position labels a task's place in its process.
type Position struct {
	Process      string `json:"process"`
	Stage        string `json:"stage"`
	Instructions string `json:"instructions,omitempty"`
}

// LinearStepWorkflow progresses a task through the ordered steps of a
// WorkflowDefinition.
type LinearStepWorkflow struct {
	defs Definitions
}

func (l *LinearStepWorkflow) Kind() string { return model.TaskKindLinear }

func (l *LinearStepWorkflow) step(ctx context.Context, task *model.TaskInstance) (*model.WorkflowStep, error) {
	st, err := l.defs.GetStep(ctx, task.CurrentStepID)
	if err != nil {
		return nil, err
	}
	if st.WorkflowID != task.WorkflowID {
		return nil, fmt.Errorf("step %s does not belong to workflow %s", st.ID, task.WorkflowID)
	}
	return st, nil
}

func (l *LinearStepWorkflow) Requirement(ctx context.Context, task *model.TaskInstance) (Requirement, error) {
	st, err := l.step(ctx, task)
	if err != nil {
		return Requirement{}, err
	}
	return stepRequirement(st), nil
}

func stepRequirement(st *model.WorkflowStep) Requirement {
	return Requirement{Role: st.RequiredRole, Clearance: st.RequiredClearanceLevel, AllowedUsers: st.AllowedUserIDs}
}

func (l *LinearStepWorkflow) EscalationDays(ctx context.Context, task *model.TaskInstance) (*int, error) {
	st, err := l.step(ctx, task)
	if err != nil {
		return nil, err
	}
	return st.EscalationDays, nil
}

func (l *LinearStepWorkflow) Position(ctx context.Context, task *model.TaskInstance) (Position, error) {
	wf, err := l.defs.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return Position{}, err
	}
	st, err := l.step(ctx, task)
	if err != nil {
		return Position{}, err
	}
	return Position{Process: wf.Name, Stage: st.Name, Instructions: st.Instructions}, nil
}

// IsFinal is true once the task has left the step sequence.
func (l *LinearStepWorkflow) IsFinal(_ context.Context, task *model.TaskInstance) bool {
	return task.IsTerminalStatus()
}

// GraphStateWorkflow progresses a task through a procedure's state graph.
type GraphStateWorkflow struct {
	configs         Configs
	capabilityGates bool
}

func (g *GraphStateWorkflow) Kind() string { return model.TaskKindGraph }

func (g *GraphStateWorkflow) Requirement(ctx context.Context, task *model.TaskInstance) (Requirement, error) {
	cfg, err := g.configs.GetActiveConfig(ctx, task.ProcedureType)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{Role: cfg.Config.RequiredRole, Clearance: cfg.Config.RequiredClearance}, nil
}

// transitionRequirement is the gate for one transition. Transition-level
// role and clearance override the procedure-wide ones.
func (g *GraphStateWorkflow) transitionRequirement(procedureType string, def *model.ProcedureDefinition, t model.Transition) Requirement {
	req := Requirement{Role: def.RequiredRole, Clearance: def.RequiredClearance}
	if t.RequiredRole != "" {
		req.Role = t.RequiredRole
	}
	if t.RequiredClearance != nil {
		req.Clearance = t.RequiredClearance
	}
	if g.capabilityGates {
		req.Capability = model.TransitionCapability(procedureType)
	}
	return req
}

// EscalationDays is always nil; procedure graphs carry explicit due dates
// only.
func (g *GraphStateWorkflow) EscalationDays(context.Context, *model.TaskInstance) (*int, error) {
	return nil, nil
}

func (g *GraphStateWorkflow) Position(ctx context.Context, task *model.TaskInstance) (Position, error) {
	cfg, err := g.configs.GetActiveConfig(ctx, task.ProcedureType)
	if err != nil {
		return Position{}, err
	}
	return Position{Process: procedureLabel(cfg), Stage: cfg.Config.StateLabel(task.CurrentState)}, nil
}

// IsFinal consults the active config, so a state that is final in one
// procedure may be intermediate in another.
func (g *GraphStateWorkflow) IsFinal(ctx context.Context, task *model.TaskInstance) bool {
	return g.configs.IsFinalState(ctx, task.ProcedureType, task.CurrentState)
}

func procedureLabel(cfg *model.ProcedureConfig) string {
	if cfg.Config.Label != "" {
		return cfg.Config.Label
	}
	return model.Humanize(cfg.ProcedureType)
}
