package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// SystemActor is recorded for assignments the engine makes itself.
const SystemActor = "system"

const defaultOverdueLimit = 500

// Definitions is the part of the definition service the engine reads.
type Definitions interface {
	GetActiveDefinition(ctx context.Context, chain model.ScopeChain, objectType string) (*model.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	GetStep(ctx context.Context, id string) (*model.WorkflowStep, error)
	ListWorkflows(ctx context.Context, filter definition.WorkflowFilter) ([]model.WorkflowDefinition, error)
}

// Configs resolves active procedure state graphs.
type Configs interface {
	GetActiveConfig(ctx context.Context, procedureType string) (*model.ProcedureConfig, error)
	IsFinalState(ctx context.Context, procedureType, state string) bool
	Active(ctx context.Context) ([]model.ProcedureConfig, error)
}

// Notifier receives notifications after a transition commits. Failures are
// logged by the engine and never undo the transition.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
	ResolvePending(ctx context.Context, objectType, objectID, procedureType string) error
}

// Deps are the collaborators of an Engine. Objects and Notifier are
// optional.
type Deps struct {
	Store       Store
	Definitions Definitions
	Configs     Configs
	Authorizer  model.Authorizer
	Directory   model.Directory
	Objects     model.ObjectResolver
	Notifier    Notifier
	Metrics     *observability.Metrics
	Logger      *zap.Logger

	// BaseURL prefixes task links in notification bodies.
	BaseURL string
	// OverdueLimit caps ListOverdue when the scope sets no limit.
	OverdueLimit int
	// CapabilityGates enforces procedures:<type>:transition on graph
	// transitions in addition to role and clearance.
	CapabilityGates bool
	Now             func() time.Time
}

// Engine runs both progressions over one task store. It is safe for
// concurrent use.
type Engine struct {
	store        Store
	definitions  Definitions
	configs      Configs
	authz        model.Authorizer
	directory    model.Directory
	objects      model.ObjectResolver
	notifier     Notifier
	metrics      *observability.Metrics
	logger       *zap.Logger
	baseURL      string
	overdueLimit int
	now          func() time.Time

	linear *LinearStepWorkflow
	graph  *GraphStateWorkflow
}

// NewEngine creates a workflow engine.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:        d.Store,
		definitions:  d.Definitions,
		configs:      d.Configs,
		authz:        d.Authorizer,
		directory:    d.Directory,
		objects:      d.Objects,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		logger:       d.Logger,
		baseURL:      d.BaseURL,
		overdueLimit: d.OverdueLimit,
		now:          d.Now,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.overdueLimit <= 0 {
		e.overdueLimit = defaultOverdueLimit
	}
	e.linear = &LinearStepWorkflow{defs: d.Definitions}
	e.graph = &GraphStateWorkflow{configs: d.Configs, capabilityGates: d.CapabilityGates}
	return e
}

// Store returns the engine's task store.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) progression(task *model.TaskInstance) Progression {
	if task.Kind == model.TaskKindGraph {
		return e.graph
	}
	return e.linear
}

// authorize checks a principal against a requirement.
func (e *Engine) authorize(ctx context.Context, p *model.Principal, req Requirement) error {
	if p == nil || p.ID == "" {
		return model.NewUnauthorizedError("authentication required")
	}
	ok, err := e.authz.IsAuthorized(ctx, p, req.Role, req.Clearance)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		return model.NewForbiddenError(req.describe())
	}
	if len(req.AllowedUsers) > 0 && !contains(req.AllowedUsers, p.ID) && !p.IsAdministrator() {
		return model.NewForbiddenError("you are not on this step's list of allowed users")
	}
	if req.Capability != "" && !p.Capabilities.Has(req.Capability) {
		return model.NewForbiddenError(fmt.Sprintf("missing capability %q", req.Capability))
	}
	return nil
}

// eligible returns the active principals that satisfy req, for pool
// notifications and auto-assignment. Requirements open to everybody yield
// nil.
func (e *Engine) eligible(ctx context.Context, req Requirement) []*model.Principal {
	var candidates []*model.Principal
	switch {
	case len(req.AllowedUsers) > 0:
		for _, id := range req.AllowedUsers {
			p, err := e.directory.Lookup(ctx, id)
			if err != nil {
				continue
			}
			candidates = append(candidates, p)
		}
	case req.Role != "":
		users, err := e.directory.UsersWithRole(ctx, req.Role)
		if err != nil {
			e.log(ctx).Warn("list users with role", zap.String("role", req.Role), zap.Error(err))
			return nil
		}
		candidates = users
	default:
		return nil
	}

	var out []*model.Principal
	for _, p := range candidates {
		if !p.Active {
			continue
		}
		if ok, err := e.authz.IsAuthorized(ctx, p, req.Role, req.Clearance); err == nil && ok {
			out = append(out, p)
		}
	}
	return out
}

// lookupAssignee verifies that userID names an active principal.
func (e *Engine) lookupAssignee(ctx context.Context, userID string) (*model.Principal, error) {
	p, err := e.directory.Lookup(ctx, userID)
	if model.IsCode(err, model.ErrNotFound) {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "assigned_to", Code: "NOT_FOUND", Message: fmt.Sprintf("user %q does not exist", userID),
		}})
	}
	if err != nil {
		return nil, fmt.Errorf("lookup assignee: %w", err)
	}
	if !p.Active {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "assigned_to", Code: "INACTIVE", Message: fmt.Sprintf("user %q is inactive", userID),
		}})
	}
	return p, nil
}

// entry starts a history entry for task performed by actor.
func (e *Engine) entry(ctx context.Context, task *model.TaskInstance, action, actor string, at time.Time) model.HistoryEntry {
	h := model.HistoryEntry{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		Kind:          task.Kind,
		WorkflowID:    task.WorkflowID,
		ProcedureType: task.ProcedureType,
		ObjectID:      task.ObjectID,
		ObjectType:    task.ObjectType,
		Action:        action,
		UserID:        actor,
		PerformedAt:   at,
	}
	model.RequestContextFrom(ctx).Stamp(&h)
	return h
}

// isFinal reports whether a task has reached the end of its progression.
func (e *Engine) isFinal(ctx context.Context, task *model.TaskInstance) bool {
	return task.IsTerminalStatus() || e.progression(task).IsFinal(ctx, task)
}

func (e *Engine) loadTask(ctx context.Context, id string) (*model.TaskInstance, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	observability.Annotate(ctx, observability.TaskAttributes(&t)...)
	return &t, nil
}

func (e *Engine) dueIn(from time.Time, days *int) *time.Time {
	if days == nil || *days <= 0 {
		return nil
	}
	due := from.AddDate(0, 0, *days)
	return &due
}

func (e *Engine) observe(kind, action string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = model.CodeOf(err)
	}
	e.metrics.RecordTransition(kind, action, outcome, time.Since(start))
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, e.logger)
}

func taskFields(t *model.TaskInstance) []zap.Field {
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("kind", t.Kind),
		zap.String("object_type", t.ObjectType),
		zap.String("object_id", t.ObjectID),
		zap.String("status", t.Status),
	}
	if t.Kind == model.TaskKindGraph {
		return append(fields, zap.String("procedure_type", t.ProcedureType), zap.String("state", t.CurrentState))
	}
	return append(fields, zap.String("workflow_id", t.WorkflowID), zap.String("step_id", t.CurrentStepID))
}
