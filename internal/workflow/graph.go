package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// TransitionRequest applies one transition of a procedure to an object.
type TransitionRequest struct {
	ObjectType    string
	ObjectID      string
	ProcedureType string
	TransitionKey string
	// FromState, when set, must equal the stored state; a mismatch means
	// the caller acted on a stale view.
	FromState  string
	AssignedTo string
	Comment    string
	Priority   string
	DueDate    *time.Time
	Metadata   map[string]any
}

// TransitionResult reports an applied transition.
type TransitionResult struct {
	Task      model.TaskInstance `json:"task"`
	FromState string             `json:"from_state"`
	ToState   string             `json:"to_state"`
	IsFinal   bool               `json:"is_final"`
}

// StartProcedure creates the graph task for an object at the procedure's
// initial state.
func (e *Engine) StartProcedure(ctx context.Context, p *model.Principal, objectType, objectID, procedureType, assignedTo string) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start_procedure",
		observability.AttrProcedureType.String(procedureType),
		observability.AttrObjectType.String(objectType),
		observability.AttrObjectID.String(objectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindGraph, "start_procedure", start, err) }()

	cfg, err := e.configs.GetActiveConfig(ctx, procedureType)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, p, Requirement{Role: cfg.Config.RequiredRole, Clearance: cfg.Config.RequiredClearance}); err != nil {
		return nil, err
	}
	if _, err := e.store.FindByProcedure(ctx, objectType, objectID, procedureType); err == nil {
		return nil, model.NewConflictError(fmt.Sprintf("procedure %q already started for %s %s", procedureType, objectType, objectID))
	} else if !model.IsCode(err, model.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	task := e.newProcedureTask(cfg, objectType, objectID, p.ID, now)
	if assignedTo != "" {
		if _, err := e.lookupAssignee(ctx, assignedTo); err != nil {
			return nil, err
		}
		e.assignGraph(&task, assignedTo, p.ID, now)
	}
	h := e.entry(ctx, &task, model.ActionStarted, p.ID, now)
	h.ToState = task.CurrentState
	h.ToStatus = task.Status
	h.AssignedTo = task.AssignedTo

	created, err := e.store.UpsertProcedureTask(ctx, task, h)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTaskStarted(model.TaskKindGraph)
	e.log(ctx).Info("procedure started", append(taskFields(&created), zap.String("user_id", p.ID))...)

	if created.IsAssigned() && created.AssignedTo != p.ID {
		pos := Position{Process: procedureLabel(cfg), Stage: cfg.Config.StateLabel(created.CurrentState)}
		e.deliver(ctx, &created, pos, []notice{{userID: created.AssignedTo, kind: model.NotifyTaskAssigned}})
	}
	return &created, nil
}

func (e *Engine) newProcedureTask(cfg *model.ProcedureConfig, objectType, objectID, actor string, now time.Time) model.TaskInstance {
	return model.TaskInstance{
		ID:            uuid.New().String(),
		Kind:          model.TaskKindGraph,
		ObjectID:      objectID,
		ObjectType:    objectType,
		ProcedureType: cfg.ProcedureType,
		CurrentState:  cfg.Config.Initial(),
		Status:        model.TaskStatusPending,
		Priority:      model.PriorityMedium,
		SubmittedBy:   actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *Engine) assignGraph(task *model.TaskInstance, userID, by string, now time.Time) {
	keep := task.Status == model.TaskStatusInProgress && task.AssignedTo == userID
	at := now
	task.AssignedTo = userID
	task.AssignedBy = by
	task.AssignedAt = &at
	if !keep {
		task.Status = model.TaskStatusClaimed
	}
}

// ApplyTransition validates and applies a procedure transition:
//
//  1. resolve the active config (CONFIG_NOT_FOUND)
//  2. look up the transition key (UNKNOWN_TRANSITION)
//  3. check the actor against the transition's gate (FORBIDDEN)
//  4. require the current state in the transition's from set
//     (INVALID_TRANSITION)
//  5. upsert the task with its new state and assignment, appending the
//     history entry in the same transaction
//  6. notify the new assignee unless the target state is final, in which
//     case pending notifications for the procedure are resolved instead
func (e *Engine) ApplyTransition(ctx context.Context, p *model.Principal, req TransitionRequest) (_ *TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.apply_transition",
		observability.AttrProcedureType.String(req.ProcedureType),
		observability.AttrTransitionKey.String(req.TransitionKey),
		observability.AttrObjectType.String(req.ObjectType),
		observability.AttrObjectID.String(req.ObjectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindGraph, req.TransitionKey, start, err) }()

	cfg, err := e.configs.GetActiveConfig(ctx, req.ProcedureType)
	if err != nil {
		return nil, err
	}
	def := &cfg.Config
	tr, ok := def.Transitions[req.TransitionKey]
	if !ok {
		return nil, model.NewUnknownTransitionError(req.ProcedureType, req.TransitionKey)
	}
	if err := e.authorize(ctx, p, e.graph.transitionRequirement(req.ProcedureType, def, tr)); err != nil {
		return nil, err
	}

	now := e.now()
	existing, err := e.store.FindByProcedure(ctx, req.ObjectType, req.ObjectID, req.ProcedureType)
	var task model.TaskInstance
	switch {
	case err == nil:
		task = existing
	case model.IsCode(err, model.ErrNotFound):
		task = e.newProcedureTask(cfg, req.ObjectType, req.ObjectID, p.ID, now)
	default:
		return nil, err
	}
	span.SetAttributes(observability.AttrTaskID.String(task.ID))

	fromState := task.CurrentState
	if req.FromState != "" && req.FromState != fromState {
		return nil, model.NewConflictError(
			fmt.Sprintf("%s is now %q, not %q; reload and try again", def.StateLabel(fromState), fromState, req.FromState),
		)
	}
	if !tr.AllowsFrom(fromState) {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q is not allowed from state %q", req.TransitionKey, fromState),
		)
	}
	if req.Priority != "" && !model.ValidPriority(req.Priority) {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "priority", Code: "INVALID_ENUM", Message: "priority must be one of low, medium, high, urgent",
		}})
	}

	assignee := req.AssignedTo
	if assignee != "" {
		if _, err := e.lookupAssignee(ctx, assignee); err != nil {
			return nil, err
		}
	} else if origin, ok := def.ReassignOn[req.TransitionKey]; ok && task.Version > 0 {
		performer, err := e.lastPerformer(ctx, task.ID, origin)
		if err != nil {
			return nil, err
		}
		if performer != "" {
			if _, err := e.lookupAssignee(ctx, performer); err == nil {
				assignee = performer
			} else {
				e.log(ctx).Warn("cannot reassign to original performer",
					zap.String("task_id", task.ID), zap.String("user_id", performer), zap.Error(err))
			}
		}
	}

	isFinal := e.configs.IsFinalState(ctx, req.ProcedureType, tr.To)
	previous := task.AssignedTo
	fromStatus := task.Status

	task.CurrentState = tr.To
	task.UpdatedAt = now
	if assignee != "" {
		e.assignGraph(&task, assignee, p.ID, now)
	}
	if req.Priority != "" {
		task.Priority = req.Priority
	}
	if req.DueDate != nil {
		task.DueDate = req.DueDate
	}
	if !isFinal && task.Status == model.TaskStatusCompleted {
		task.Status = model.TaskStatusPending
		if task.IsAssigned() {
			task.Status = model.TaskStatusClaimed
		}
	}
	if isFinal {
		task.Status = model.TaskStatusCompleted
		task.Decision = req.TransitionKey
		task.DecisionBy = p.ID
		task.DecisionComment = req.Comment
		task.DecisionAt = &now
	}

	h := e.entry(ctx, &task, model.ActionTransitioned, p.ID, now)
	h.FromState, h.ToState = fromState, tr.To
	h.FromStatus, h.ToStatus = fromStatus, task.Status
	h.TransitionKey = req.TransitionKey
	h.AssignedTo = assignee
	h.Comment = req.Comment
	h.Metadata = req.Metadata

	stored, err := e.store.UpsertProcedureTask(ctx, task, h)
	if err != nil {
		return nil, err
	}
	if task.Version == 0 {
		e.metrics.RecordTaskStarted(model.TaskKindGraph)
	}
	e.log(ctx).Info("transition applied", append(taskFields(&stored),
		zap.String("user_id", p.ID),
		zap.String("transition", req.TransitionKey),
		zap.String("from_state", fromState),
		zap.Bool("final", isFinal),
	)...)

	if isFinal {
		e.quiesce(ctx, &stored)
	} else {
		pos := Position{Process: procedureLabel(cfg), Stage: def.StateLabel(tr.To)}
		e.deliver(ctx, &stored, pos, e.transitionNotices(ctx, def, req, assignee, previous, p.ID))
	}

	return &TransitionResult{Task: stored, FromState: fromState, ToState: tr.To, IsFinal: isFinal}, nil
}

// transitionNotices notifies a newly set assignee and a previous holder
// who is losing the task. Keys listed in notify_on_transitions alert
// administrators when nobody else would hear about the transition.
func (e *Engine) transitionNotices(ctx context.Context, def *model.ProcedureDefinition, req TransitionRequest, assignee, previous, actor string) []notice {
	var out []notice
	if assignee != "" && assignee != actor {
		out = append(out, notice{userID: assignee, kind: model.NotifyTaskAssigned, text: req.Comment})
	}
	if previous != "" && previous != actor && previous != assignee {
		out = append(out, notice{userID: previous, kind: model.NotifyTransition, text: req.Comment})
	}
	if len(out) == 0 && def.NotifiesAdmins(req.TransitionKey) {
		admins, err := e.directory.UsersWithRole(ctx, model.RoleAdministrator)
		if err != nil {
			e.log(ctx).Warn("list administrators", zap.Error(err))
		}
		for _, a := range admins {
			if a.ID != actor && a.Active {
				out = append(out, notice{userID: a.ID, kind: model.NotifyTransition, text: req.Comment})
			}
		}
	}
	return out
}

// lastPerformer returns the user who most recently applied transitionKey
// to the task.
func (e *Engine) lastPerformer(ctx context.Context, taskID, transitionKey string) (string, error) {
	entries, err := e.store.History(ctx, taskID)
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TransitionKey == transitionKey {
			return entries[i].UserID, nil
		}
	}
	return "", nil
}

// ProcedureView is an object's position in one procedure.
type ProcedureView struct {
	ProcedureType string                   `json:"procedure_type"`
	Label         string                   `json:"label"`
	CurrentState  string                   `json:"current_state"`
	StateLabel    string                   `json:"state_label"`
	Started       bool                     `json:"started"`
	IsFinal       bool                     `json:"is_final"`
	Available     []model.TransitionOption `json:"available_transitions"`
	Task          *model.TaskInstance      `json:"task,omitempty"`
}

// ProcedureState reports where an object stands in a procedure and which
// transitions it may take next. Objects without a task sit at the initial
// state.
func (e *Engine) ProcedureState(ctx context.Context, objectType, objectID, procedureType string) (*ProcedureView, error) {
	cfg, err := e.configs.GetActiveConfig(ctx, procedureType)
	if err != nil {
		return nil, err
	}
	return e.procedureView(ctx, cfg, objectType, objectID)
}

func (e *Engine) procedureView(ctx context.Context, cfg *model.ProcedureConfig, objectType, objectID string) (*ProcedureView, error) {
	v := &ProcedureView{
		ProcedureType: cfg.ProcedureType,
		Label:         procedureLabel(cfg),
		CurrentState:  cfg.Config.Initial(),
	}
	task, err := e.store.FindByProcedure(ctx, objectType, objectID, cfg.ProcedureType)
	switch {
	case err == nil:
		v.Started = true
		v.CurrentState = task.CurrentState
		v.Task = &task
	case !model.IsCode(err, model.ErrNotFound):
		return nil, err
	}
	v.StateLabel = cfg.Config.StateLabel(v.CurrentState)
	v.IsFinal = e.configs.IsFinalState(ctx, cfg.ProcedureType, v.CurrentState)
	v.Available = cfg.Config.Available(v.CurrentState)
	if v.Available == nil {
		v.Available = []model.TransitionOption{}
	}
	return v, nil
}

// Progress summarises an object across every active procedure.
type Progress struct {
	Procedures []ProcedureView `json:"procedures"`
	Completed  int             `json:"completed"`
	Total      int             `json:"total"`
	Percent    int             `json:"percent"`
}

// ProcedureProgress reports the object's state in each active procedure and
// the share of started procedures that reached a final state.
func (e *Engine) ProcedureProgress(ctx context.Context, objectType, objectID string) (*Progress, error) {
	cfgs, err := e.configs.Active(ctx)
	if err != nil {
		return nil, err
	}
	out := &Progress{Procedures: []ProcedureView{}}
	for i := range cfgs {
		v, err := e.procedureView(ctx, &cfgs[i], objectType, objectID)
		if err != nil {
			return nil, err
		}
		out.Procedures = append(out.Procedures, *v)
		if !v.Started {
			continue
		}
		out.Total++
		if v.IsFinal {
			out.Completed++
		}
	}
	if out.Total > 0 {
		out.Percent = out.Completed * 100 / out.Total
	}
	return out, nil
}
