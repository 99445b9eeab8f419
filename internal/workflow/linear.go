package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// StartRequest starts a linear workflow on a domain object.
type StartRequest struct {
	ObjectID   string
	ObjectType string
	// WorkflowID selects a definition explicitly. When empty the most
	// specific active definition for Scope is used.
	WorkflowID string
	Scope      model.ScopeChain
	Priority   string
	DueDate    *time.Time
	Comment    string
}

// Decision carries the optional inputs of approve, reject and return.
type Decision struct {
	Comment string
	// ChecklistCompleted ticks every checklist item before approving.
	ChecklistCompleted bool
	// Checklist ticks items by label.
	Checklist []string
}

// StartWorkflow creates the linear task for an object at the first active
// step of its workflow. An object has at most one unfinished linear task.
func (e *Engine) StartWorkflow(ctx context.Context, p *model.Principal, req StartRequest) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start_workflow",
		observability.AttrObjectType.String(req.ObjectType),
		observability.AttrObjectID.String(req.ObjectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindLinear, "start_workflow", start, err) }()

	if p == nil || p.ID == "" {
		return nil, model.NewUnauthorizedError("authentication required")
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !model.ValidPriority(priority) {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "priority", Code: "INVALID_ENUM", Message: "priority must be one of low, medium, high, urgent",
		}})
	}

	wf, err := e.resolveWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrWorkflowID.String(wf.ID))
	if len(wf.Steps) == 0 {
		return nil, model.NewBadRequestError(fmt.Sprintf("workflow %q has no active steps", wf.Name))
	}

	active, err := e.store.FindActiveForObject(ctx, req.ObjectType, req.ObjectID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, model.NewConflictError(
			fmt.Sprintf("%s %s already has an unfinished workflow task %s", req.ObjectType, req.ObjectID, active[0].ID),
		)
	}

	now := e.now()
	first := &wf.Steps[0]
	task := model.TaskInstance{
		ID:            uuid.New().String(),
		Kind:          model.TaskKindLinear,
		ObjectID:      req.ObjectID,
		ObjectType:    req.ObjectType,
		WorkflowID:    wf.ID,
		CurrentStepID: first.ID,
		Status:        model.TaskStatusPending,
		Priority:      priority,
		DueDate:       req.DueDate,
		Checklist:     model.NewChecklist(first.Checklist),
		SubmittedBy:   p.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if task.DueDate == nil {
		task.DueDate = e.dueIn(now, first.EscalationDays)
	}

	started := e.entry(ctx, &task, model.ActionStarted, p.ID, now)
	started.ToStepID = first.ID
	started.ToStatus = model.TaskStatusPending
	started.Comment = req.Comment
	entries := []model.HistoryEntry{started}
	if assigned, ok := e.autoAssign(ctx, &task, first, now); ok {
		entries = append(entries, assigned)
	}

	created, err := e.store.Create(ctx, task, entries...)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTaskStarted(model.TaskKindLinear)
	e.log(ctx).Info("workflow started", append(taskFields(&created), zap.String("user_id", p.ID))...)
	if wf.NotificationEnabled {
		e.deliver(ctx, &created, Position{Process: wf.Name, Stage: first.Name}, e.stepNotices(ctx, &created, first, p.ID))
	}
	return &created, nil
}

func (e *Engine) resolveWorkflow(ctx context.Context, req StartRequest) (*model.WorkflowDefinition, error) {
	if req.WorkflowID == "" {
		found, err := e.definitions.GetActiveDefinition(ctx, req.Scope, req.ObjectType)
		if err != nil {
			return nil, err
		}
		return e.definitions.GetWorkflow(ctx, found.ID)
	}
	wf, err := e.definitions.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, model.NewBadRequestError(fmt.Sprintf("workflow %q is inactive", wf.Name))
	}
	if wf.AppliesToObjectType != req.ObjectType {
		return nil, model.NewBadRequestError(
			fmt.Sprintf("workflow %q applies to %s, not %s", wf.Name, wf.AppliesToObjectType, req.ObjectType),
		)
	}
	return wf, nil
}

// autoAssign assigns task when step has its pool disabled and a single
// eligible assignee can be determined. It returns the assignment entry.
func (e *Engine) autoAssign(ctx context.Context, task *model.TaskInstance, step *model.WorkflowStep, now time.Time) (model.HistoryEntry, bool) {
	if step.PoolEnabled {
		return model.HistoryEntry{}, false
	}
	userID := step.AutoAssignUserID
	if userID == "" && len(step.AllowedUserIDs) == 1 {
		userID = step.AllowedUserIDs[0]
	}
	if userID == "" && step.RequiredRole != "" {
		if users := e.eligible(ctx, stepRequirement(step)); len(users) == 1 {
			userID = users[0].ID
		}
	}
	if userID == "" {
		e.log(ctx).Warn("step has no pool and no single assignee",
			zap.String("workflow_id", step.WorkflowID), zap.String("step_id", step.ID))
		return model.HistoryEntry{}, false
	}

	at := now
	task.AssignedTo = userID
	task.AssignedBy = SystemActor
	task.AssignedAt = &at
	task.Status = model.TaskStatusClaimed

	h := e.entry(ctx, task, model.ActionAssigned, SystemActor, now)
	h.FromStepID, h.ToStepID = step.ID, step.ID
	h.FromStatus, h.ToStatus = model.TaskStatusPending, model.TaskStatusClaimed
	h.AssignedTo = userID
	return h, true
}

// stepNotices tells the assignee, or the pool, that a task reached a step.
func (e *Engine) stepNotices(ctx context.Context, task *model.TaskInstance, step *model.WorkflowStep, actor string) []notice {
	if task.IsAssigned() {
		if task.AssignedTo == actor {
			return nil
		}
		return []notice{{userID: task.AssignedTo, kind: model.NotifyTaskAssigned, text: step.Instructions}}
	}
	return e.poolNotices(ctx, stepRequirement(step), actor)
}

// actable loads a linear task and checks that p holds it and still passes
// its step's gate.
func (e *Engine) actable(ctx context.Context, p *model.Principal, taskID string) (*model.TaskInstance, *model.WorkflowDefinition, *model.WorkflowStep, error) {
	if p == nil || p.ID == "" {
		return nil, nil, nil, model.NewUnauthorizedError("authentication required")
	}
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if task.Kind != model.TaskKindLinear {
		return nil, nil, nil, model.NewBadRequestError(fmt.Sprintf("task %s is a procedure task; apply a transition instead", task.ID))
	}
	if !task.IsActionable() {
		return nil, nil, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("task %s is %s; claim it before deciding", task.ID, task.Status),
		)
	}
	if task.AssignedTo != p.ID {
		return nil, nil, nil, model.NewForbiddenError("only the assignee may act on this task")
	}
	step, err := e.linear.step(ctx, task)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := e.authorize(ctx, p, stepRequirement(step)); err != nil {
		return nil, nil, nil, err
	}
	wf, err := e.definitions.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	return task, wf, step, nil
}

// Approve completes the current step. The task moves to the next active
// step, or is approved when no step remains. Optional steps are skipped
// when the workflow does not require every step.
func (e *Engine) Approve(ctx context.Context, p *model.Principal, taskID string, d Decision) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.approve", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindLinear, "approve", start, err) }()

	task, wf, step, err := e.actable(ctx, p, taskID)
	if err != nil {
		return nil, err
	}
	tickChecklist(task, d)
	if !task.ChecklistCompleted() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "checklist", Code: "INCOMPLETE", Message: "every checklist item must be completed before approving",
		}})
	}

	now := e.now()
	approved := e.entry(ctx, task, model.ActionApproved, p.ID, now)
	approved.FromStepID = step.ID
	approved.FromStatus = task.Status
	approved.Comment = d.Comment
	entries := []model.HistoryEntry{}

	next, skipped := nextStep(wf, step)
	skips := make([]model.HistoryEntry, 0, len(skipped))
	for _, s := range skipped {
		h := e.entry(ctx, task, model.ActionSkipped, SystemActor, now)
		h.FromStepID, h.ToStepID = s.ID, s.ID
		skips = append(skips, h)
	}
	task.Decision = model.ActionApproved
	task.DecisionBy = p.ID
	task.DecisionComment = d.Comment
	task.DecisionAt = &now
	task.AssignedTo, task.AssignedBy, task.AssignedAt = "", "", nil
	task.UpdatedAt = now

	if next == nil {
		task.Status = model.TaskStatusApproved
		approved.ToStepID = step.ID
		approved.ToStatus = model.TaskStatusApproved
		completed := e.entry(ctx, task, model.ActionCompleted, p.ID, now)
		completed.FromStepID, completed.ToStepID = step.ID, step.ID
		completed.FromStatus, completed.ToStatus = model.TaskStatusApproved, model.TaskStatusApproved
		entries = append(entries, approved)
		entries = append(entries, skips...)
		entries = append(entries, completed)
	} else {
		approved.ToStepID = next.ID
		approved.ToStatus = model.TaskStatusPending
		entries = append(entries, approved)
		entries = append(entries, skips...)
		task.CurrentStepID = next.ID
		task.Status = model.TaskStatusPending
		task.Checklist = model.NewChecklist(next.Checklist)
		task.DueDate = e.dueIn(now, next.EscalationDays)
		if h, ok := e.autoAssign(ctx, task, next, now); ok {
			entries = append(entries, h)
		}
	}

	updated, err := e.store.Update(ctx, *task, entries...)
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("step approved", append(taskFields(&updated),
		zap.String("user_id", p.ID), zap.String("from_step_id", step.ID))...)

	if wf.NotificationEnabled {
		if next == nil {
			e.deliver(ctx, &updated, Position{Process: wf.Name, Stage: step.Name}, e.submitterNotice(&updated, model.NotifyWorkflowCompleted, d.Comment, p.ID))
		} else {
			e.deliver(ctx, &updated, Position{Process: wf.Name, Stage: next.Name, Instructions: next.Instructions}, e.stepNotices(ctx, &updated, next, p.ID))
		}
	}
	return &updated, nil
}

// nextStep returns the step after current and any optional steps skipped
// on the way.
func nextStep(wf *model.WorkflowDefinition, current *model.WorkflowStep) (*model.WorkflowStep, []model.WorkflowStep) {
	var skipped []model.WorkflowStep
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if s.Sequence <= current.Sequence || !s.IsActive {
			continue
		}
		if s.IsOptional && !wf.RequireAllSteps {
			skipped = append(skipped, *s)
			continue
		}
		return s, skipped
	}
	return nil, skipped
}

func tickChecklist(task *model.TaskInstance, d Decision) {
	for i := range task.Checklist {
		if d.ChecklistCompleted || contains(d.Checklist, task.Checklist[i].Label) {
			task.Checklist[i].Completed = true
		}
	}
}

// Reject ends the workflow. A comment is required.
func (e *Engine) Reject(ctx context.Context, p *model.Principal, taskID string, d Decision) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reject", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindLinear, "reject", start, err) }()

	task, wf, step, err := e.actable(ctx, p, taskID)
	if err != nil {
		return nil, err
	}
	if !step.AllowsReject() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q requires %s and cannot be rejected", step.Name, step.ActionRequired),
		)
	}
	if strings.TrimSpace(d.Comment) == "" {
		return nil, model.NewCommentRequiredError("reject")
	}

	updated, err := e.decide(ctx, p, task, step, model.TaskStatusRejected, model.ActionRejected, d.Comment)
	if err != nil {
		return nil, err
	}
	if wf.NotificationEnabled {
		e.deliver(ctx, &updated, Position{Process: wf.Name, Stage: step.Name}, e.submitterNotice(&updated, model.NotifyTaskRejected, d.Comment, p.ID))
	}
	return &updated, nil
}

// Return sends the task back to its submitter for changes. A comment is
// required and the retry count grows by one.
func (e *Engine) Return(ctx context.Context, p *model.Principal, taskID string, d Decision) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.return", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindLinear, "return", start, err) }()

	task, wf, step, err := e.actable(ctx, p, taskID)
	if err != nil {
		return nil, err
	}
	if !step.AllowsReturn() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q requires %s and cannot be returned", step.Name, step.ActionRequired),
		)
	}
	if strings.TrimSpace(d.Comment) == "" {
		return nil, model.NewCommentRequiredError("return")
	}

	task.RetryCount++
	updated, err := e.decide(ctx, p, task, step, model.TaskStatusReturned, model.ActionReturned, d.Comment)
	if err != nil {
		return nil, err
	}
	if wf.NotificationEnabled {
		e.deliver(ctx, &updated, Position{Process: wf.Name, Stage: step.Name}, e.submitterNotice(&updated, model.NotifyTaskReturned, d.Comment, p.ID))
	}
	return &updated, nil
}

// decide records a reject or return decision on the current step.
func (e *Engine) decide(ctx context.Context, p *model.Principal, task *model.TaskInstance, step *model.WorkflowStep, status, action, comment string) (model.TaskInstance, error) {
	now := e.now()
	h := e.entry(ctx, task, action, p.ID, now)
	h.FromStepID, h.ToStepID = step.ID, step.ID
	h.FromStatus, h.ToStatus = task.Status, status
	h.Comment = comment

	task.Status = status
	task.Decision = action
	task.DecisionBy = p.ID
	task.DecisionComment = comment
	task.DecisionAt = &now
	task.AssignedTo, task.AssignedBy, task.AssignedAt = "", "", nil
	task.UpdatedAt = now

	updated, err := e.store.Update(ctx, *task, h)
	if err != nil {
		return model.TaskInstance{}, err
	}
	e.log(ctx).Info("step "+action, append(taskFields(&updated), zap.String("user_id", p.ID))...)
	return updated, nil
}

// Resubmit puts a returned task back at the same step. Only the submitter
// may resubmit.
func (e *Engine) Resubmit(ctx context.Context, p *model.Principal, taskID, comment string) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.resubmit", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()
	defer func() { e.observe(model.TaskKindLinear, "resubmit", start, err) }()

	if p == nil || p.ID == "" {
		return nil, model.NewUnauthorizedError("authentication required")
	}
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Kind != model.TaskKindLinear || task.Status != model.TaskStatusReturned {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("task %s is %s and cannot be resubmitted", task.ID, task.Status))
	}
	if task.SubmittedBy != p.ID {
		return nil, model.NewForbiddenError("only the submitter may resubmit this task")
	}
	step, err := e.linear.step(ctx, task)
	if err != nil {
		return nil, err
	}
	wf, err := e.definitions.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	h := e.entry(ctx, task, model.ActionResubmitted, p.ID, now)
	h.FromStepID, h.ToStepID = step.ID, step.ID
	h.FromStatus, h.ToStatus = task.Status, model.TaskStatusPending
	h.Comment = comment
	entries := []model.HistoryEntry{h}

	task.Status = model.TaskStatusPending
	task.Decision, task.DecisionBy, task.DecisionComment, task.DecisionAt = "", "", "", nil
	task.Checklist = model.NewChecklist(step.Checklist)
	task.DueDate = e.dueIn(now, step.EscalationDays)
	task.UpdatedAt = now
	if a, ok := e.autoAssign(ctx, task, step, now); ok {
		entries = append(entries, a)
	}

	updated, err := e.store.Update(ctx, *task, entries...)
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("task resubmitted", append(taskFields(&updated), zap.Int("retry_count", updated.RetryCount))...)
	if wf.NotificationEnabled {
		e.deliver(ctx, &updated, Position{Process: wf.Name, Stage: step.Name, Instructions: step.Instructions}, e.stepNotices(ctx, &updated, step, p.ID))
	}
	return &updated, nil
}

func (e *Engine) submitterNotice(task *model.TaskInstance, kind, comment, actor string) []notice {
	if task.SubmittedBy == "" || task.SubmittedBy == actor {
		return nil
	}
	return []notice{{userID: task.SubmittedBy, kind: kind, text: comment}}
}
