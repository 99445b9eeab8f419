package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// Claim assigns a pooled task to p. Exactly one of several concurrent
// claimants wins; the others receive ALREADY_CLAIMED naming the winner.
func (e *Engine) Claim(ctx context.Context, p *model.Principal, taskID string) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.claim", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	prog := e.progression(task)

	if e.isFinal(ctx, task) {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("task %s is already finished", task.ID))
	}
	if task.IsAssigned() {
		e.metrics.RecordClaim(task.Kind, "lost")
		return nil, model.NewAlreadyClaimedError(task.ID, task.AssignedTo)
	}
	if task.Status != model.TaskStatusPending {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("task %s is %s and cannot be claimed", task.ID, task.Status),
		)
	}

	req, err := prog.Requirement(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, p, req); err != nil {
		e.metrics.RecordClaim(task.Kind, "forbidden")
		return nil, err
	}

	now := e.now()
	days, err := prog.EscalationDays(ctx, task)
	if err != nil {
		return nil, err
	}
	entry := e.entry(ctx, task, model.ActionClaimed, p.ID, now)
	entry.FromStatus = task.Status
	entry.ToStatus = model.TaskStatusClaimed
	entry.FromStepID, entry.ToStepID = task.CurrentStepID, task.CurrentStepID
	entry.FromState, entry.ToState = task.CurrentState, task.CurrentState
	entry.AssignedTo = p.ID

	claimed, err := e.store.Claim(ctx, ClaimRequest{
		TaskID:     task.ID,
		UserID:     p.ID,
		AssignedBy: p.ID,
		At:         now,
		DueDate:    e.dueIn(now, days),
		Entry:      entry,
	})
	if err != nil {
		if model.IsCode(err, model.ErrAlreadyClaimed) {
			e.metrics.RecordClaim(task.Kind, "lost")
			e.log(ctx).Info("claim lost", zap.String("task_id", task.ID), zap.String("user_id", p.ID))
		}
		return nil, err
	}

	e.metrics.RecordClaim(claimed.Kind, "won")
	e.log(ctx).Info("task claimed", append(taskFields(&claimed), zap.String("user_id", p.ID))...)
	return &claimed, nil
}

// Release returns a claimed task to the pool. Only the assignee or an
// administrator may release.
func (e *Engine) Release(ctx context.Context, p *model.Principal, taskID, comment string) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.release", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { e.observe(task.Kind, "release", start, err) }()

	if p == nil || p.ID == "" {
		return nil, model.NewUnauthorizedError("authentication required")
	}
	if !task.IsAssigned() || !task.IsActionable() {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("task %s is not claimed", task.ID))
	}
	if task.AssignedTo != p.ID && !p.IsAdministrator() && !p.Capabilities.Has(model.CapTasksRelease) {
		return nil, model.NewForbiddenError("only the assignee or an administrator may release this task")
	}

	now := e.now()
	entry := e.entry(ctx, task, model.ActionReleased, p.ID, now)
	entry.FromStatus, entry.ToStatus = task.Status, model.TaskStatusPending
	entry.FromStepID, entry.ToStepID = task.CurrentStepID, task.CurrentStepID
	entry.FromState, entry.ToState = task.CurrentState, task.CurrentState
	entry.Comment = comment

	previous := task.AssignedTo
	task.Status = model.TaskStatusPending
	task.AssignedTo = ""
	task.AssignedBy = ""
	task.AssignedAt = nil
	task.UpdatedAt = now
	entries := []model.HistoryEntry{entry}

	// A step without a pool hands the task straight to its assignee again.
	if task.Kind == model.TaskKindLinear {
		step, err := e.linear.step(ctx, task)
		if err != nil {
			return nil, err
		}
		if !step.PoolEnabled {
			assigned, ok := e.autoAssign(ctx, task, step, now)
			if !ok {
				return nil, model.NewInvalidTransitionError(
					fmt.Sprintf("step %q has no pool and no assignee to hand task %s to", step.Name, task.ID),
				)
			}
			entries = append(entries, assigned)
		}
	}

	updated, err := e.store.Update(ctx, *task, entries...)
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("task released", append(taskFields(&updated),
		zap.String("user_id", p.ID), zap.String("previous_assignee", previous))...)
	return &updated, nil
}

// Start moves a claimed task to in_progress. Only the assignee may start.
func (e *Engine) Start(ctx context.Context, p *model.Principal, taskID string) (_ *model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start", observability.AttrTaskID.String(taskID))
	defer func() { observability.EndSpanWithError(span, err) }()
	start := time.Now()

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { e.observe(task.Kind, "start", start, err) }()

	if p == nil || p.ID == "" {
		return nil, model.NewUnauthorizedError("authentication required")
	}
	if task.Status != model.TaskStatusClaimed {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("task %s is %s; only claimed tasks can be started", task.ID, task.Status),
		)
	}
	if task.AssignedTo != p.ID {
		return nil, model.NewForbiddenError("only the assignee may start this task")
	}

	now := e.now()
	entry := e.entry(ctx, task, model.ActionInProgress, p.ID, now)
	entry.FromStatus, entry.ToStatus = task.Status, model.TaskStatusInProgress
	entry.FromStepID, entry.ToStepID = task.CurrentStepID, task.CurrentStepID
	entry.FromState, entry.ToState = task.CurrentState, task.CurrentState

	task.Status = model.TaskStatusInProgress
	task.UpdatedAt = now

	updated, err := e.store.Update(ctx, *task, entry)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// MyTasksFilter narrows ListMyTasks.
type MyTasksFilter struct {
	Status        string
	Kind          string
	ProcedureType string
	Limit         int
}

// ListMyTasks returns the tasks assigned to userID that have not finished.
// Graph tasks are checked against their own procedure's final states.
func (e *Engine) ListMyTasks(ctx context.Context, userID string, f MyTasksFilter) ([]model.TaskInstance, error) {
	filter := TaskFilter{
		AssignedTo:      userID,
		ExcludeStatuses: terminalStatuses,
		Kind:            f.Kind,
		ProcedureType:   f.ProcedureType,
		OrderBy:         OrderPriority,
	}
	if f.Status != "" {
		filter.Statuses = []string{f.Status}
	}
	tasks, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := e.dropFinal(ctx, tasks)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListPool returns unassigned pending tasks p may claim, highest priority
// first and oldest first within a priority.
func (e *Engine) ListPool(ctx context.Context, p *model.Principal) ([]model.TaskInstance, error) {
	tasks, err := e.store.List(ctx, TaskFilter{
		Unassigned: true,
		Statuses:   []string{model.TaskStatusPending},
		OrderBy:    OrderPriority,
	})
	if err != nil {
		return nil, err
	}

	var out []model.TaskInstance
	for i := range tasks {
		t := &tasks[i]
		if e.isFinal(ctx, t) {
			continue
		}
		req, err := e.progression(t).Requirement(ctx, t)
		if err != nil {
			e.log(ctx).Debug("pool task skipped", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if e.authorize(ctx, p, req) == nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (e *Engine) dropFinal(ctx context.Context, tasks []model.TaskInstance) []model.TaskInstance {
	out := tasks[:0]
	for i := range tasks {
		if !e.isFinal(ctx, &tasks[i]) {
			out = append(out, tasks[i])
		}
	}
	return out
}
