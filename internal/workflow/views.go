package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/model"
)

// TaskDetail is a task with its labels and audit trail.
type TaskDetail struct {
	Task        model.TaskInstance       `json:"task"`
	Position    Position                 `json:"position"`
	ObjectTitle string                   `json:"object_title,omitempty"`
	IsFinal     bool                     `json:"is_final"`
	IsOverdue   bool                     `json:"is_overdue"`
	Available   []model.TransitionOption `json:"available_transitions,omitempty"`
	History     []model.HistoryEntry     `json:"history"`
}

// GetTask returns a task with display labels, the object's title when the
// resolver knows it, and the task's history.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	d := &TaskDetail{Task: *task}

	pos, err := e.progression(task).Position(ctx, task)
	if err != nil {
		// Labels are display-only; a deactivated config must not hide the task.
		e.log(ctx).Debug("task position unavailable", zap.String("task_id", task.ID), zap.Error(err))
		pos = Position{Process: model.Humanize(task.ProcedureType), Stage: model.Humanize(task.CurrentState)}
	}
	d.Position = pos
	if e.objects != nil {
		if title, ok := e.objects.ObjectTitle(ctx, task.ObjectType, task.ObjectID); ok {
			d.ObjectTitle = title
		}
	}
	d.IsFinal = e.isFinal(ctx, task)
	d.IsOverdue = !d.IsFinal && task.DueDate != nil && task.DueDate.Before(e.now())
	if task.Kind == model.TaskKindGraph && !d.IsFinal {
		if cfg, err := e.configs.GetActiveConfig(ctx, task.ProcedureType); err == nil {
			d.Available = cfg.Config.Available(task.CurrentState)
		}
	}

	d.History, err = e.store.History(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if d.History == nil {
		d.History = []model.HistoryEntry{}
	}
	return d, nil
}

// ObjectHistory returns every entry recorded against an object across all
// of its tasks, oldest first.
func (e *Engine) ObjectHistory(ctx context.Context, objectType, objectID string) ([]model.HistoryEntry, error) {
	entries, err := e.store.ObjectHistory(ctx, objectType, objectID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return entries, nil
}

// RecentActivity returns the newest history entries across all tasks.
func (e *Engine) RecentActivity(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := e.store.RecentHistory(ctx, HistoryFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return entries, nil
}

// Dashboard carries the counters of the workflow overview page.
type Dashboard struct {
	Stats
	ActiveWorkflows  int `json:"active_workflows"`
	ActiveProcedures int `json:"active_procedures"`
}

// Dashboard computes the overview counters. userID fills the personal
// counters and may be empty.
func (e *Engine) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	stats, err := e.store.Stats(ctx, e.now(), userID)
	if err != nil {
		return nil, err
	}
	active := true
	wfs, err := e.definitions.ListWorkflows(ctx, definition.WorkflowFilter{Active: &active})
	if err != nil {
		return nil, err
	}
	cfgs, err := e.configs.Active(ctx)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Stats: stats, ActiveWorkflows: len(wfs), ActiveProcedures: len(cfgs)}, nil
}
