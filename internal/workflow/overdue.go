package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/curator/model"
)

// OverdueScope narrows ListOverdue. Zero fields do not filter.
type OverdueScope struct {
	ProcedureType string
	WorkflowID    string
	AssignedTo    string
	Limit         int
}

// OverdueTask is an unfinished task past its due date.
type OverdueTask struct {
	model.TaskInstance
	DaysOverdue int `json:"days_overdue"`
}

// ListOverdue returns unfinished tasks whose due date has passed, most
// overdue first. It only reads; nothing is escalated.
func (e *Engine) ListOverdue(ctx context.Context, scope OverdueScope) ([]OverdueTask, error) {
	now := e.now()
	limit := scope.Limit
	if limit <= 0 || limit > e.overdueLimit {
		limit = e.overdueLimit
	}
	tasks, err := e.store.List(ctx, TaskFilter{
		ProcedureType:   scope.ProcedureType,
		WorkflowID:      scope.WorkflowID,
		AssignedTo:      scope.AssignedTo,
		ExcludeStatuses: terminalStatuses,
		DueBefore:       &now,
		OrderBy:         OrderDue,
	})
	if err != nil {
		return nil, err
	}

	out := make([]OverdueTask, 0, len(tasks))
	for _, t := range e.dropFinal(ctx, tasks) {
		out = append(out, OverdueTask{TaskInstance: t, DaysOverdue: daysBetween(*t.DueDate, now)})
	}
	if scope == (OverdueScope{}) {
		e.metrics.SetOverdueTasks(len(out))
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// daysBetween counts whole days from due to now.
func daysBetween(due, now time.Time) int {
	return int(now.Sub(due) / (24 * time.Hour))
}
