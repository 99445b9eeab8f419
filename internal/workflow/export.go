package workflow

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pitabwire/curator/model"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Export types served by the task store.
const (
	ExportWorkflow = "workflow"
	ExportTasks    = "tasks"
)

// Table is a flat export: one header row and string cells.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ExportSource produces one export type.
type ExportSource interface {
	ExportTable(ctx context.Context) (Table, error)
}

// ExportSourceFunc adapts a function to ExportSource.
type ExportSourceFunc func(ctx context.Context) (Table, error)

// ExportTable calls f.
func (f ExportSourceFunc) ExportTable(ctx context.Context) (Table, error) { return f(ctx) }

// Exporter writes audit tables as CSV or JSON. The workflow and tasks types
// are built in; other types (condition, valuation, movement, loan) belong
// to the host application and must be registered.
type Exporter struct {
	mu      sync.RWMutex
	sources map[string]ExportSource
}

// NewExporter creates an exporter over store.
func NewExporter(store Store) *Exporter {
	x := &Exporter{sources: make(map[string]ExportSource)}
	x.Register(ExportWorkflow, ExportSourceFunc(func(ctx context.Context) (Table, error) {
		return historyTable(ctx, store)
	}))
	x.Register(ExportTasks, ExportSourceFunc(func(ctx context.Context) (Table, error) {
		return taskTable(ctx, store)
	}))
	return x
}

// Register adds or replaces the source for an export type.
func (x *Exporter) Register(exportType string, src ExportSource) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sources[exportType] = src
}

// Types lists the registered export types.
func (x *Exporter) Types() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.sources))
	for k := range x.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	if format == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

// Write renders exportType to w in format.
func (x *Exporter) Write(ctx context.Context, w io.Writer, exportType, format string) error {
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatJSON {
		return model.NewBadRequestError(fmt.Sprintf("unsupported export format %q", format))
	}
	x.mu.RLock()
	src, ok := x.sources[exportType]
	x.mu.RUnlock()
	if !ok {
		return model.NewBadRequestError(fmt.Sprintf("no export source for type %q", exportType))
	}

	table, err := src.ExportTable(ctx)
	if err != nil {
		return fmt.Errorf("export %s: %w", exportType, err)
	}
	if format == FormatJSON {
		return writeJSON(w, table)
	}
	return writeCSV(w, table)
}

func writeCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

func writeJSON(w io.Writer, t Table) error {
	records := make([]map[string]string, len(t.Rows))
	for i, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns))
		for j, col := range t.Columns {
			if j < len(row) {
				rec[col] = row[j]
			}
		}
		records[i] = rec
	}
	return json.NewEncoder(w).Encode(records)
}

func historyTable(ctx context.Context, store Store) (Table, error) {
	entries, err := store.RecentHistory(ctx, HistoryFilter{})
	if err != nil {
		return Table{}, err
	}
	t := Table{Columns: []string{
		"performed_at", "task_id", "kind", "workflow_id", "procedure_type", "object_type", "object_id",
		"action", "from_step_id", "to_step_id", "from_state", "to_state", "from_status", "to_status",
		"transition_key", "user_id", "assigned_to", "comment",
	}}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		t.Rows = append(t.Rows, []string{
			e.PerformedAt.UTC().Format(time.RFC3339), e.TaskID, e.Kind, e.WorkflowID, e.ProcedureType,
			e.ObjectType, e.ObjectID, e.Action, e.FromStepID, e.ToStepID, e.FromState, e.ToState,
			e.FromStatus, e.ToStatus, e.TransitionKey, e.UserID, e.AssignedTo, e.Comment,
		})
	}
	return t, nil
}

func taskTable(ctx context.Context, store Store) (Table, error) {
	tasks, err := store.List(ctx, TaskFilter{OrderBy: OrderCreated})
	if err != nil {
		return Table{}, err
	}
	t := Table{Columns: []string{
		"id", "kind", "object_type", "object_id", "workflow_id", "current_step_id", "procedure_type",
		"current_state", "status", "assigned_to", "priority", "due_date", "retry_count",
		"submitted_by", "created_at", "updated_at",
	}}
	for _, task := range tasks {
		t.Rows = append(t.Rows, []string{
			task.ID, task.Kind, task.ObjectType, task.ObjectID, task.WorkflowID, task.CurrentStepID,
			task.ProcedureType, task.CurrentState, task.Status, task.AssignedTo, task.Priority,
			formatTime(task.DueDate), strconv.Itoa(task.RetryCount), task.SubmittedBy,
			task.CreatedAt.UTC().Format(time.RFC3339), task.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
