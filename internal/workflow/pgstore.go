package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/curator/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL task store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskColumns = `id, kind, object_id, object_type, workflow_id, current_step_id, procedure_type, current_state,
	status, assigned_to, assigned_by, assigned_at, priority, due_date, retry_count, checklist,
	submitted_by, decision, decision_comment, decision_by, decision_at, version, created_at, updated_at`

const historyColumns = `id, task_id, kind, workflow_id, procedure_type, object_id, object_type, action,
	from_step_id, to_step_id, from_state, to_state, from_status, to_status, transition_key,
	user_id, assigned_to, comment, metadata, ip_address, user_agent, performed_at`

// Create inserts a task and its entries.
func (s *PgStore) Create(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	task.Version = 1
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		checklist, err := marshalChecklist(task.Checklist)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			        $17, $18, $19, $20, $21, $22, $23, $24)`,
			task.ID, task.Kind, task.ObjectID, task.ObjectType, task.WorkflowID, task.CurrentStepID,
			task.ProcedureType, task.CurrentState, task.Status, nullable(task.AssignedTo), task.AssignedBy,
			task.AssignedAt, task.Priority, task.DueDate, task.RetryCount, checklist,
			task.SubmittedBy, task.Decision, task.DecisionComment, task.DecisionBy, task.DecisionAt,
			task.Version, task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return model.NewConflictError(
					fmt.Sprintf("procedure %q already started for %s %s", task.ProcedureType, task.ObjectType, task.ObjectID),
				)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return insertHistory(ctx, tx, entries)
	})
	if err != nil {
		return model.TaskInstance{}, err
	}
	return task, nil
}

// Get retrieves a task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.TaskInstance, error) {
	return getTask(ctx, s.pool, id)
}

func getTask(ctx context.Context, q pgxQuerier, id string) (model.TaskInstance, error) {
	t, err := scanTask(q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskInstance{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// FindByProcedure retrieves the graph task for an object and procedure.
func (s *PgStore) FindByProcedure(ctx context.Context, objectType, objectID, procedureType string) (model.TaskInstance, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = 'graph' AND object_type = $1 AND object_id = $2 AND procedure_type = $3`,
		objectType, objectID, procedureType,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no %s task for %s %s", procedureType, objectType, objectID),
		)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query procedure task: %w", err)
	}
	return t, nil
}

// FindActiveForObject returns the object's non-terminal linear tasks.
func (s *PgStore) FindActiveForObject(ctx context.Context, objectType, objectID string) ([]model.TaskInstance, error) {
	return s.List(ctx, TaskFilter{
		Kind:            model.TaskKindLinear,
		ObjectType:      objectType,
		ObjectID:        objectID,
		ExcludeStatuses: terminalStatuses,
		OrderBy:         OrderCreated,
	})
}

// Claim performs the conditional assignment and writes the claim entry in
// the same transaction.
func (s *PgStore) Claim(ctx context.Context, req ClaimRequest) (model.TaskInstance, error) {
	var claimed model.TaskInstance
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `
			UPDATE tasks SET
				assigned_to = $2,
				assigned_by = $3,
				assigned_at = $4,
				status = 'claimed',
				due_date = COALESCE($5, due_date),
				version = version + 1,
				updated_at = $4
			WHERE id = $1 AND assigned_to IS NULL AND status = 'pending'
			RETURNING `+taskColumns,
			req.TaskID, req.UserID, req.AssignedBy, req.At, req.DueDate,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := getTask(ctx, tx, req.TaskID)
			if gerr != nil {
				return gerr
			}
			if current.AssignedTo != "" {
				return model.NewAlreadyClaimedError(current.ID, current.AssignedTo)
			}
			return model.NewInvalidTransitionError(
				fmt.Sprintf("task %s is %s and cannot be claimed", current.ID, current.Status),
			)
		}
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		claimed = t
		return insertHistory(ctx, tx, []model.HistoryEntry{req.Entry})
	})
	if err != nil {
		return model.TaskInstance{}, err
	}
	return claimed, nil
}

// Update writes the task with optimistic locking.
func (s *PgStore) Update(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return updateTask(ctx, tx, task, entries)
	})
	if err != nil {
		return model.TaskInstance{}, err
	}
	task.Version++
	return task, nil
}

func updateTask(ctx context.Context, tx pgx.Tx, task model.TaskInstance, entries []model.HistoryEntry) error {
	checklist, err := marshalChecklist(task.Checklist)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET
			current_step_id = $2,
			current_state = $3,
			status = $4,
			assigned_to = $5,
			assigned_by = $6,
			assigned_at = $7,
			priority = $8,
			due_date = $9,
			retry_count = $10,
			checklist = $11,
			decision = $12,
			decision_comment = $13,
			decision_by = $14,
			decision_at = $15,
			updated_at = $16,
			version = version + 1
		WHERE id = $1 AND version = $17`,
		task.ID, task.CurrentStepID, task.CurrentState, task.Status,
		nullable(task.AssignedTo), task.AssignedBy, task.AssignedAt, task.Priority, task.DueDate,
		task.RetryCount, checklist, task.Decision, task.DecisionComment, task.DecisionBy, task.DecisionAt,
		task.UpdatedAt, task.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getTask(ctx, tx, task.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d)", task.ID, task.Version),
		)
	}
	return insertHistory(ctx, tx, entries)
}

// UpsertProcedureTask inserts or updates a graph task.
func (s *PgStore) UpsertProcedureTask(ctx context.Context, task model.TaskInstance, entries ...model.HistoryEntry) (model.TaskInstance, error) {
	if task.Version == 0 {
		return s.Create(ctx, task, entries...)
	}
	return s.Update(ctx, task, entries...)
}

// List returns tasks matching filter.
func (s *PgStore) List(ctx context.Context, filter TaskFilter) ([]model.TaskInstance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AssignedTo != "" {
		add("assigned_to = $%d", filter.AssignedTo)
	}
	if filter.Unassigned {
		where = append(where, "assigned_to IS NULL")
	}
	if filter.SubmittedBy != "" {
		add("submitted_by = $%d", filter.SubmittedBy)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", filter.Statuses)
	}
	if len(filter.ExcludeStatuses) > 0 {
		add("NOT (status = ANY($%d))", filter.ExcludeStatuses)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.ProcedureType != "" {
		add("procedure_type = $%d", filter.ProcedureType)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.ObjectType != "" {
		add("object_type = $%d", filter.ObjectType)
	}
	if filter.ObjectID != "" {
		add("object_id = $%d", filter.ObjectID)
	}
	if filter.DueBefore != nil {
		add("due_date < $%d", *filter.DueBefore)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + orderClause(filter.OrderBy)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []model.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func orderClause(order string) string {
	switch order {
	case OrderPriority:
		return `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'low' THEN 0 ELSE 1 END DESC, created_at, id`
	case OrderDue:
		return "due_date ASC NULLS LAST, created_at, id"
	case OrderCreated:
		return "created_at, id"
	default:
		return "updated_at DESC, id"
	}
}

// History returns a task's entries in commit order.
func (s *PgStore) History(ctx context.Context, taskID string) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `
		SELECT `+historyColumns+` FROM task_history WHERE task_id = $1 ORDER BY seq`, taskID)
}

// ObjectHistory returns an object's entries in commit order.
func (s *PgStore) ObjectHistory(ctx context.Context, objectType, objectID string) ([]model.HistoryEntry, error) {
	return s.queryHistory(ctx, `
		SELECT `+historyColumns+` FROM task_history
		WHERE object_type = $1 AND object_id = $2 ORDER BY seq`, objectType, objectID)
}

// RecentHistory returns entries newest first.
func (s *PgStore) RecentHistory(ctx context.Context, filter HistoryFilter) ([]model.HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.Since != nil {
		add("performed_at >= $%d", *filter.Since)
	}
	query := `SELECT ` + historyColumns + ` FROM task_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryHistory(ctx, query, args...)
}

func (s *PgStore) queryHistory(ctx context.Context, query string, args ...any) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e        model.HistoryEntry
			metadata []byte
		)
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.Kind, &e.WorkflowID, &e.ProcedureType, &e.ObjectID, &e.ObjectType, &e.Action,
			&e.FromStepID, &e.ToStepID, &e.FromState, &e.ToState, &e.FromStatus, &e.ToStatus, &e.TransitionKey,
			&e.UserID, &e.AssignedTo, &e.Comment, &metadata, &e.IPAddress, &e.UserAgent, &e.PerformedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if metadata != nil {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountActive counts non-terminal tasks of a workflow or step.
func (s *PgStore) CountActive(ctx context.Context, workflowID, stepID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM tasks
		WHERE workflow_id = $1 AND ($2 = '' OR current_step_id = $2)
		  AND status NOT IN ('approved', 'rejected', 'completed')`,
		workflowID, stepID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// Stats computes dashboard counters in one scan.
func (s *PgStore) Stats(ctx context.Context, now time.Time, userID string) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status IN ('claimed', 'in_progress')),
			count(*) FILTER (WHERE status IN ('approved', 'completed') AND updated_at >= $2),
			count(*) FILTER (WHERE status NOT IN ('approved', 'rejected', 'completed') AND due_date < $1),
			count(*) FILTER (WHERE $3 <> '' AND assigned_to = $3 AND status IN ('claimed', 'in_progress')),
			count(*) FILTER (WHERE $3 <> '' AND submitted_by = $3 AND status NOT IN ('approved', 'rejected', 'completed'))
		FROM tasks`,
		now, startOfDay(now), userID,
	).Scan(&st.Pending, &st.Claimed, &st.CompletedToday, &st.Overdue, &st.MyTasks, &st.MySubmissions)
	if err != nil {
		return Stats{}, fmt.Errorf("query task stats: %w", err)
	}
	return st, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertHistory(ctx context.Context, tx pgx.Tx, entries []model.HistoryEntry) error {
	for _, e := range entries {
		var metadata []byte
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal history metadata: %w", err)
			}
			metadata = b
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO task_history (`+historyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			        $16, $17, $18, $19, $20, $21, $22)`,
			e.ID, e.TaskID, e.Kind, e.WorkflowID, e.ProcedureType, e.ObjectID, e.ObjectType, e.Action,
			e.FromStepID, e.ToStepID, e.FromState, e.ToState, e.FromStatus, e.ToStatus, e.TransitionKey,
			e.UserID, e.AssignedTo, e.Comment, metadata, e.IPAddress, e.UserAgent, e.PerformedAt,
		)
		if err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	return nil
}

func scanTask(row pgx.Row) (model.TaskInstance, error) {
	var (
		t          model.TaskInstance
		assignedTo *string
		checklist  []byte
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.ObjectID, &t.ObjectType, &t.WorkflowID, &t.CurrentStepID, &t.ProcedureType, &t.CurrentState,
		&t.Status, &assignedTo, &t.AssignedBy, &t.AssignedAt, &t.Priority, &t.DueDate, &t.RetryCount, &checklist,
		&t.SubmittedBy, &t.Decision, &t.DecisionComment, &t.DecisionBy, &t.DecisionAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if assignedTo != nil {
		t.AssignedTo = *assignedTo
	}
	if len(checklist) > 0 {
		if err := json.Unmarshal(checklist, &t.Checklist); err != nil {
			return model.TaskInstance{}, fmt.Errorf("unmarshal checklist: %w", err)
		}
		if len(t.Checklist) == 0 {
			t.Checklist = nil
		}
	}
	return t, nil
}

func marshalChecklist(items []model.ChecklistItem) ([]byte, error) {
	if items == nil {
		items = []model.ChecklistItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal checklist: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
