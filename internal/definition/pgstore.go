package definition

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

// NewPgStore creates a PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const workflowColumns = `id, name, description, scope_type, scope_id, trigger_event, applies_to,
	is_active, is_default, notification_enabled, require_all_steps,
	created_by, created_at, updated_at`

const stepColumns = `id, workflow_id, sequence, name, description, step_type, action_required,
	required_role, required_clearance_level, allowed_user_ids, auto_assign_user_id,
	pool_enabled, is_optional, escalation_days, instructions, checklist, is_active,
	created_at, updated_at`

const configColumns = `id, procedure_type, version, is_active, config, created_by, created_at, activated_at`

func (s *PgStore) SaveWorkflow(ctx context.Context, wf model.WorkflowDefinition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if wf.IsDefault && wf.IsActive {
			_, err := tx.Exec(ctx, `
				UPDATE workflow_definitions SET is_default = FALSE, updated_at = $5
				WHERE is_default AND id <> $1 AND scope_type = $2 AND scope_id = $3 AND applies_to = $4`,
				wf.ID, wf.ScopeType, wf.ScopeID, wf.AppliesToObjectType, wf.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("clear default workflow: %w", err)
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_definitions (`+workflowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				scope_type = EXCLUDED.scope_type,
				scope_id = EXCLUDED.scope_id,
				trigger_event = EXCLUDED.trigger_event,
				applies_to = EXCLUDED.applies_to,
				is_active = EXCLUDED.is_active,
				is_default = EXCLUDED.is_default,
				notification_enabled = EXCLUDED.notification_enabled,
				require_all_steps = EXCLUDED.require_all_steps,
				updated_at = EXCLUDED.updated_at`,
			wf.ID, wf.Name, wf.Description, wf.ScopeType, wf.ScopeID, wf.TriggerEvent, wf.AppliesToObjectType,
			wf.IsActive, wf.IsDefault, wf.NotificationEnabled, wf.RequireAllSteps,
			wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert workflow: %w", err)
		}
		return nil
	})
}

func (s *PgStore) GetWorkflow(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflow_definitions WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

func (s *PgStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.WorkflowDefinition, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Active != nil {
		add("is_active = $%d", *filter.Active)
	}
	if filter.ScopeType != "" {
		add("scope_type = $%d", filter.ScopeType)
	}
	if filter.ScopeID != "" {
		add("scope_id = $%d", filter.ScopeID)
	}
	if filter.ObjectType != "" {
		add("applies_to = $%d", filter.ObjectType)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflow_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowDefinition
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PgStore) ListSteps(ctx context.Context, workflowID string, includeInactive bool) ([]model.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE workflow_id = $1`
	if !includeInactive {
		query += " AND is_active"
	}
	query += " ORDER BY sequence"

	rows, err := s.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PgStore) GetStep(ctx context.Context, id string) (model.WorkflowStep, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE id = $1`, id)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStep{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", id))
	}
	if err != nil {
		return model.WorkflowStep{}, fmt.Errorf("query step: %w", err)
	}
	return st, nil
}

func (s *PgStore) SaveSteps(ctx context.Context, workflowID string, steps []model.WorkflowStep) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, st := range steps {
			tag, err := tx.Exec(ctx, `
				INSERT INTO workflow_steps (`+stepColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
				ON CONFLICT (id) DO UPDATE SET
					sequence = EXCLUDED.sequence,
					name = EXCLUDED.name,
					description = EXCLUDED.description,
					step_type = EXCLUDED.step_type,
					action_required = EXCLUDED.action_required,
					required_role = EXCLUDED.required_role,
					required_clearance_level = EXCLUDED.required_clearance_level,
					allowed_user_ids = EXCLUDED.allowed_user_ids,
					auto_assign_user_id = EXCLUDED.auto_assign_user_id,
					pool_enabled = EXCLUDED.pool_enabled,
					is_optional = EXCLUDED.is_optional,
					escalation_days = EXCLUDED.escalation_days,
					instructions = EXCLUDED.instructions,
					checklist = EXCLUDED.checklist,
					is_active = EXCLUDED.is_active,
					updated_at = EXCLUDED.updated_at
				WHERE workflow_steps.workflow_id = EXCLUDED.workflow_id`,
				st.ID, workflowID, st.Sequence, st.Name, st.Description, st.StepType, st.ActionRequired,
				st.RequiredRole, st.RequiredClearanceLevel, nonNil(st.AllowedUserIDs), st.AutoAssignUserID,
				st.PoolEnabled, st.IsOptional, st.EscalationDays, st.Instructions, nonNil(st.Checklist), st.IsActive,
				st.CreatedAt, st.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("upsert step %q: %w", st.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return model.NewConflictError(fmt.Sprintf("step %q belongs to another workflow", st.ID))
			}
		}
		return nil
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return translateUnique(err, fmt.Sprintf("duplicate step sequence in workflow %q", workflowID))
}

func (s *PgStore) ActiveConfig(ctx context.Context, procedureType string) (model.ProcedureConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM procedure_configs WHERE procedure_type = $1 AND is_active`,
		procedureType,
	)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcedureConfig{}, model.NewConfigNotFoundError(procedureType)
	}
	if err != nil {
		return model.ProcedureConfig{}, fmt.Errorf("query procedure config: %w", err)
	}
	return cfg, nil
}

func (s *PgStore) ListConfigs(ctx context.Context, procedureType string) ([]model.ProcedureConfig, error) {
	return s.queryConfigs(ctx,
		`SELECT `+configColumns+` FROM procedure_configs WHERE procedure_type = $1 ORDER BY version DESC`,
		procedureType,
	)
}

func (s *PgStore) ListActiveConfigs(ctx context.Context) ([]model.ProcedureConfig, error) {
	return s.queryConfigs(ctx,
		`SELECT `+configColumns+` FROM procedure_configs WHERE is_active ORDER BY procedure_type`,
	)
}

func (s *PgStore) ActivateConfig(ctx context.Context, cfg model.ProcedureConfig) (model.ProcedureConfig, error) {
	body, err := json.Marshal(cfg.Config)
	if err != nil {
		return model.ProcedureConfig{}, fmt.Errorf("marshal procedure config: %w", err)
	}

	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.IsActive = true
	cfg.ActivatedAt = &now

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialises concurrent activations of one procedure type.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cfg.ProcedureType); err != nil {
			return fmt.Errorf("lock procedure type: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM procedure_configs WHERE procedure_type = $1`,
			cfg.ProcedureType,
		).Scan(&cfg.Version); err != nil {
			return fmt.Errorf("next config version: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE procedure_configs SET is_active = FALSE WHERE procedure_type = $1 AND is_active`,
			cfg.ProcedureType,
		); err != nil {
			return fmt.Errorf("deactivate procedure configs: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO procedure_configs (`+configColumns+`)
			VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7)`,
			cfg.ID, cfg.ProcedureType, cfg.Version, body, cfg.CreatedBy, cfg.CreatedAt, cfg.ActivatedAt,
		); err != nil {
			return fmt.Errorf("insert procedure config: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.ProcedureConfig{}, translateUnique(err, fmt.Sprintf("concurrent activation of %q", cfg.ProcedureType))
	}
	return cfg, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryConfigs(ctx context.Context, query string, args ...any) ([]model.ProcedureConfig, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query procedure configs: %w", err)
	}
	defer rows.Close()

	var out []model.ProcedureConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan procedure config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanWorkflow(row pgx.Row) (model.WorkflowDefinition, error) {
	var wf model.WorkflowDefinition
	err := row.Scan(
		&wf.ID, &wf.Name, &wf.Description, &wf.ScopeType, &wf.ScopeID, &wf.TriggerEvent, &wf.AppliesToObjectType,
		&wf.IsActive, &wf.IsDefault, &wf.NotificationEnabled, &wf.RequireAllSteps,
		&wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt,
	)
	return wf, err
}

func scanStep(row pgx.Row) (model.WorkflowStep, error) {
	var st model.WorkflowStep
	err := row.Scan(
		&st.ID, &st.WorkflowID, &st.Sequence, &st.Name, &st.Description, &st.StepType, &st.ActionRequired,
		&st.RequiredRole, &st.RequiredClearanceLevel, &st.AllowedUserIDs, &st.AutoAssignUserID,
		&st.PoolEnabled, &st.IsOptional, &st.EscalationDays, &st.Instructions, &st.Checklist, &st.IsActive,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if len(st.AllowedUserIDs) == 0 {
		st.AllowedUserIDs = nil
	}
	if len(st.Checklist) == 0 {
		st.Checklist = nil
	}
	return st, err
}

func scanConfig(row pgx.Row) (model.ProcedureConfig, error) {
	var (
		cfg  model.ProcedureConfig
		body []byte
	)
	if err := row.Scan(
		&cfg.ID, &cfg.ProcedureType, &cfg.Version, &cfg.IsActive, &body,
		&cfg.CreatedBy, &cfg.CreatedAt, &cfg.ActivatedAt,
	); err != nil {
		return model.ProcedureConfig{}, err
	}
	if err := json.Unmarshal(body, &cfg.Config); err != nil {
		return model.ProcedureConfig{}, fmt.Errorf("unmarshal procedure config: %w", err)
	}
	return cfg, nil
}

// translateUnique turns a unique violation into CONFLICT.
func translateUnique(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(msg)
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
