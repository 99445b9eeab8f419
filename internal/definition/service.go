package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

// TaskCounter counts non-terminal tasks bound to a workflow, or to one of
// its steps when stepID is set. The task store implements it.
type TaskCounter interface {
	CountActive(ctx context.Context, workflowID, stepID string) (int, error)
}

// Service manages workflow definitions and their steps.
type Service struct {
	store     Store
	tasks     TaskCounter
	validator *Validator
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewService creates a Service. tasks may be nil, in which case deactivation
// never reports in-flight tasks.
func NewService(store Store, tasks TaskCounter, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		tasks:     tasks,
		validator: NewValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// GetActiveDefinition resolves the workflow applying to an object of
// objectType living in chain. Collections are searched nearest first, then
// the repository, then the global default.
func (s *Service) GetActiveDefinition(ctx context.Context, chain model.ScopeChain, objectType string) (*model.WorkflowDefinition, error) {
	type scope struct{ typ, id string }
	var scopes []scope
	for _, id := range chain.CollectionIDs {
		scopes = append(scopes, scope{model.ScopeCollection, id})
	}
	if chain.RepositoryID != "" {
		scopes = append(scopes, scope{model.ScopeRepository, chain.RepositoryID})
	}
	scopes = append(scopes, scope{model.ScopeGlobal, ""})

	active := true
	for _, sc := range scopes {
		candidates, err := s.store.ListWorkflows(ctx, WorkflowFilter{
			Active:     &active,
			ScopeType:  sc.typ,
			ScopeID:    sc.id,
			ObjectType: objectType,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve workflow: %w", err)
		}
		if wf := pickDefinition(candidates, sc.typ == model.ScopeGlobal); wf != nil {
			return s.withSteps(ctx, *wf)
		}
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("no active workflow applies to %s", objectType))
}

// pickDefinition prefers the default among candidates already ordered by
// name. The global scope only ever yields its default.
func pickDefinition(candidates []model.WorkflowDefinition, defaultOnly bool) *model.WorkflowDefinition {
	for i := range candidates {
		if candidates[i].IsDefault {
			return &candidates[i]
		}
	}
	if defaultOnly || len(candidates) == 0 {
		return nil
	}
	return &candidates[0]
}

// GetWorkflow returns a definition with its active steps.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withSteps(ctx, wf)
}

func (s *Service) withSteps(ctx context.Context, wf model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	steps, err := s.store.ListSteps(ctx, wf.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	wf.Steps = steps
	return &wf, nil
}

// GetSteps returns the active steps of a workflow ordered by sequence.
func (s *Service) GetSteps(ctx context.Context, workflowID string) ([]model.WorkflowStep, error) {
	return s.store.ListSteps(ctx, workflowID, false)
}

// GetStep returns one step.
func (s *Service) GetStep(ctx context.Context, id string) (*model.WorkflowStep, error) {
	st, err := s.store.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListWorkflows returns definitions ordered by name.
func (s *Service) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// CreateWorkflow validates and stores a new definition with its steps.
// Steps without a sequence are numbered in list order.
func (s *Service) CreateWorkflow(ctx context.Context, wf model.WorkflowDefinition, actor string) (*model.WorkflowDefinition, error) {
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.CreatedBy = actor
	wf.CreatedAt = now
	wf.UpdatedAt = now

	renumber := true
	for _, st := range wf.Steps {
		if st.Sequence != 0 {
			renumber = false
			break
		}
	}
	for i := range wf.Steps {
		st := &wf.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		if renumber {
			st.Sequence = i + 1
		}
		st.WorkflowID = wf.ID
		st.CreatedAt = now
		st.UpdatedAt = now
	}

	if err := AsError(s.validator.ValidateWorkflow("workflow", &wf)); err != nil {
		return nil, err
	}

	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if len(wf.Steps) > 0 {
		if err := s.store.SaveSteps(ctx, wf.ID, wf.Steps); err != nil {
			return nil, fmt.Errorf("save steps: %w", err)
		}
	}

	s.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("scope_type", wf.ScopeType),
		zap.String("applies_to", wf.AppliesToObjectType),
		zap.Int("steps", len(wf.Steps)),
	)
	return s.GetWorkflow(ctx, wf.ID)
}

// UpdateWorkflow replaces the editable header fields of a definition. Steps
// are managed through the step operations.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, upd model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	existing, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	upd.ID = existing.ID
	upd.CreatedBy = existing.CreatedBy
	upd.CreatedAt = existing.CreatedAt
	upd.UpdatedAt = time.Now().UTC()
	upd.Steps = nil

	if err := AsError(s.validator.ValidateWorkflow("workflow", &upd)); err != nil {
		return nil, err
	}
	if !upd.IsActive && existing.IsActive {
		if err := s.ensureIdle(ctx, id, ""); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveWorkflow(ctx, upd); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

// DeactivateWorkflow soft-deletes a definition. It fails with CONFLICT while
// non-terminal tasks still run on it.
func (s *Service) DeactivateWorkflow(ctx context.Context, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(ctx, id, ""); err != nil {
		return err
	}

	wf.IsActive = false
	wf.IsDefault = false
	wf.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	s.logger.Info("workflow deactivated", zap.String("workflow_id", id))
	return nil
}

func (s *Service) ensureIdle(ctx context.Context, workflowID, stepID string) error {
	if s.tasks == nil {
		return nil
	}
	n, err := s.tasks.CountActive(ctx, workflowID, stepID)
	if err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}
	if n == 0 {
		return nil
	}
	what := "workflow"
	if stepID != "" {
		what = "step"
	}
	return model.NewConflictError(fmt.Sprintf("cannot deactivate %s with %d active tasks", what, n))
}

// AddStep adds a step to a workflow. With insertAt set, the step takes that
// sequence and every later step moves down by one; otherwise it is appended.
func (s *Service) AddStep(ctx context.Context, workflowID string, st model.WorkflowStep, insertAt *int) (*model.WorkflowStep, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	existing, err := s.store.ListSteps(ctx, workflowID, true)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	now := time.Now().UTC()
	st.ID = uuid.New().String()
	st.WorkflowID = workflowID
	st.CreatedAt = now
	st.UpdatedAt = now

	var changed []model.WorkflowStep
	if insertAt != nil && *insertAt >= 1 {
		st.Sequence = *insertAt
		for _, other := range existing {
			if other.Sequence >= *insertAt {
				other.Sequence++
				other.UpdatedAt = now
				changed = append(changed, other)
			}
		}
	} else {
		st.Sequence = 1
		if n := len(existing); n > 0 {
			st.Sequence = existing[n-1].Sequence + 1
		}
	}

	if err := AsError(s.validator.ValidateStep("step", &st)); err != nil {
		return nil, err
	}
	if err := s.store.SaveSteps(ctx, workflowID, append(changed, st)); err != nil {
		return nil, fmt.Errorf("save steps: %w", err)
	}
	s.logger.Info("step added",
		zap.String("workflow_id", workflowID),
		zap.String("step_id", st.ID),
		zap.Int("sequence", st.Sequence),
	)
	return &st, nil
}

// UpdateStep replaces the editable fields of a step, keeping its workflow
// and sequence.
func (s *Service) UpdateStep(ctx context.Context, id string, upd model.WorkflowStep) (*model.WorkflowStep, error) {
	existing, err := s.store.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}

	upd.ID = existing.ID
	upd.WorkflowID = existing.WorkflowID
	upd.Sequence = existing.Sequence
	upd.CreatedAt = existing.CreatedAt
	upd.UpdatedAt = time.Now().UTC()

	if err := AsError(s.validator.ValidateStep("step", &upd)); err != nil {
		return nil, err
	}
	if !upd.IsActive && existing.IsActive {
		if err := s.ensureIdle(ctx, existing.WorkflowID, id); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveSteps(ctx, upd.WorkflowID, []model.WorkflowStep{upd}); err != nil {
		return nil, fmt.Errorf("save step: %w", err)
	}
	return &upd, nil
}

// DeactivateStep soft-deletes a step. It fails with CONFLICT while tasks
// sit on it.
func (s *Service) DeactivateStep(ctx context.Context, id string) error {
	st, err := s.store.GetStep(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureIdle(ctx, st.WorkflowID, id); err != nil {
		return err
	}
	st.IsActive = false
	st.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveSteps(ctx, st.WorkflowID, []model.WorkflowStep{st}); err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	s.logger.Info("step deactivated", zap.String("workflow_id", st.WorkflowID), zap.String("step_id", id))
	return nil
}

// ReorderSteps renumbers stepIDs 1..n in the given order. Steps of the
// workflow not listed keep their relative order after them.
func (s *Service) ReorderSteps(ctx context.Context, workflowID string, stepIDs []string) error {
	existing, err := s.store.ListSteps(ctx, workflowID, true)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	byID := make(map[string]model.WorkflowStep, len(existing))
	for _, st := range existing {
		byID[st.ID] = st
	}

	now := time.Now().UTC()
	listed := make(map[string]bool, len(stepIDs))
	ordered := make([]model.WorkflowStep, 0, len(existing))
	for _, id := range stepIDs {
		st, ok := byID[id]
		if !ok {
			return model.NewBadRequestError(fmt.Sprintf("step %q does not belong to workflow %q", id, workflowID))
		}
		if listed[id] {
			return model.NewBadRequestError(fmt.Sprintf("step %q listed twice", id))
		}
		listed[id] = true
		ordered = append(ordered, st)
	}
	for _, st := range existing {
		if !listed[st.ID] {
			ordered = append(ordered, st)
		}
	}

	for i := range ordered {
		ordered[i].Sequence = i + 1
		ordered[i].UpdatedAt = now
	}
	if err := s.store.SaveSteps(ctx, workflowID, ordered); err != nil {
		return fmt.Errorf("save steps: %w", err)
	}
	return nil
}
