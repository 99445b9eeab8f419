package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/curator/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
// Stored procedure configs are treated as immutable.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.WorkflowDefinition
	steps     map[string]model.WorkflowStep
	configs   map[string][]model.ProcedureConfig // key: procedure type, ascending version
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.WorkflowDefinition),
		steps:     make(map[string]model.WorkflowStep),
		configs:   make(map[string][]model.ProcedureConfig),
	}
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf.Steps = nil
	if wf.IsDefault && wf.IsActive {
		for id, other := range s.workflows {
			if id != wf.ID && other.IsDefault && sameSlot(&other, &wf) {
				other.IsDefault = false
				other.UpdatedAt = wf.UpdatedAt
				s.workflows[id] = other
			}
		}
	}
	s.workflows[wf.ID] = wf
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return wf, nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowDefinition
	for _, wf := range s.workflows {
		if filter.matches(&wf) {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, workflowID string, includeInactive bool) ([]model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowStep
	for _, st := range s.steps {
		if st.WorkflowID != workflowID || (!includeInactive && !st.IsActive) {
			continue
		}
		out = append(out, cloneStep(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) GetStep(_ context.Context, id string) (model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[id]
	if !ok {
		return model.WorkflowStep{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", id))
	}
	return cloneStep(st), nil
}

func (s *MemoryStore) SaveSteps(_ context.Context, workflowID string, steps []model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}

	pending := make(map[string]model.WorkflowStep, len(steps))
	for _, st := range steps {
		if existing, ok := s.steps[st.ID]; ok && existing.WorkflowID != workflowID {
			return model.NewConflictError(fmt.Sprintf("step %q belongs to another workflow", st.ID))
		}
		st.WorkflowID = workflowID
		pending[st.ID] = cloneStep(st)
	}

	seen := make(map[int]string)
	for id, st := range s.steps {
		if _, ok := pending[id]; ok || st.WorkflowID != workflowID {
			continue
		}
		seen[st.Sequence] = id
	}
	for id, st := range pending {
		if _, dup := seen[st.Sequence]; dup {
			return model.NewConflictError(fmt.Sprintf("sequence %d already used in workflow %q", st.Sequence, workflowID))
		}
		seen[st.Sequence] = id
	}

	for id, st := range pending {
		s.steps[id] = st
	}
	return nil
}

func (s *MemoryStore) ActiveConfig(_ context.Context, procedureType string) (model.ProcedureConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cfg := range s.configs[procedureType] {
		if cfg.IsActive {
			return cfg, nil
		}
	}
	return model.ProcedureConfig{}, model.NewConfigNotFoundError(procedureType)
}

func (s *MemoryStore) ListConfigs(_ context.Context, procedureType string) ([]model.ProcedureConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.configs[procedureType]
	out := make([]model.ProcedureConfig, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, versions[i])
	}
	return out, nil
}

func (s *MemoryStore) ListActiveConfigs(_ context.Context) ([]model.ProcedureConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ProcedureConfig
	for _, versions := range s.configs {
		for _, cfg := range versions {
			if cfg.IsActive {
				out = append(out, cfg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcedureType < out[j].ProcedureType })
	return out, nil
}

func (s *MemoryStore) ActivateConfig(_ context.Context, cfg model.ProcedureConfig) (model.ProcedureConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.configs[cfg.ProcedureType]
	for i := range versions {
		versions[i].IsActive = false
	}

	now := time.Now().UTC()
	cfg.Version = len(versions) + 1
	cfg.IsActive = true
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.ActivatedAt = &now

	s.configs[cfg.ProcedureType] = append(versions, cfg)
	return cfg, nil
}

// sameSlot reports whether two definitions compete for the same default.
func sameSlot(a, b *model.WorkflowDefinition) bool {
	return a.ScopeType == b.ScopeType && a.ScopeID == b.ScopeID &&
		a.AppliesToObjectType == b.AppliesToObjectType
}

func cloneStep(st model.WorkflowStep) model.WorkflowStep {
	if st.AllowedUserIDs != nil {
		st.AllowedUserIDs = append([]string(nil), st.AllowedUserIDs...)
	}
	if st.Checklist != nil {
		st.Checklist = append([]string(nil), st.Checklist...)
	}
	if st.RequiredClearanceLevel != nil {
		v := *st.RequiredClearanceLevel
		st.RequiredClearanceLevel = &v
	}
	if st.EscalationDays != nil {
		v := *st.EscalationDays
		st.EscalationDays = &v
	}
	return st
}
