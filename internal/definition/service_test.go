package definition

import (
	"context"
	"testing"

	"github.com/pitabwire/curator/model"
)

type fakeCounter map[string]int

func (f fakeCounter) CountActive(_ context.Context, workflowID, stepID string) (int, error) {
	return f[workflowID+"/"+stepID], nil
}

func newTestService(t *testing.T, counter TaskCounter) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, counter, nil, nil), store
}

func mustCreate(t *testing.T, svc *Service, wf model.WorkflowDefinition) *model.WorkflowDefinition {
	t.Helper()
	created, err := svc.CreateWorkflow(context.Background(), wf, "u-admin")
	if err != nil {
		t.Fatalf("CreateWorkflow(%s) error = %v", wf.Name, err)
	}
	return created
}

func scoped(name, scopeType, scopeID string, isDefault bool) model.WorkflowDefinition {
	wf := validWorkflow()
	wf.Name = name
	wf.ScopeType = scopeType
	wf.ScopeID = scopeID
	wf.IsDefault = isDefault
	return wf
}

func TestService_CreateWorkflow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	wf := validWorkflow()
	wf.Steps[0].Sequence, wf.Steps[1].Sequence = 0, 0

	created := mustCreate(t, svc, wf)
	if created.ID == "" || created.CreatedBy != "u-admin" || created.CreatedAt.IsZero() {
		t.Errorf("created = %+v", created)
	}
	if len(created.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(created.Steps))
	}
	if created.Steps[0].Sequence != 1 || created.Steps[1].Sequence != 2 {
		t.Errorf("steps not renumbered: %d, %d", created.Steps[0].Sequence, created.Steps[1].Sequence)
	}
	if created.Steps[0].WorkflowID != created.ID {
		t.Error("step not bound to workflow")
	}
}

func TestService_CreateWorkflow_invalid(t *testing.T) {
	svc, _ := newTestService(t, nil)
	wf := validWorkflow()
	wf.Name = ""
	_, err := svc.CreateWorkflow(context.Background(), wf, "u-admin")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestService_GetActiveDefinition_resolution_order(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	global := mustCreate(t, svc, scoped("Global default", model.ScopeGlobal, "", true))
	mustCreate(t, svc, scoped("Global other", model.ScopeGlobal, "", false))
	repo := mustCreate(t, svc, scoped("Repository", model.ScopeRepository, "repo-1", false))
	parent := mustCreate(t, svc, scoped("Parent fonds", model.ScopeCollection, "fonds-1", false))
	series := mustCreate(t, svc, scoped("Series", model.ScopeCollection, "series-9", false))

	tests := []struct {
		name  string
		chain model.ScopeChain
		want  string
	}{
		{"nearest collection", model.ScopeChain{CollectionIDs: []string{"series-9", "fonds-1"}, RepositoryID: "repo-1"}, series.ID},
		{"ancestor collection", model.ScopeChain{CollectionIDs: []string{"file-3", "fonds-1"}, RepositoryID: "repo-1"}, parent.ID},
		{"repository", model.ScopeChain{CollectionIDs: []string{"file-3"}, RepositoryID: "repo-1"}, repo.ID},
		{"global default", model.ScopeChain{RepositoryID: "repo-2"}, global.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.GetActiveDefinition(ctx, tt.chain, "information_object")
			if err != nil {
				t.Fatalf("GetActiveDefinition() error = %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("got %s (%s), want %s", got.ID, got.Name, tt.want)
			}
			if len(got.Steps) == 0 {
				t.Error("resolved definition should carry steps")
			}
		})
	}

	if _, err := svc.GetActiveDefinition(ctx, model.ScopeChain{}, "accession"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("unmatched object type error = %v, want NOT_FOUND", err)
	}
}

func TestService_GetActiveDefinition_default_wins_in_scope(t *testing.T) {
	svc, _ := newTestService(t, nil)
	mustCreate(t, svc, scoped("A first by name", model.ScopeRepository, "repo-1", false))
	def := mustCreate(t, svc, scoped("Z default", model.ScopeRepository, "repo-1", true))

	got, err := svc.GetActiveDefinition(context.Background(), model.ScopeChain{RepositoryID: "repo-1"}, "information_object")
	if err != nil {
		t.Fatalf("GetActiveDefinition() error = %v", err)
	}
	if got.ID != def.ID {
		t.Errorf("got %s, want default %s", got.Name, def.Name)
	}
}

func TestService_single_default_per_scope(t *testing.T) {
	svc, store := newTestService(t, nil)
	first := mustCreate(t, svc, scoped("First", model.ScopeGlobal, "", true))
	mustCreate(t, svc, scoped("Second", model.ScopeGlobal, "", true))

	wf, err := store.GetWorkflow(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if wf.IsDefault {
		t.Error("earlier default should have lost its flag")
	}
}

func TestService_DeactivateWorkflow(t *testing.T) {
	counter := fakeCounter{}
	svc, _ := newTestService(t, counter)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())

	counter[wf.ID+"/"] = 2
	if err := svc.DeactivateWorkflow(ctx, wf.ID); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("DeactivateWorkflow() with active tasks error = %v, want CONFLICT", err)
	}

	delete(counter, wf.ID+"/")
	if err := svc.DeactivateWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("DeactivateWorkflow() error = %v", err)
	}
	got, _ := svc.GetWorkflow(ctx, wf.ID)
	if got.IsActive {
		t.Error("workflow still active")
	}
	if err := svc.DeactivateWorkflow(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing workflow error = %v, want NOT_FOUND", err)
	}
}

func TestService_AddStep(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())

	newStep := model.WorkflowStep{Name: "Conservation check", StepType: model.StepTypeVerify,
		ActionRequired: model.ActionComplete, PoolEnabled: true, IsActive: true}

	appended, err := svc.AddStep(ctx, wf.ID, newStep, nil)
	if err != nil {
		t.Fatalf("AddStep() error = %v", err)
	}
	if appended.Sequence != 3 {
		t.Errorf("appended Sequence = %d, want 3", appended.Sequence)
	}

	at := 1
	inserted, err := svc.AddStep(ctx, wf.ID, newStep, &at)
	if err != nil {
		t.Fatalf("AddStep(insertAt=1) error = %v", err)
	}
	steps, _ := svc.GetSteps(ctx, wf.ID)
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	if steps[0].ID != inserted.ID {
		t.Errorf("inserted step is not first")
	}
	for i, st := range steps {
		if st.Sequence != i+1 {
			t.Errorf("steps[%d].Sequence = %d, want %d", i, st.Sequence, i+1)
		}
	}

	bad := newStep
	bad.StepType = "juggle"
	if _, err := svc.AddStep(ctx, wf.ID, bad, nil); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("invalid step error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := svc.AddStep(ctx, "missing", newStep, nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing workflow error = %v, want NOT_FOUND", err)
	}
}

func TestService_UpdateStep_keeps_sequence(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())

	upd := wf.Steps[0]
	upd.Name = "Registrar review"
	upd.Sequence = 99
	got, err := svc.UpdateStep(ctx, upd.ID, upd)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	if got.Sequence != 1 || got.Name != "Registrar review" {
		t.Errorf("UpdateStep() = %+v", got)
	}
}

func TestService_DeactivateStep(t *testing.T) {
	counter := fakeCounter{}
	svc, _ := newTestService(t, counter)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())
	step := wf.Steps[0]

	counter[wf.ID+"/"+step.ID] = 1
	if err := svc.DeactivateStep(ctx, step.ID); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("DeactivateStep() with tasks error = %v, want CONFLICT", err)
	}
	delete(counter, wf.ID+"/"+step.ID)
	if err := svc.DeactivateStep(ctx, step.ID); err != nil {
		t.Fatalf("DeactivateStep() error = %v", err)
	}
	steps, _ := svc.GetSteps(ctx, wf.ID)
	if len(steps) != 1 || steps[0].ID == step.ID {
		t.Errorf("active steps after deactivation = %+v", steps)
	}
}

func TestService_ReorderSteps(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())
	a, b := wf.Steps[0].ID, wf.Steps[1].ID

	if err := svc.ReorderSteps(ctx, wf.ID, []string{b, a}); err != nil {
		t.Fatalf("ReorderSteps() error = %v", err)
	}
	steps, _ := svc.GetSteps(ctx, wf.ID)
	if steps[0].ID != b || steps[1].ID != a {
		t.Errorf("order = %s, %s, want %s, %s", steps[0].ID, steps[1].ID, b, a)
	}

	if err := svc.ReorderSteps(ctx, wf.ID, []string{a, a}); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("duplicate ids error = %v, want BAD_REQUEST", err)
	}
	if err := svc.ReorderSteps(ctx, wf.ID, []string{"foreign"}); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("foreign id error = %v, want BAD_REQUEST", err)
	}
}

func TestService_UpdateWorkflow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	wf := mustCreate(t, svc, validWorkflow())

	upd := *wf
	upd.Name = "Renamed review"
	upd.CreatedBy = "someone-else"
	got, err := svc.UpdateWorkflow(ctx, wf.ID, upd)
	if err != nil {
		t.Fatalf("UpdateWorkflow() error = %v", err)
	}
	if got.Name != "Renamed review" || got.CreatedBy != "u-admin" {
		t.Errorf("UpdateWorkflow() = %+v", got)
	}
	if len(got.Steps) != 2 {
		t.Errorf("steps lost on update: %d", len(got.Steps))
	}
}

func TestService_Seed(t *testing.T) {
	svc, store := newTestService(t, nil)
	resolver := NewResolver(store, []string{"completed"}, nil, nil)
	ctx := context.Background()

	bundles, err := NewLoader().LoadAll([]string{"testdata/seed"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	report, err := svc.Seed(ctx, bundles, resolver)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if report.Created != 2 || report.Skipped != 0 {
		t.Errorf("first Seed() = %+v, want 2 created", report)
	}

	report, err = svc.Seed(ctx, bundles, resolver)
	if err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}
	if report.Created != 0 || report.Skipped != 2 {
		t.Errorf("second Seed() = %+v, want 2 skipped", report)
	}

	cfg, err := resolver.GetActiveConfig(ctx, "acquisition")
	if err != nil {
		t.Fatalf("GetActiveConfig() error = %v", err)
	}
	if cfg.Version != 1 || cfg.CreatedBy != SeedActor {
		t.Errorf("seeded config = %+v", cfg)
	}
}

func TestService_Seed_invalid_writes_nothing(t *testing.T) {
	svc, store := newTestService(t, nil)
	resolver := NewResolver(store, nil, nil, nil)

	bad := Bundle{
		Workflows:  []model.WorkflowDefinition{validWorkflow()},
		Procedures: map[string]model.ProcedureDefinition{"loans_in": {}},
	}
	if _, err := svc.Seed(context.Background(), []Bundle{bad}, resolver); !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("Seed() error = %v, want VALIDATION_ERROR", err)
	}
	all, _ := store.ListWorkflows(context.Background(), WorkflowFilter{})
	if len(all) != 0 {
		t.Errorf("workflows written despite invalid bundle: %d", len(all))
	}
}
